package server

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOriginPolicy(t *testing.T) {
	logger := discardLogger()

	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{name: "empty list allows any origin", allowed: nil, origin: "http://evil.example", want: true},
		{name: "wildcard allows any origin", allowed: []string{"*"}, origin: "http://evil.example", want: true},
		{name: "listed origin", allowed: []string{"http://localhost:8080"}, origin: "http://localhost:8080", want: true},
		{name: "case insensitive", allowed: []string{"HTTP://LocalHost:8080"}, origin: "http://localhost:8080", want: true},
		{name: "unlisted origin", allowed: []string{"http://localhost:8080"}, origin: "http://evil.example", want: false},
		{name: "missing origin header", allowed: []string{"http://localhost:8080"}, origin: "", want: true},
		{name: "malformed origin header", allowed: []string{"http://localhost:8080"}, origin: "not a url", want: false},
		{name: "invalid entries ignored", allowed: []string{"bogus", "http://ok.example"}, origin: "http://ok.example", want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := newOriginPolicy(tt.allowed, logger)

			req := httptest.NewRequest("GET", "/", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}

			assert.Equal(t, tt.want, policy.checkOrigin(req))
		})
	}
}
