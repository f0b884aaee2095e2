// Package server wires HTTP handlers into a ServeMux for the echo server
// via routing helpers.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application routes.
// The WebSocket endpoint is mounted on the bind URL path; the health check and
// test page have their own fixed paths unless the endpoint claims one of them.
func SetupRoutes(s *Server) *http.ServeMux {
	mux := http.NewServeMux()
	if s.Path() != healthPath {
		mux.HandleFunc(healthPath, HealthHandler)
	}
	if s.Path() != testPagePath {
		mux.Handle(testPagePath, TestPageHandler(s.Path()))
	}
	mux.Handle(s.Path(), s)
	return mux
}

const (
	healthPath   = "/healthz"
	testPagePath = "/echo-test"
)
