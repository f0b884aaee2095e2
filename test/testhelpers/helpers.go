// Package testhelpers provides common utilities and helper functions for testing the echo server.
//
// This package contains reusable test utilities that are shared across unit and integration tests.
// It provides functions for starting servers on ephemeral ports, dialing WebSocket clients, and
// exchanging text frames to reduce code duplication in test files.
package testhelpers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/echochat/internal/server"
)

// Greeting is the default greeting the server sends after the handshake.
const Greeting = "Welcome to Echo Chat!"

// LogBuffer is a goroutine-safe io.Writer for capturing server logs.
type LogBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// String returns everything written so far.
func (b *LogBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Contains reports whether the captured log contains substr.
func (b *LogBuffer) Contains(substr string) bool {
	return strings.Contains(b.String(), substr)
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// TestConfig returns a configuration bound to an ephemeral loopback port with
// logging discarded.
func TestConfig() *server.Config {
	cfg := server.NewConfig()
	cfg.BindURL = "http://127.0.0.1:0/"
	cfg.Logger = DiscardLogger()
	return cfg
}

// StartServer builds and starts a server from TestConfig, applying customize
// first. The server is stopped when the test finishes.
func StartServer(t *testing.T, customize func(cfg *server.Config)) *server.Server {
	t.Helper()

	cfg := TestConfig()
	if customize != nil {
		customize(cfg)
	}

	srv, err := server.NewServer(cfg)
	require.NoError(t, err, "Failed to create server")
	// Equivalent of t.Context() (Go 1.24+): canceled just before cleanups run.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, srv.Start(ctx), "Failed to start server")

	t.Cleanup(func() {
		_ = srv.Stop()
	})
	t.Cleanup(cancel)
	return srv
}

// WebSocketURL returns the ws:// URL of a started server.
func WebSocketURL(srv *server.Server) string {
	return "ws://" + srv.Addr() + srv.Path()
}

// HTTPURL returns the http:// URL of path on a started server.
func HTTPURL(srv *server.Server, path string) string {
	return "http://" + srv.Addr() + path
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	conn, resp, err := dialer.Dial(url, nil)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// MustConnect dials url and fails the test on error. The connection is
// closed when the test finishes.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	conn, err := ConnectWebSocket(url)
	require.NoError(t, err, "Failed to connect to %s", url)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendText sends a single text frame.
func SendText(conn *websocket.Conn, text string) error {
	return conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// ReceiveText reads the next message and fails the test unless it is a text
// frame that arrives within timeout.
func ReceiveText(t *testing.T, conn *websocket.Conn, timeout time.Duration) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	messageType, payload, err := conn.ReadMessage()
	require.NoError(t, err, "Failed to read message")
	require.Equal(t, websocket.TextMessage, messageType, "Expected a text frame")
	return string(payload)
}

// ExpectGreeting reads and checks the default greeting.
func ExpectGreeting(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.Equal(t, Greeting, ReceiveText(t, conn, 2*time.Second))
}

// CloseWebSocket sends a close frame with code and reason and returns the
// close error the server answers with.
func CloseWebSocket(t *testing.T, conn *websocket.Conn, code int, reason string) *websocket.CloseError {
	t.Helper()

	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	require.NoError(t, err, "Failed to send close frame")

	return ReadCloseError(t, conn)
}

// ReadCloseError reads until the server's close frame arrives.
func ReadCloseError(t *testing.T, conn *websocket.Conn) *websocket.CloseError {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "Expected a close frame, got %v", err)
		return closeErr
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err, "Failed to create request")

	resp, err := client.Do(req)
	require.NoError(t, err, "Failed to make request")

	return resp
}
