// Package server constructs and shuts down the HTTP service that carries the
// WebSocket endpoint, with helpers that apply sensible production defaults.
package server

import (
	"context"
	"log"
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use. The upgrader clears the
// read and write deadlines once a connection is hijacked for WebSocket use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ShutdownServer closes the HTTP server's listeners and waits for in-flight
// plain HTTP requests until ctx expires. Hijacked WebSocket connections are
// not tracked by net/http and are drained separately.
func ShutdownServer(ctx context.Context, server *http.Server) error {
	logger := server.ErrorLog
	if logger == nil {
		logger = log.Default()
	}
	logger.Println("Shutting down HTTP server...")

	if err := server.Shutdown(ctx); err != nil {
		logger.Printf("HTTP server shutdown error: %v", err)
		return err
	}

	logger.Println("HTTP server shutdown completed")
	return nil
}
