package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Tyrowin/echochat/internal/server"
)

func main() {
	fmt.Println("Starting Echo Server...")

	// Create configuration
	config := server.NewConfigFromEnv()

	srv, err := server.NewServer(config)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	fmt.Println("Press Ctrl+C to stop the server...")
	<-ctx.Done()

	if err := srv.Stop(); err != nil {
		log.Printf("Server stopped with error: %v", err)
		os.Exit(1)
	}
}
