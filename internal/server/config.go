// Package server provides configuration helpers that define runtime defaults,
// environment overrides, and validation for the echo server.
package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBindURL        = "http://localhost:8080/"
	defaultGreeting       = "Welcome to Echo Chat!"
	defaultGracePeriod    = time.Second
	defaultHandshake      = 5 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultMaxMessageSize = 64 * 1024
)

// ErrInvalidBindURL is returned when the configured bind URL cannot be turned
// into a listen address.
var ErrInvalidBindURL = errors.New("invalid bind URL")

// RateLimitConfig defines the parameters for per-session echo throttling.
// A zero Burst disables throttling.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration settings.
type Config struct {
	// BindURL is the listener prefix, e.g. "http://localhost:8080/".
	BindURL string
	// Greeting is sent as a text frame right after the handshake. Empty disables it.
	Greeting            string
	ShutdownGracePeriod time.Duration
	HandshakeTimeout    time.Duration
	WriteTimeout        time.Duration
	// IdleTimeout bounds the wait for the next frame. Zero waits forever.
	IdleTimeout    time.Duration
	MaxMessageSize int64
	// MaxConnections caps concurrent sessions. Zero means unlimited.
	MaxConnections int
	AllowedOrigins []string
	RateLimit      RateLimitConfig
	ReusePort      bool
	Logger         *log.Logger
}

func defaultConfig() Config {
	return Config{
		BindURL:             defaultBindURL,
		Greeting:            defaultGreeting,
		ShutdownGracePeriod: defaultGracePeriod,
		HandshakeTimeout:    defaultHandshake,
		WriteTimeout:        defaultWriteTimeout,
		MaxMessageSize:      defaultMaxMessageSize,
		RateLimit: RateLimitConfig{
			RefillInterval: time.Second,
		},
	}
}

// sanitizeConfig fills unset or invalid values with defaults. Greeting is left
// alone so that an empty greeting keeps the greeting disabled.
func sanitizeConfig(cfg Config) Config {
	if cfg.BindURL == "" {
		cfg.BindURL = defaultBindURL
	}

	if cfg.ShutdownGracePeriod <= 0 {
		cfg.ShutdownGracePeriod = defaultGracePeriod
	}

	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshake
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	if cfg.IdleTimeout < 0 {
		cfg.IdleTimeout = 0
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	if cfg.MaxConnections < 0 {
		cfg.MaxConnections = 0
	}

	if cfg.RateLimit.Burst < 0 {
		cfg.RateLimit.Burst = 0
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)

	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if bindURL := os.Getenv("ECHO_BIND_URL"); bindURL != "" {
		cfg.BindURL = bindURL
	}

	// A set-but-empty ECHO_GREETING disables the greeting.
	if greeting, ok := os.LookupEnv("ECHO_GREETING"); ok {
		cfg.Greeting = greeting
	}

	if grace := os.Getenv("ECHO_SHUTDOWN_GRACE"); grace != "" {
		cfg.ShutdownGracePeriod = parseDuration(grace, cfg.ShutdownGracePeriod)
	}

	if handshake := os.Getenv("ECHO_HANDSHAKE_TIMEOUT"); handshake != "" {
		cfg.HandshakeTimeout = parseDuration(handshake, cfg.HandshakeTimeout)
	}

	if write := os.Getenv("ECHO_WRITE_TIMEOUT"); write != "" {
		cfg.WriteTimeout = parseDuration(write, cfg.WriteTimeout)
	}

	if idle := os.Getenv("ECHO_IDLE_TIMEOUT"); idle != "" {
		cfg.IdleTimeout = parseDuration(idle, cfg.IdleTimeout)
	}

	if maxSize := os.Getenv("ECHO_MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if maxConns := os.Getenv("ECHO_MAX_CONNECTIONS"); maxConns != "" {
		cfg.MaxConnections = parseIntValue(maxConns, cfg.MaxConnections)
	}

	if origins := os.Getenv("ECHO_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if burst := os.Getenv("ECHO_RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("ECHO_RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	if reusePort := os.Getenv("ECHO_REUSE_PORT"); reusePort != "" {
		if parsed, err := strconv.ParseBool(reusePort); err == nil {
			cfg.ReusePort = parsed
		}
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return d
	}
	return defaultValue
}

// parseBindURL splits a listener prefix into a TCP listen address and the
// path the WebSocket endpoint is served on. The HttpListener-style wildcard
// hosts "+" and "*" bind all interfaces.
func parseBindURL(raw string) (addr, path string, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidBindURL)
	}

	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidBindURL, err)
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "ws":
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidBindURL, parsed.Scheme)
	}

	host, port, err := net.SplitHostPort(parsed.Host)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidBindURL, err)
	}
	if port == "" {
		return "", "", fmt.Errorf("%w: missing port in %q", ErrInvalidBindURL, raw)
	}
	if host == "+" || host == "*" {
		host = ""
	}

	path = parsed.Path
	if path == "" {
		path = "/"
	}

	return net.JoinHostPort(host, port), path, nil
}
