// Package server implements the listener loop that accepts HTTP requests,
// filters WebSocket upgrades, and hands them to echo sessions.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrServerStarted is returned by Start when the server is already running.
	ErrServerStarted = errors.New("server already started")
	// ErrServerStopped is returned by Start after Stop has been called.
	ErrServerStopped = errors.New("server stopped")
)

const acceptRetryDelay = 50 * time.Millisecond

// Server owns the listening socket and runs one Session per accepted
// WebSocket connection. Sessions are independent of one another; the only
// shared state is the Registry.
type Server struct {
	cfg      Config
	addr     string
	path     string
	upgrader websocket.Upgrader
	registry *Registry
	logger   *log.Logger
	slots    chan struct{}

	mu         sync.Mutex
	started    bool
	stopping   bool
	listener   *acceptLoop
	httpServer *http.Server
	cancel     context.CancelFunc
	serveDone  chan struct{}

	sessions sync.WaitGroup
	active   atomic.Int64
}

// NewServer validates cfg and builds a Server. Passing nil uses the defaults.
func NewServer(cfg *Config) (*Server, error) {
	c := defaultConfig()
	if cfg != nil {
		c = *cfg
	}
	c = sanitizeConfig(c)

	addr, path, err := parseBindURL(c.BindURL)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      c,
		addr:     addr,
		path:     path,
		registry: NewRegistry(),
		logger:   c.Logger,
	}

	if c.MaxConnections > 0 {
		s.slots = make(chan struct{}, c.MaxConnections)
	}

	origins := newOriginPolicy(c.AllowedOrigins, c.Logger)
	s.upgrader = websocket.Upgrader{
		HandshakeTimeout: c.HandshakeTimeout,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      origins.checkOrigin,
		Error:            s.rejectHandshake,
	}

	return s, nil
}

// Start binds the configured address and begins accepting requests in the
// background. Cancelling ctx stops accepting new requests; Stop must still be
// called to drain sessions.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return ErrServerStopped
	}
	if s.started {
		return ErrServerStarted
	}

	lc := net.ListenConfig{Control: listenControl(s.cfg.ReusePort)}
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.listener = newAcceptLoop(loopCtx, ln, s.logger)
	s.httpServer = CreateServer(s.addr, SetupRoutes(s))
	s.httpServer.ErrorLog = s.logger
	s.httpServer.BaseContext = func(net.Listener) context.Context { return loopCtx }
	s.serveDone = make(chan struct{})
	s.started = true

	context.AfterFunc(loopCtx, func() {
		_ = s.listener.Close()
	})

	s.logger.Println("WebSocket server started.")
	s.logger.Printf("Listening to incoming WS requests on ws://%s%s", ln.Addr(), s.path)

	go s.serve()
	return nil
}

func (s *Server) serve() {
	defer close(s.serveDone)

	err := s.httpServer.Serve(s.listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		s.logger.Printf("Listener loop exited: %v", err)
	}
}

// Stop stops accepting requests and waits up to the configured grace period
// for active sessions to finish. Sessions still running when the grace
// period ends are left to finish on their own and context.DeadlineExceeded
// is returned. Stop is safe to call more than once.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.started || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	s.logger.Println("Stopping WebSocket server...")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGracePeriod)
	defer cancel()

	shutdownErr := ShutdownServer(ctx, s.httpServer)

	select {
	case <-s.serveDone:
	case <-ctx.Done():
	}

	if err := s.waitForSessions(ctx); err != nil {
		return err
	}
	if shutdownErr != nil {
		return shutdownErr
	}

	s.logger.Println("WebSocket server stopped.")
	return nil
}

func (s *Server) waitForSessions(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Printf("Grace period exceeded, %d sessions still active", s.ActiveSessions())
		return context.DeadlineExceeded
	}
}

// ServeHTTP classifies a request. Anything that is not a WebSocket upgrade
// gets 400 with no body; upgrades are run as echo sessions.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.logger.Printf("Request: %s %s %s %s %s", r.Method, r.Host,
		r.Header.Get("Upgrade"), r.Header.Get("Sec-WebSocket-Key"), r.Header.Get("Sec-WebSocket-Version"))

	if !websocket.IsWebSocketUpgrade(r) {
		rejectRequest(w, http.StatusBadRequest)
		return
	}

	if !s.beginSession() {
		s.logger.Printf("Rejecting WebSocket request from %s: no capacity", r.RemoteAddr)
		rejectRequest(w, http.StatusServiceUnavailable)
		return
	}
	defer s.endSession()

	s.handleWebSocket(w, r)
}

// beginSession reserves a session slot. It fails once Stop has begun or
// when MaxConnections sessions are already running.
func (s *Server) beginSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return false
	}

	if s.slots != nil {
		select {
		case s.slots <- struct{}{}:
		default:
			return false
		}
	}

	s.sessions.Add(1)
	s.active.Add(1)
	return true
}

func (s *Server) endSession() {
	if s.slots != nil {
		<-s.slots
	}
	s.active.Add(-1)
	s.sessions.Done()
}

func (s *Server) rejectHandshake(w http.ResponseWriter, r *http.Request, status int, reason error) {
	s.logger.Printf("WebSocket handshake with %s failed (%d): %v", r.RemoteAddr, status, reason)
	rejectRequest(w, status)
}

// rejectRequest writes status with an empty body and closes the connection.
func rejectRequest(w http.ResponseWriter, status int) {
	w.Header().Set("Connection", "close")
	w.WriteHeader(status)
}

// Addr returns the bound listener address once started, or the configured
// listen address before that.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Path returns the URL path the WebSocket endpoint is served on.
func (s *Server) Path() string {
	return s.path
}

// Registry returns the registry of open sessions.
func (s *Server) Registry() *Registry {
	return s.registry
}

// ActiveSessions returns the number of WebSocket requests currently being
// handled, including ones still in the handshake.
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// acceptLoop wraps the listener so that accept errors other than closure are
// logged and retried instead of ending http.Server.Serve.
type acceptLoop struct {
	net.Listener
	ctx       context.Context
	logger    *log.Logger
	closeOnce sync.Once
	closeErr  error
}

func newAcceptLoop(ctx context.Context, ln net.Listener, logger *log.Logger) *acceptLoop {
	return &acceptLoop{
		Listener: ln,
		ctx:      ctx,
		logger:   logger,
	}
}

func (l *acceptLoop) Accept() (net.Conn, error) {
	for {
		if l.ctx.Err() != nil {
			return nil, net.ErrClosed
		}

		conn, err := l.Listener.Accept()
		if err == nil {
			return conn, nil
		}

		if errors.Is(err, net.ErrClosed) || l.ctx.Err() != nil {
			return nil, net.ErrClosed
		}

		l.logger.Printf("Error accepting connection: %v", err)
		time.Sleep(acceptRetryDelay)
	}
}

// Close is idempotent; the listener is closed both on cancellation and by
// http.Server.Shutdown.
func (l *acceptLoop) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.Listener.Close()
	})
	return l.closeErr
}
