// Package server runs individual WebSocket echo sessions, handling the
// receive/echo loop, the close handshake, and aborts for each connection.
package server

import (
	"errors"
	"io"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ConnState is the protocol state of a session.
type ConnState int32

// StateNew is the state of a session whose Run has not started.
const (
	StateNew ConnState = iota
	StateOpen
	StateClosing
	StateClosed
	StateAborted
)

func (s ConnState) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateOpen:
		return "Open"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	case StateAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

// Session is one upgraded WebSocket connection. It is owned by the goroutine
// running it; only State may be read from elsewhere.
type Session struct {
	id           string
	conn         *websocket.Conn
	addr         string
	state        atomic.Int32
	closeAcked   bool
	greeting     string
	writeTimeout time.Duration
	idleTimeout  time.Duration
	limiter      *rateLimiter
	logger       *log.Logger
}

// NewSession wraps an upgraded connection. The identifier is generated here,
// once per handshake.
func NewSession(conn *websocket.Conn, addr string, cfg Config) *Session {
	cfg = sanitizeConfig(cfg)
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}

	return &Session{
		id:           uuid.NewString(),
		conn:         conn,
		addr:         addr,
		greeting:     cfg.Greeting,
		writeTimeout: cfg.WriteTimeout,
		idleTimeout:  cfg.IdleTimeout,
		limiter:      newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
		logger:       cfg.Logger,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the peer address the session was accepted from.
func (s *Session) RemoteAddr() string {
	return s.addr
}

// State returns the current protocol state.
func (s *Session) State() ConnState {
	return ConnState(s.state.Load())
}

func (s *Session) setState(state ConnState) {
	s.state.Store(int32(state))
	s.logger.Printf("Session %s (%s) state: %s", s.id, s.addr, state)
}

// Run sends the greeting and echoes text messages until the peer closes the
// connection or an error occurs. The underlying connection is always closed
// or aborted when Run returns.
func (s *Session) Run() {
	s.setState(StateOpen)
	s.setupReadConnection()

	if s.greeting != "" {
		if err := s.writeText([]byte(s.greeting)); err != nil {
			s.abort(err)
			return
		}
		s.logger.Printf("Sent greeting to %s: %s", s.addr, s.greeting)
	}

	for {
		if err := s.extendReadDeadline(); err != nil {
			s.abort(err)
			return
		}

		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			if s.closeAcked {
				s.finishClose()
				return
			}
			s.logReadError(err)
			s.abort(err)
			return
		}

		if messageType != websocket.TextMessage {
			s.logger.Printf("Ignoring %s frame (%d bytes) from %s", frameName(messageType), len(payload), s.addr)
			continue
		}

		s.logger.Printf("Received message from %s: %s", s.addr, payload)
		s.limiter.wait()

		if err := s.writeText(payload); err != nil {
			s.abort(err)
			return
		}
		s.logger.Printf("Sent message back to %s: %s", s.addr, payload)
	}
}

// setupReadConnection installs the close handler that acknowledges the
// peer's close frame with the peer's own status code and reason.
func (s *Session) setupReadConnection() {
	s.conn.SetCloseHandler(func(code int, text string) error {
		s.setState(StateClosing)

		if code == websocket.CloseNoStatusReceived {
			code = websocket.CloseNormalClosure
			text = ""
		}

		message := websocket.FormatCloseMessage(code, text)
		err := s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(s.writeTimeout))
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Printf("Error acknowledging close from %s: %v", s.addr, err)
			return err
		}
		s.closeAcked = true
		return nil
	})

	if s.idleTimeout > 0 {
		s.conn.SetPongHandler(func(string) error {
			return s.extendReadDeadline()
		})
	}
}

func (s *Session) extendReadDeadline() error {
	if s.idleTimeout <= 0 {
		return nil
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
		s.logger.Printf("Error setting read deadline for %s: %v", s.addr, err)
		return err
	}
	return nil
}

// writeText sends payload as a single, final text frame.
func (s *Session) writeText(payload []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		s.logger.Printf("Error setting write deadline for %s: %v", s.addr, err)
		return err
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.logger.Printf("Error writing message to %s: %v", s.addr, err)
		return err
	}
	return nil
}

// finishClose runs after the peer's close frame has been acknowledged. The
// extra close frame is a no-op when one was already sent.
func (s *Session) finishClose() {
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(s.writeTimeout))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) && !isExpectedCloseError(err) {
		s.logger.Printf("Error sending final close frame to %s: %v", s.addr, err)
	}

	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Printf("Error closing connection to %s: %v", s.addr, err)
	}

	s.setState(StateClosed)
	s.logger.Printf("WebSocket connection %s closed", s.id)
}

// abort tears the connection down without a close handshake. Linger is set
// to zero so the peer observes a reset.
func (s *Session) abort(cause error) {
	s.logger.Printf("WebSocket session %s (%s) aborted: %v", s.id, s.addr, cause)

	if tcpConn, ok := s.conn.NetConn().(*net.TCPConn); ok {
		_ = tcpConn.SetLinger(0)
	}
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Printf("Error aborting connection to %s: %v", s.addr, err)
	}

	s.setState(StateAborted)
}

// logReadError logs read failures by category.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Printf("Message from %s exceeded the read limit", s.addr)
	case websocket.IsCloseError(err, websocket.CloseAbnormalClosure):
		s.logger.Printf("Client %s disconnected without a close frame", s.addr)
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		s.logger.Printf("Client %s connection closed: %v", s.addr, err)
	case isTimeout(err):
		s.logger.Printf("Client %s idle for longer than %s", s.addr, s.idleTimeout)
	default:
		s.logger.Printf("WebSocket read error from %s: %v", s.addr, err)
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func frameName(messageType int) string {
	switch messageType {
	case websocket.BinaryMessage:
		return "binary"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	default:
		return "unknown"
	}
}
