package server_test

import (
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/echochat/internal/server"
	"github.com/Tyrowin/echochat/test/testhelpers"
)

const waitFor = 2 * time.Second

// newEchoServer serves the routes of a fresh Server through httptest and
// returns the server together with its ws:// URL.
func newEchoServer(t *testing.T, customize func(cfg *server.Config)) (*server.Server, *httptest.Server, string) {
	t.Helper()

	cfg := testhelpers.TestConfig()
	if customize != nil {
		customize(cfg)
	}

	srv, err := server.NewServer(cfg)
	require.NoError(t, err)

	ts := httptest.NewServer(server.SetupRoutes(srv))
	t.Cleanup(ts.Close)

	return srv, ts, "ws" + strings.TrimPrefix(ts.URL, "http") + srv.Path()
}

func TestEchoRoundTrip(t *testing.T) {
	_, _, url := newEchoServer(t, nil)
	conn := testhelpers.MustConnect(t, url)

	testhelpers.ExpectGreeting(t, conn)

	require.NoError(t, testhelpers.SendText(conn, "Hello, server!"))
	assert.Equal(t, "Hello, server!", testhelpers.ReceiveText(t, conn, waitFor))
}

func TestEchoPreservesOrder(t *testing.T) {
	_, _, url := newEchoServer(t, nil)
	conn := testhelpers.MustConnect(t, url)
	testhelpers.ExpectGreeting(t, conn)

	const count = 50
	for i := 0; i < count; i++ {
		require.NoError(t, testhelpers.SendText(conn, strings.Repeat("x", i)+"|"))
	}

	for i := 0; i < count; i++ {
		assert.Equal(t, strings.Repeat("x", i)+"|", testhelpers.ReceiveText(t, conn, waitFor), "message %d", i)
	}
}

func TestEchoPreservesPayloadBytes(t *testing.T) {
	_, _, url := newEchoServer(t, nil)
	conn := testhelpers.MustConnect(t, url)
	testhelpers.ExpectGreeting(t, conn)

	payloads := []string{
		"",
		"héllo wörld",
		"こんにちは 🌍",
		"line one\nline two\r\n",
		strings.Repeat("0123456789", 1000),
	}

	for _, payload := range payloads {
		require.NoError(t, testhelpers.SendText(conn, payload))
		assert.Equal(t, payload, testhelpers.ReceiveText(t, conn, waitFor))
	}
}

func TestGreetingDisabled(t *testing.T) {
	_, _, url := newEchoServer(t, func(cfg *server.Config) {
		cfg.Greeting = ""
	})
	conn := testhelpers.MustConnect(t, url)

	require.NoError(t, testhelpers.SendText(conn, "first"))
	assert.Equal(t, "first", testhelpers.ReceiveText(t, conn, waitFor))
}

func TestCustomGreeting(t *testing.T) {
	_, _, url := newEchoServer(t, func(cfg *server.Config) {
		cfg.Greeting = "hello there"
	})
	conn := testhelpers.MustConnect(t, url)

	assert.Equal(t, "hello there", testhelpers.ReceiveText(t, conn, waitFor))
}

// TestNonTextFramesIgnored verifies binary and ping frames produce no echo
// and the session keeps going.
func TestNonTextFramesIgnored(t *testing.T) {
	_, _, url := newEchoServer(t, nil)
	conn := testhelpers.MustConnect(t, url)
	testhelpers.ExpectGreeting(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x00, 0x01, 0x02}))
	require.NoError(t, conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second)))
	require.NoError(t, testhelpers.SendText(conn, "after binary"))

	assert.Equal(t, "after binary", testhelpers.ReceiveText(t, conn, waitFor))
}

func TestCloseEchoesPeerStatus(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		reason string
	}{
		{name: "normal closure", code: websocket.CloseNormalClosure, reason: ""},
		{name: "going away with reason", code: websocket.CloseGoingAway, reason: "going away"},
		{name: "application code", code: 4000, reason: "bye"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, url := newEchoServer(t, nil)
			conn := testhelpers.MustConnect(t, url)
			testhelpers.ExpectGreeting(t, conn)

			closeErr := testhelpers.CloseWebSocket(t, conn, tt.code, tt.reason)
			assert.Equal(t, tt.code, closeErr.Code)
			assert.Equal(t, tt.reason, closeErr.Text)
		})
	}
}

func TestCloseWithoutStatusUsesNormalClosure(t *testing.T) {
	_, _, url := newEchoServer(t, nil)
	conn := testhelpers.MustConnect(t, url)
	testhelpers.ExpectGreeting(t, conn)

	require.NoError(t, conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(time.Second)))

	closeErr := testhelpers.ReadCloseError(t, conn)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Empty(t, closeErr.Text)
}

func TestNoEchoAfterClose(t *testing.T) {
	_, _, url := newEchoServer(t, nil)
	conn := testhelpers.MustConnect(t, url)
	testhelpers.ExpectGreeting(t, conn)

	testhelpers.CloseWebSocket(t, conn, websocket.CloseNormalClosure, "")

	err := testhelpers.SendText(conn, "too late")
	assert.Error(t, err, "writes after the close handshake must fail")
}

func TestPlainHTTPRequestRejected(t *testing.T) {
	srv, ts, _ := newEchoServer(t, nil)

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut} {
		t.Run(method, func(t *testing.T) {
			resp := testhelpers.MakeRequest(t, method, ts.URL+"/")
			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			assert.Empty(t, body)
		})
	}

	assert.Zero(t, srv.Registry().Len())
}

// TestIncompleteUpgradeRejected sends upgrade headers without a key, which
// fails the handshake.
func TestIncompleteUpgradeRejected(t *testing.T) {
	srv, _, _ := newEchoServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	rr := httptest.NewRecorder()

	srv.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, rr.Body.String())
	assert.Zero(t, srv.Registry().Len())
	assert.Zero(t, srv.ActiveSessions())
}

func TestRegistryReleasedAfterClose(t *testing.T) {
	srv, _, url := newEchoServer(t, nil)
	conn := testhelpers.MustConnect(t, url)
	testhelpers.ExpectGreeting(t, conn)

	assert.Equal(t, 1, srv.Registry().Len())
	assert.Equal(t, 1, srv.ActiveSessions())

	testhelpers.CloseWebSocket(t, conn, websocket.CloseNormalClosure, "")

	require.Eventually(t, func() bool {
		return srv.Registry().Len() == 0 && srv.ActiveSessions() == 0
	}, waitFor, 10*time.Millisecond)
}

func TestRegistryReleasedAfterAbort(t *testing.T) {
	srv, _, url := newEchoServer(t, nil)
	conn, err := testhelpers.ConnectWebSocket(url)
	require.NoError(t, err)
	testhelpers.ExpectGreeting(t, conn)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		return srv.Registry().Len() == 0 && srv.ActiveSessions() == 0
	}, waitFor, 10*time.Millisecond)
}

func TestMaxConnections(t *testing.T) {
	srv, _, url := newEchoServer(t, func(cfg *server.Config) {
		cfg.MaxConnections = 1
	})

	first, err := testhelpers.ConnectWebSocket(url)
	require.NoError(t, err)
	testhelpers.ExpectGreeting(t, first)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	_ = resp.Body.Close()

	testhelpers.CloseWebSocket(t, first, websocket.CloseNormalClosure, "")
	_ = first.Close()

	require.Eventually(t, func() bool {
		return srv.ActiveSessions() == 0
	}, waitFor, 10*time.Millisecond)

	second := testhelpers.MustConnect(t, url)
	testhelpers.ExpectGreeting(t, second)
}

func TestDisallowedOriginRejected(t *testing.T) {
	srv, _, url := newEchoServer(t, func(cfg *server.Config) {
		cfg.AllowedOrigins = []string{"http://good.example"}
	})

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	header.Set("Origin", "http://good.example")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()
	testhelpers.ExpectGreeting(t, conn)

	assert.Equal(t, 1, srv.Registry().Len())
}

func TestOversizedMessageAbortsSession(t *testing.T) {
	srv, _, url := newEchoServer(t, func(cfg *server.Config) {
		cfg.MaxMessageSize = 16
	})
	conn := testhelpers.MustConnect(t, url)
	testhelpers.ExpectGreeting(t, conn)

	require.NoError(t, testhelpers.SendText(conn, strings.Repeat("a", 64)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		return srv.Registry().Len() == 0
	}, waitFor, 10*time.Millisecond)
}

func TestIdleTimeoutAbortsSession(t *testing.T) {
	srv, _, url := newEchoServer(t, func(cfg *server.Config) {
		cfg.IdleTimeout = 100 * time.Millisecond
	})
	conn := testhelpers.MustConnect(t, url)
	testhelpers.ExpectGreeting(t, conn)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	require.Eventually(t, func() bool {
		return srv.Registry().Len() == 0
	}, waitFor, 10*time.Millisecond)
}

// TestRateLimitedEchoDelaysButDelivers verifies throttling paces echoes
// without dropping any of them.
func TestRateLimitedEchoDelaysButDelivers(t *testing.T) {
	_, _, url := newEchoServer(t, func(cfg *server.Config) {
		cfg.RateLimit = server.RateLimitConfig{Burst: 5, RefillInterval: time.Second}
	})
	conn := testhelpers.MustConnect(t, url)
	testhelpers.ExpectGreeting(t, conn)

	start := time.Now()
	for i := 0; i < 7; i++ {
		require.NoError(t, testhelpers.SendText(conn, string(rune('a'+i))))
	}
	for i := 0; i < 7; i++ {
		assert.Equal(t, string(rune('a'+i)), testhelpers.ReceiveText(t, conn, waitFor))
	}

	// Five tokens per second: the sixth and seventh echoes wait ~400ms in total.
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestSessionLifecycleIsLogged(t *testing.T) {
	logs := &testhelpers.LogBuffer{}
	_, _, url := newEchoServer(t, func(cfg *server.Config) {
		cfg.Logger = log.New(logs, "", 0)
	})
	conn := testhelpers.MustConnect(t, url)
	testhelpers.ExpectGreeting(t, conn)

	require.NoError(t, testhelpers.SendText(conn, "observe me"))
	assert.Equal(t, "observe me", testhelpers.ReceiveText(t, conn, waitFor))
	testhelpers.CloseWebSocket(t, conn, websocket.CloseNormalClosure, "")

	require.Eventually(t, func() bool {
		return logs.Contains("removed from the connected clients")
	}, waitFor, 10*time.Millisecond)

	assert.True(t, logs.Contains("state: Open"))
	assert.True(t, logs.Contains("state: Closing"))
	assert.True(t, logs.Contains("Received message from"))
	assert.True(t, logs.Contains("Sent message back to"))
	assert.True(t, logs.Contains("state: Closed"))
}
