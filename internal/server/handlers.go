// Package server exposes HTTP handlers, including the WebSocket session
// entry point, health checks, and the built-in test page.
package server

import (
	"fmt"
	"net/http"
	"strings"
)

// handleWebSocket completes the handshake and runs the session to the end.
// A failed handshake never registers a session; the upgrader has already
// answered the request through rejectHandshake.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session := NewSession(conn, r.RemoteAddr, s.cfg)
	s.registry.Register(session.ID(), session)
	defer func() {
		if s.registry.Unregister(session.ID()) {
			s.logger.Printf("Client %s removed from the connected clients. Total clients: %d", session.ID(), s.registry.Len())
		}
	}()

	s.logger.Printf("Client %s connected from %s. Total clients: %d", session.ID(), r.RemoteAddr, s.registry.Len())
	session.Run()
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Echo server is running!")
}

// TestPageHandler returns a handler serving a small HTML page that connects
// to wsPath on the page's own host and shows every echoed message.
func TestPageHandler(wsPath string) http.HandlerFunc {
	page := strings.Replace(testPageHTML, "{{WS_PATH}}", wsPath, 1)
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = fmt.Fprint(w, page)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Echo WebSocket Test</title>
    <style>
        body { font-family: sans-serif; margin: 20px; }
        #log { border: 1px solid #ccc; height: 240px; padding: 8px; overflow-y: auto; }
    </style>
</head>
<body>
    <h1>Echo WebSocket Test</h1>
    <input type="text" id="input" placeholder="Type a message...">
    <button onclick="send()">Send</button>
    <div id="log"></div>
    <script>
        const log = document.getElementById('log');
        const input = document.getElementById('input');
        const ws = new WebSocket('ws://' + location.host + '{{WS_PATH}}');

        function append(text) {
            const line = document.createElement('div');
            line.textContent = text;
            log.appendChild(line);
            log.scrollTop = log.scrollHeight;
        }

        ws.onopen = () => append('[open]');
        ws.onmessage = (event) => append('< ' + event.data);
        ws.onclose = (event) => append('[closed ' + event.code + ']');

        function send() {
            if (input.value && ws.readyState === WebSocket.OPEN) {
                ws.send(input.value);
                append('> ' + input.value);
                input.value = '';
            }
        }

        input.addEventListener('keypress', (e) => { if (e.key === 'Enter') send(); });
    </script>
</body>
</html>`
