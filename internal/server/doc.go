// Package server implements a WebSocket echo server.
//
// A Server accepts HTTP requests on a bind URL, answers anything that is not a
// WebSocket upgrade with 400 Bad Request, and runs a Session for every
// successful handshake. A Session optionally greets the peer, echoes each text
// message back unchanged and in order, and acknowledges the peer's close frame
// with the peer's own status code and reason. Open sessions are tracked in a
// Registry until their handler returns.
package server
