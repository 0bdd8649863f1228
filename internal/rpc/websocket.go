package rpc

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Origin checks do not apply: callers are tools, not browsers, and
	// remote frames are gated by the auth token.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WebsocketHandler upgrades HTTP requests and serves request/response
// frames carrying the same JSON as the line protocol. Mount it on the
// daemon's mux or pass an address to StartWebsocket.
func (s *Server) WebsocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.connSemaphore <- struct{}{}:
		default:
			http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
			return
		}
		defer func() { <-s.connSemaphore }()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			return
		}

		s.activeConns.Add(1)
		defer s.activeConns.Add(-1)
		s.serveWebsocket(conn)
	})
}

func (s *Server) serveWebsocket(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()

	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in websocket handler: %v\n%s\n", r, debug.Stack())
		}
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.requestTimeout)); err != nil {
			return
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var resp Response
		var req Request
		if err := json.Unmarshal(frame, &req); err != nil {
			resp = errorResponse("invalid request: %v", err)
		} else {
			resp = s.handleRequest(&req, false)
		}

		if err := conn.SetWriteDeadline(time.Now().Add(s.requestTimeout)); err != nil {
			return
		}
		if err := conn.WriteJSON(resp); err != nil {
			return
		}

		if s.pendingShutdown.Load() {
			go func() { _ = s.Stop() }()
			return
		}
	}
}
