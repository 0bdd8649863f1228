package rpc

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialWS upgrades a test connection against the handler of srv.
func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(srv.WebsocketHandler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func roundTripWS(t *testing.T, conn *websocket.Conn, req Request) Response {
	t.Helper()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	return resp
}

func TestWebsocketFrames(t *testing.T) {
	srv := NewServer(testRegistry(t), ServerOptions{Version: "ws-test"})
	conn := dialWS(t, srv)

	resp := roundTripWS(t, conn, Request{Operation: OpPing, RequestID: "ws-1"})
	if !resp.Success || resp.RequestID != "ws-1" {
		t.Fatalf("ping frame = %+v", resp)
	}
	var ping PingResponse
	if err := json.Unmarshal(resp.Data, &ping); err != nil {
		t.Fatalf("unmarshal ping: %v", err)
	}
	if ping.Version != "ws-test" {
		t.Errorf("version = %q", ping.Version)
	}

	args, _ := json.Marshal(DataopsArgs{
		Operation: ActionCreate,
		Model:     "Article",
		Data:      json.RawMessage(`{"title":"over websocket"}`),
	})
	resp = roundTripWS(t, conn, Request{Operation: OpDataops, Args: args})
	if !resp.Success {
		t.Fatalf("create frame failed: %s", resp.Error)
	}
	var result DataopsResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ID == "" {
		t.Error("create returned no id")
	}

	// The same connection carries further operations, like the line
	// transport does.
	args, _ = json.Marshal(DataopsArgs{Operation: ActionRead, Model: "Article", ID: result.ID})
	resp = roundTripWS(t, conn, Request{Operation: OpDataops, Args: args})
	if !resp.Success {
		t.Fatalf("read frame failed: %s", resp.Error)
	}
}

func TestWebsocketBadFrame(t *testing.T) {
	srv := NewServer(testRegistry(t), ServerOptions{})
	conn := dialWS(t, srv)

	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{broken")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var resp Response
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Success || !strings.Contains(resp.Error, "invalid request") {
		t.Fatalf("bad frame response = %+v", resp)
	}

	// Connection survives the bad frame.
	resp = roundTripWS(t, conn, Request{Operation: OpPing})
	if !resp.Success {
		t.Fatalf("ping after bad frame = %+v", resp)
	}
}

func TestWebsocketAuthToken(t *testing.T) {
	srv := NewServer(testRegistry(t), ServerOptions{AuthToken: "sesame"})
	conn := dialWS(t, srv)

	resp := roundTripWS(t, conn, Request{Operation: OpPing})
	if resp.Success || !strings.Contains(resp.Error, "authentication required") {
		t.Fatalf("tokenless frame = %+v", resp)
	}

	resp = roundTripWS(t, conn, Request{Operation: OpPing, Token: "sesame"})
	if !resp.Success {
		t.Fatalf("authed frame = %+v", resp)
	}
}
