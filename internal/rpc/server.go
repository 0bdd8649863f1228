package rpc

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/polystore/polystore/internal/crud"
)

// ServerVersion is reported by ping and status. Overridden at startup by
// the daemon binary.
var ServerVersion = "0.1.0"

// ServerOptions configure a Server. At least one of SocketPath and
// TCPAddr must be set. AuthToken, when non-empty, is required from every
// TCP and websocket client; unix-socket clients are trusted by file
// permissions.
type ServerOptions struct {
	SocketPath string
	TCPAddr    string
	AuthToken  string
	Version    string
}

// Server serves the data tools over line-delimited JSON and websocket
// frames. One Server hosts one engine registry.
type Server struct {
	registry *crud.Registry
	version  string

	socketPath string
	tcpAddr    string
	authToken  string

	mu          sync.RWMutex
	shutdown    bool
	listener    net.Listener
	tcpListener net.Listener
	wsServer    *http.Server

	// Connection limiting and per-request timeout, tuned by env.
	maxConns       int
	connSemaphore  chan struct{}
	requestTimeout time.Duration

	activeConns     atomic.Int32
	requestCount    atomic.Uint64
	lastActivity    atomic.Value // time.Time
	startTime       time.Time
	pendingShutdown atomic.Bool

	readyChan    chan struct{}
	shutdownChan chan struct{}
	doneChan     chan struct{}
	stopOnce     sync.Once

	handlers map[string]func(context.Context, *Request) Response
}

// NewServer creates a server over the given registry. Connection and
// timeout tuning comes from POLYSTORE_DAEMON_MAX_CONNS and
// POLYSTORE_DAEMON_TIMEOUT.
func NewServer(reg *crud.Registry, opts ServerOptions) *Server {
	maxConns := 100
	if env := os.Getenv("POLYSTORE_DAEMON_MAX_CONNS"); env != "" {
		var conns int
		if _, err := fmt.Sscanf(env, "%d", &conns); err == nil && conns > 0 {
			maxConns = conns
		}
	}

	requestTimeout := 60 * time.Second
	if env := os.Getenv("POLYSTORE_DAEMON_TIMEOUT"); env != "" {
		if timeout, err := time.ParseDuration(env); err == nil && timeout > 0 {
			requestTimeout = timeout
		}
	}

	version := opts.Version
	if version == "" {
		version = ServerVersion
	}

	s := &Server{
		registry:       reg,
		version:        version,
		socketPath:     opts.SocketPath,
		tcpAddr:        opts.TCPAddr,
		authToken:      opts.AuthToken,
		maxConns:       maxConns,
		connSemaphore:  make(chan struct{}, maxConns),
		requestTimeout: requestTimeout,
		startTime:      time.Now(),
		readyChan:      make(chan struct{}),
		shutdownChan:   make(chan struct{}),
		doneChan:       make(chan struct{}),
	}
	s.lastActivity.Store(time.Now())
	s.initHandlers()
	return s
}

func (s *Server) initHandlers() {
	s.handlers = map[string]func(context.Context, *Request) Response{
		OpDataops:      s.handleDataops,
		OpDataopsInfo:  s.handleDataopsInfo,
		OpDataopsBatch: s.handleDataopsBatch,
		OpPing:         s.handlePing,
		OpStatus:       s.handleStatus,
		OpShutdown:     s.handleShutdown,
	}
}

// Dispatch executes one request in-process, bypassing the transports.
// Direct-mode CLI callers use it against a server that was never started.
func (s *Server) Dispatch(req *Request) Response {
	return s.handleRequest(req, true)
}

// reqCtx builds the per-request context. Requests are bounded by the
// server's request timeout regardless of transport.
func (s *Server) reqCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.requestTimeout)
}

// handleRequest dispatches one request frame. It never panics: a handler
// panic becomes an error response so the connection survives.
func (s *Server) handleRequest(req *Request, authed bool) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC handling %s: %v\n%s\n", req.Operation, r, debug.Stack())
			resp = errorResponse("internal error handling %s: %v", req.Operation, r)
			resp.RequestID = req.RequestID
		}
	}()

	s.requestCount.Add(1)
	s.lastActivity.Store(time.Now())

	if !authed && s.authToken != "" && req.Token != s.authToken {
		resp = errorResponse("authentication required")
		resp.RequestID = req.RequestID
		return resp
	}

	handler, ok := s.handlers[req.Operation]
	if !ok {
		resp = errorResponse("unknown operation: %s", req.Operation)
		resp.RequestID = req.RequestID
		return resp
	}

	ctx, cancel := s.reqCtx()
	defer cancel()

	resp = handler(ctx, req)
	resp.RequestID = req.RequestID
	return resp
}

func (s *Server) handlePing(_ context.Context, _ *Request) Response {
	return dataResponse(PingResponse{Message: "pong", Version: s.version})
}

func (s *Server) handleStatus(_ context.Context, _ *Request) Response {
	status := StatusResponse{
		Version:           s.version,
		PID:               os.Getpid(),
		UptimeSeconds:     time.Since(s.startTime).Seconds(),
		ActiveConnections: s.activeConns.Load(),
		MaxConnections:    s.maxConns,
		RequestsServed:    s.requestCount.Load(),
		Models:            s.registry.Models(),
		SocketPath:        s.socketPath,
		TCPAddr:           s.tcpAddr,
	}
	if last, ok := s.lastActivity.Load().(time.Time); ok {
		status.LastActivity = last.UTC().Format(time.RFC3339)
	}
	return dataResponse(status)
}

// handleShutdown marks a pending shutdown. The connection loop triggers
// Stop after the response has been written, so the client sees the ack.
func (s *Server) handleShutdown(_ context.Context, _ *Request) Response {
	s.pendingShutdown.Store(true)
	return dataResponse(map[string]string{"message": "daemon shutting down"})
}
