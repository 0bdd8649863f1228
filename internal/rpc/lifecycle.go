package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"
)

type boundListener struct {
	ln net.Listener
	// trusted marks transports protected outside the protocol (the unix
	// socket, via file permissions); untrusted transports must present
	// the auth token when one is configured.
	trusted bool
}

// Start binds the configured endpoints and serves until Stop. It blocks;
// run it in a goroutine and use WaitReady to know when accepting began.
func (s *Server) Start(_ context.Context) error {
	if s.socketPath == "" && s.tcpAddr == "" {
		return fmt.Errorf("rpc server needs a socket path or TCP address")
	}

	var bound []boundListener

	if s.socketPath != "" {
		if err := s.ensureSocketDir(); err != nil {
			return fmt.Errorf("failed to ensure socket directory: %w", err)
		}
		if err := s.removeOldSocket(); err != nil {
			return err
		}
		ln, err := listenRPC(s.socketPath)
		if err != nil {
			return fmt.Errorf("failed to listen on socket: %w", err)
		}
		if err := tightenSocket(s.socketPath); err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to set socket permissions: %w", err)
		}
		s.mu.Lock()
		s.listener = ln
		s.mu.Unlock()
		bound = append(bound, boundListener{ln: ln, trusted: true})
	}

	if s.tcpAddr != "" {
		ln, err := listenTCP(s.tcpAddr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("failed to listen on %s: %w", s.tcpAddr, err)
		}
		s.mu.Lock()
		s.tcpListener = ln
		s.mu.Unlock()
		bound = append(bound, boundListener{ln: ln})
	}

	close(s.readyChan)
	go s.handleSignals()

	defer close(s.doneChan)

	var wg sync.WaitGroup
	errs := make(chan error, len(bound))
	for _, b := range bound {
		wg.Add(1)
		go func(b boundListener) {
			defer wg.Done()
			errs <- s.acceptLoop(b.ln, b.trusted)
		}(b)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) acceptLoop(ln net.Listener, trusted bool) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.RLock()
			shutdown := s.shutdown
			s.mu.RUnlock()
			if shutdown {
				return nil
			}
			return fmt.Errorf("failed to accept connection: %w", err)
		}

		// Non-blocking slot acquisition: at capacity we reject rather
		// than queue, so a stuck client cannot wedge the daemon.
		select {
		case s.connSemaphore <- struct{}{}:
			go func(c net.Conn) {
				defer func() { <-s.connSemaphore }()
				s.activeConns.Add(1)
				defer s.activeConns.Add(-1)
				s.handleConnection(c, trusted)
			}(conn)
		default:
			_ = conn.Close()
		}
	}
}

// WaitReady closes after the server is accepting connections.
func (s *Server) WaitReady() <-chan struct{} {
	return s.readyChan
}

// BoundTCPAddr reports the resolved TCP address, useful when the
// configured address was :0. Empty when TCP is not enabled.
func (s *Server) BoundTCPAddr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tcpListener != nil {
		return s.tcpListener.Addr().String()
	}
	return ""
}

// Stop shuts the server down and removes the socket. Safe to call more
// than once and from any goroutine.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()

		close(s.shutdownChan)

		err = s.closeListeners()

		s.mu.Lock()
		ws := s.wsServer
		s.wsServer = nil
		s.mu.Unlock()
		if ws != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = ws.Shutdown(ctx)
			cancel()
		}

		if s.socketPath != "" {
			if removeErr := os.Remove(s.socketPath); removeErr != nil && !os.IsNotExist(removeErr) && err == nil {
				err = fmt.Errorf("failed to remove socket: %w", removeErr)
			}
		}
	})

	// Wait for Start's cleanup, but only if Start actually ran.
	select {
	case <-s.readyChan:
		select {
		case <-s.doneChan:
		case <-time.After(5 * time.Second):
		}
	default:
	}

	return err
}

func (s *Server) closeListeners() error {
	s.mu.Lock()
	ln, tcp := s.listener, s.tcpListener
	s.listener, s.tcpListener = nil, nil
	s.mu.Unlock()

	var err error
	if ln != nil {
		if closeErr := ln.Close(); closeErr != nil {
			err = fmt.Errorf("failed to close listener: %w", closeErr)
		}
	}
	if tcp != nil {
		if closeErr := tcp.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close tcp listener: %w", closeErr)
		}
	}
	return err
}

func (s *Server) ensureSocketDir() error {
	dir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	// Best-effort tighten if the directory already existed.
	_ = os.Chmod(dir, 0700)
	return nil
}

// removeOldSocket clears a stale socket left by a crashed daemon. A
// socket that still answers dials belongs to a live daemon and is an
// error to reuse.
func (s *Server) removeOldSocket() error {
	if _, err := os.Stat(s.socketPath); err != nil {
		return nil
	}
	conn, err := dialRPC(s.socketPath, 500*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s is in use by another daemon", s.socketPath)
	}
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Server) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, serverSignals...)
	defer signal.Stop(sigChan)
	select {
	case <-sigChan:
		_ = s.Stop()
	case <-s.shutdownChan:
	}
}

func (s *Server) handleConnection(conn net.Conn, trusted bool) {
	defer func() { _ = conn.Close() }()

	// A panic on one connection must not take the daemon down.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "PANIC in connection handler: %v\n%s\n", r, debug.Stack())
		}
	}()

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.requestTimeout)); err != nil {
			return
		}

		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if werr := s.writeResponse(writer, errorResponse("invalid request: %v", err)); werr != nil {
				return
			}
			continue
		}

		if err := conn.SetWriteDeadline(time.Now().Add(s.requestTimeout)); err != nil {
			return
		}

		resp := s.handleRequest(&req, trusted)
		if err := s.writeResponse(writer, resp); err != nil {
			return
		}

		// Shutdown acks first, then stops: the client sees the response.
		if s.pendingShutdown.Load() {
			go func() {
				if err := s.Stop(); err != nil {
					fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
				}
			}()
			return
		}
	}
}

func (s *Server) writeResponse(writer *bufio.Writer, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if err := writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush response: %w", err)
	}
	return nil
}

// StartWebsocket serves the websocket transport on addr until Stop. Like
// Start, it blocks.
func (s *Server) StartWebsocket(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s.WebsocketHandler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.wsServer = srv
	s.mu.Unlock()

	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
