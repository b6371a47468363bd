package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Handler serves one daemon request. A returned error is sent to the client
// as an internal failure.
type Handler func(ctx context.Context, req *Request) (*Response, error)

// Server accepts one JSON request per connection on a Unix socket.
type Server struct {
	socketPath string
	handler    Handler

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc

	conns    sync.WaitGroup
	stopOnce sync.Once
}

// NewServer creates a server for socketPath. Nothing listens until Start.
func NewServer(socketPath string, handler Handler) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
	}
}

// SocketPath returns the path the server listens on
func (s *Server) SocketPath() string {
	return s.socketPath
}

// listenUnix replaces any stale socket at path and listens on it. The
// directory is private to the daemon user; the socket is owner and group
// only because it hands out session information.
func listenUnix(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0660); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return ln, nil
}

// Start begins accepting connections. Handlers run with a context derived
// from ctx that Stop cancels, so long-running requests such as sign-ins end
// when the server stops.
func (s *Server) Start(ctx context.Context) error {
	ln, err := listenUnix(s.socketPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.listener = ln
	s.cancel = cancel
	s.mu.Unlock()

	slog.Info("IPC server started", "socket", s.socketPath)

	s.conns.Add(1)
	go s.serve(ctx, ln)
	return nil
}

// serve accepts until the listener is closed.
func (s *Server) serve(ctx context.Context, ln net.Listener) {
	defer s.conns.Done()

	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			slog.Warn("IPC accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer func() { _ = conn.Close() }()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn runs one request/response exchange.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		slog.Warn("invalid IPC request", "error", err)
		writeResponse(conn, Failure(KindBadRequest, "invalid request format"))
		return
	}
	if req.Command == "" {
		writeResponse(conn, Failure(KindBadRequest, "missing command"))
		return
	}

	slog.Debug("IPC request received", requestLogAttrs(&req)...)

	// Anything the client writes after its request (the encoder's trailing
	// newline) is ignored. A read error means it hung up and the request is
	// abandoned.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		var b [64]byte
		for {
			if _, err := conn.Read(b[:]); err != nil {
				cancel()
				return
			}
		}
	}()

	resp, err := s.handler(ctx, &req)
	switch {
	case err != nil:
		slog.Error("IPC handler failed", "command", req.Command, "error", err)
		resp = Failure(KindInternal, err.Error())
	case resp == nil:
		resp = OK()
	}

	writeResponse(conn, resp)
	slog.Debug("IPC response sent", "command", req.Command, "status", resp.Status, "error_kind", resp.ErrorKind)
}

func writeResponse(conn net.Conn, resp *Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		slog.Warn("failed to write IPC response", "error", err)
	}
}

// Stop closes the listener, cancels in-flight handlers and waits for them to
// return, then removes the socket file. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		slog.Info("stopping IPC server")

		s.mu.Lock()
		ln := s.listener
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()

		if ln == nil {
			return
		}
		if err := ln.Close(); err != nil {
			slog.Warn("failed to close IPC listener", "error", err)
		}

		s.conns.Wait()

		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("failed to remove socket file", "error", err)
		}

		slog.Info("IPC server stopped")
	})
	return nil
}
