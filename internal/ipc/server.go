package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/flemzord/jobd/internal/security"
)

// DefaultMaxMessageBytes bounds one request line.
const DefaultMaxMessageBytes = 4 << 20

// probeTimeout bounds the liveness check of an existing socket.
const probeTimeout = 500 * time.Millisecond

// ServerConfig configures a Server.
type ServerConfig struct {
	// Path is the unix socket path. Defaults to DefaultSocketPath().
	Path string

	Dispatcher *Dispatcher

	// MaxMessageBytes bounds one request line.
	MaxMessageBytes int

	Logger *slog.Logger
}

// Server accepts client connections on a unix socket. Each connection may
// carry any number of requests, answered in order.
type Server struct {
	cfg    ServerConfig
	logger *slog.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	closing  bool
	started  bool
	inflight sync.WaitGroup
	connWG   sync.WaitGroup
	done     chan struct{}

	// reqCtx is handed to operations and cancelled when shutdown gives up
	// waiting for them.
	reqCtx context.Context
	cancel context.CancelFunc
}

// NewServer creates a server. Call Start to listen.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Path == "" {
		cfg.Path = DefaultSocketPath()
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "ipc"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Path returns the socket path.
func (s *Server) Path() string { return s.cfg.Path }

// Start listens on the socket and serves in the background. It refuses to
// start when another daemon answers on the socket and removes a stale
// socket file otherwise. Calling Start on a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if s.cfg.Dispatcher == nil {
		return errors.New("ipc: dispatcher is required")
	}

	path := s.cfg.Path
	if err := ensureSocketDir(path); err != nil {
		return err
	}
	if _, err := os.Lstat(path); err == nil {
		if Probe(path, probeTimeout) == nil {
			return fmt.Errorf("%w on %s", ErrDaemonRunning, path)
		}
		s.logger.Warn("ipc: removing stale socket", "path", path)
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("ipc: remove stale socket: %w", err)
		}
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "unix", path)
	if err != nil {
		return fmt.Errorf("ipc: listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("ipc: restrict socket: %w", err)
	}

	s.ln = ln
	s.started = true
	s.closing = false
	s.done = make(chan struct{})
	s.reqCtx, s.cancel = context.WithCancel(context.Background())
	go s.acceptLoop(s.reqCtx, ln, s.done)

	s.logger.Info("ipc: listening", "socket", path)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, done chan<- struct{}) {
	defer close(done)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("ipc: accept failed", "error", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.connWG.Add(1)
		s.mu.Unlock()

		go s.serveConn(ctx, conn)
	}
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.connWG.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(64*1024, s.cfg.MaxMessageBytes)), s.cfg.MaxMessageBytes)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if !s.beginRequest() {
			_ = enc.Encode(errorResponse(requestID(line), ErrShuttingDown))
			return
		}
		resp := s.handle(ctx, line)
		err := enc.Encode(resp)
		s.inflight.Done()
		if err != nil {
			s.logger.Debug("ipc: write response", "error", err)
			return
		}
	}
	err := scanner.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		// The rest of the line cannot be framed; answer, then drop the connection.
		msg := fmt.Sprintf("request exceeds %d bytes", s.cfg.MaxMessageBytes)
		_ = enc.Encode(Response{Error: &WireError{Message: msg, Code: CodeValidation}})
		s.logger.Warn("ipc: request too large", "limit", s.cfg.MaxMessageBytes)
		return
	}
	if err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Debug("ipc: connection closed", "error", err)
	}
}

// beginRequest registers an in-flight request unless the server is
// shutting down.
func (s *Server) beginRequest() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.inflight.Add(1)
	return true
}

func (s *Server) handle(ctx context.Context, line []byte) Response {
	if err := security.ValidateJSONDepth(line, 0); err != nil {
		return Response{ID: requestID(line), Error: &WireError{Message: "malformed request: " + err.Error(), Code: CodeValidation}}
	}
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return Response{ID: requestID(line), Error: &WireError{Message: "malformed request: " + err.Error(), Code: CodeValidation}}
	}
	if req.Operation == "" {
		return Response{ID: req.ID, Error: &WireError{Message: "operation: is required", Code: CodeValidation}}
	}
	return s.cfg.Dispatcher.Dispatch(ctx, req)
}

// requestID salvages the id of a request that failed to decode.
func requestID(line []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(line, &probe)
	return probe.ID
}

// Stop stops accepting connections, lets in-flight requests finish until
// ctx ends, then closes every connection and removes the socket. Calling
// Stop on a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.closing = true
	ln, done, cancel := s.ln, s.done, s.cancel
	s.mu.Unlock()
	defer cancel()

	_ = ln.Close()
	<-done
	if err := os.Remove(s.cfg.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("ipc: remove socket", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		cancel()
		err = fmt.Errorf("ipc: shutdown: %w", ctx.Err())
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.connWG.Wait()

	s.logger.Info("ipc: stopped")
	return err
}
