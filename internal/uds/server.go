package uds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/msageha/autopilot/internal/logging"
)

const (
	DefaultConnTimeout = 30 * time.Second
	DefaultMaxConns    = 64
)

// HandlerFunc serves one command. ctx ends when the connection deadline
// passes or the server stops.
type HandlerFunc func(ctx context.Context, req *Request) *Response

// Observer is told about every request the server answers. code is "ok"
// for successful responses and the error code otherwise.
type Observer func(command, code string, elapsed time.Duration)

type ServerOption func(*Server)

// WithMaxConns bounds the number of connections served at once. Connections
// beyond the limit are answered with ErrCodeBusy without reading a request.
func WithMaxConns(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxConns = int64(n)
		}
	}
}

func WithObserver(o Observer) ServerOption {
	return func(s *Server) { s.observer = o }
}

func WithConnTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.connTimeout = d
		}
	}
}

// Server answers framed requests on a unix socket. Handlers are looked up
// by command name.
type Server struct {
	socketPath  string
	logger      *logging.Logger
	connTimeout time.Duration
	maxConns    int64
	observer    Observer

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	listener net.Listener
	slots    *semaphore.Weighted
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewServer(socketPath string, logger *logging.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Server{
		socketPath:  socketPath,
		logger:      logger,
		connTimeout: DefaultConnTimeout,
		maxConns:    DefaultMaxConns,
		handlers:    make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.slots = semaphore.NewWeighted(s.maxConns)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// SetConnTimeout changes the per-connection deadline. Call before Start.
func (s *Server) SetConnTimeout(d time.Duration) {
	WithConnTimeout(d)(s)
}

func (s *Server) Handle(command string, handler HandlerFunc) {
	s.mu.Lock()
	s.handlers[command] = handler
	s.mu.Unlock()
}

func (s *Server) lookup(command string) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[command]
	return h, ok
}

func (s *Server) Start() error {
	// A leftover socket means a previous daemon died without cleanup. The
	// caller holds the daemon lock, so nobody else is serving it.
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.serve()
	s.logger.Infof("listening on %s (max %d connections)", s.socketPath, s.maxConns)
	return nil
}

// Stop closes the listener, waits for in-flight requests and removes the
// socket file.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove socket: %w", err)
	}
	return nil
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warnf("accept: %v", err)
			continue
		}

		s.wg.Add(1)
		if !s.slots.TryAcquire(1) {
			go s.reject(conn)
			continue
		}
		go func() {
			defer s.slots.Release(1)
			s.serveConn(conn)
		}()
	}
}

func (s *Server) reject(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	_ = conn.SetDeadline(time.Now().Add(time.Second))
	resp := ErrorResponse(ErrCodeBusy, fmt.Sprintf("server busy: %d connections in flight", s.maxConns))
	_ = WriteFrame(conn, resp)
	s.observe("", ErrCodeBusy, 0)
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(s.connTimeout)
	_ = conn.SetDeadline(deadline)

	var req Request
	if err := ReadFrame(conn, &req); err != nil {
		s.logger.Warnf("read request: %v", err)
		return
	}

	ctx, cancel := context.WithDeadline(s.ctx, deadline)
	defer cancel()

	start := time.Now()
	resp := s.dispatch(ctx, &req)
	s.observe(req.Command, resultCode(resp), time.Since(start))

	if err := WriteFrame(conn, resp); err != nil {
		s.logger.Warnf("write %s response: %v", req.Command, err)
	}
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp *Response) {
	if req.ProtocolVersion != ProtocolVersion {
		return ErrorResponse(ErrCodeProtocolMismatch,
			fmt.Sprintf("protocol version mismatch: got %d, expected %d", req.ProtocolVersion, ProtocolVersion))
	}

	handler, ok := s.lookup(req.Command)
	if !ok {
		return ErrorResponse(ErrCodeUnknownCommand, fmt.Sprintf("unknown command: %q", req.Command))
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("%s handler panicked: %v\n%s", req.Command, r, debug.Stack())
			resp = ErrorResponse(ErrCodeInternal, fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	s.logger.Debugf("command=%s", req.Command)
	if resp = handler(ctx, req); resp == nil {
		resp = SuccessResponse(nil)
	}
	return resp
}

func (s *Server) observe(command, code string, elapsed time.Duration) {
	if s.observer != nil {
		s.observer(command, code, elapsed)
	}
}

func resultCode(resp *Response) string {
	switch {
	case resp.Success:
		return "ok"
	case resp.Error != nil:
		return resp.Error.Code
	default:
		return ErrCodeInternal
	}
}
