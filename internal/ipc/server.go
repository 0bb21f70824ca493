package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Server lifecycle errors.
var (
	// ErrAlreadyRunning indicates another daemon instance holds the
	// socket lock. Fatal at startup.
	ErrAlreadyRunning = errors.New("daemon already running")

	// ErrSocketBind indicates the unix socket could not be created.
	ErrSocketBind = errors.New("bind ipc socket failed")
)

// Timeouts governing per-connection handling and shutdown drain.
const (
	// connTimeout bounds reading the request and writing the response.
	// Generous because WhereAmI and CreateZone scan synchronously.
	connTimeout = 30 * time.Second

	// drainTimeout caps waiting for in-flight handlers on shutdown.
	drainTimeout = 3 * time.Second
)

// Handler serves decoded IPC requests.
type Handler interface {
	Handle(ctx context.Context, req Request) Response
}

// RequestObserver counts served requests (metrics hook). May be nil.
type RequestObserver func(kind string)

// Server accepts connections on the daemon's unix socket and serves one
// request per connection.
//
// Startup takes an exclusive flock on <socket>.lock: a held lock means
// another daemon is alive and startup fails with ErrAlreadyRunning; a
// stale socket file without a live lock holder is removed and recreated.
type Server struct {
	socketPath string
	handler    Handler
	onStop     func()
	observe    RequestObserver
	logger     *slog.Logger

	ln       net.Listener
	lockFile *os.File
	wg       sync.WaitGroup
}

// NewServer creates an IPC server. onStop is invoked (once) after a Stop
// request's response has been written. observe may be nil.
func NewServer(
	socketPath string,
	handler Handler,
	onStop func(),
	observe RequestObserver,
	logger *slog.Logger,
) *Server {
	return &Server{
		socketPath: socketPath,
		handler:    handler,
		onStop:     onStop,
		observe:    observe,
		logger:     logger.With(slog.String("component", "ipc")),
	}
}

// Run binds the socket and serves until ctx is cancelled, then drains
// in-flight handlers (bounded), removes the socket, and releases the lock.
func (s *Server) Run(ctx context.Context) error {
	if err := s.bind(); err != nil {
		return err
	}

	s.logger.Info("ipc listening", slog.String("socket", s.socketPath))

	// Closer goroutine: unblock Accept on cancellation.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		s.ln.Close()
	}()
	defer close(done)

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.shutdown()
				return nil
			}
			s.shutdown()
			return fmt.Errorf("ipc accept: %w", err)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// bind acquires the lock and creates the listening socket with 0600
// owner-only permissions.
func (s *Server) bind() error {
	lockPath := s.socketPath + ".lock"

	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open %s: %w", lockPath, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return ErrAlreadyRunning
		}
		return fmt.Errorf("flock %s: %w", lockPath, err)
	}
	s.lockFile = f

	// We hold the lock, so any existing socket file is stale.
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.releaseLock()
		return fmt.Errorf("remove stale socket %s: %w", s.socketPath, err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		s.releaseLock()
		return fmt.Errorf("%w: %s: %w", ErrSocketBind, s.socketPath, err)
	}

	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		ln.Close()
		s.releaseLock()
		return fmt.Errorf("chmod socket %s: %w", s.socketPath, err)
	}

	s.ln = ln
	return nil
}

// serveConn reads one request, dispatches it, writes the response, and
// closes the connection.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	payload, err := ReadFrame(conn)
	if err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			s.writeResponse(conn, Errorf(CodeFrameTooLarge, "frame exceeds %d bytes", MaxFrameSize))
		}
		s.logger.Debug("ipc read failed", slog.String("error", err.Error()))
		return
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.writeResponse(conn, Errorf(CodeDecodeFailed, "decode request: %s", err))
		return
	}

	if s.observe != nil {
		s.observe(req.Kind)
	}

	resp := s.handler.Handle(ctx, req)
	s.writeResponse(conn, resp)

	// Stop is acknowledged first, then acted on, so the client sees Ok
	// before the socket disappears.
	if req.Kind == KindStop && resp.Kind == RespOk && s.onStop != nil {
		s.onStop()
	}
}

// writeResponse marshals and frames a response, logging failures.
func (s *Server) writeResponse(conn net.Conn, resp Response) {
	payload, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("ipc marshal response failed", slog.String("error", err.Error()))
		return
	}
	if err := WriteFrame(conn, payload); err != nil {
		s.logger.Debug("ipc write failed", slog.String("error", err.Error()))
	}
}

// shutdown drains in-flight handlers (bounded by drainTimeout), removes
// the socket file, and releases the lock.
func (s *Server) shutdown() {
	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(drainTimeout):
		s.logger.Warn("ipc drain timed out, abandoning in-flight handlers")
	}

	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove socket failed", slog.String("error", err.Error()))
	}
	s.releaseLock()

	s.logger.Info("ipc stopped")
}

// releaseLock drops the flock and removes the lock file.
func (s *Server) releaseLock() {
	if s.lockFile == nil {
		return
	}
	lockPath := s.socketPath + ".lock"
	_ = os.Remove(lockPath)
	_ = unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	s.lockFile.Close()
	s.lockFile = nil
}
