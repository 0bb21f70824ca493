package ipc_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/network-dmenu/zoned/internal/ipc"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// echoHandler answers every request with Ok and records the kinds seen.
type echoHandler struct {
	mu    sync.Mutex
	kinds []string
}

func (h *echoHandler) Handle(_ context.Context, req ipc.Request) ipc.Response {
	h.mu.Lock()
	h.kinds = append(h.kinds, req.Kind)
	h.mu.Unlock()

	if req.Kind == ipc.KindStatus {
		return ipc.Response{Kind: ipc.RespStatus, Status: &ipc.DaemonStatus{Version: "test"}}
	}
	return ipc.Response{Kind: ipc.RespOk}
}

// startServer runs a server on a temp socket and returns the socket path,
// a stop func, and a channel closed when Run returns.
func startServer(t *testing.T, handler ipc.Handler, onStop func()) (string, context.CancelFunc, chan struct{}) {
	t.Helper()

	socketPath := filepath.Join(t.TempDir(), "test.sock")
	srv := ipc.NewServer(socketPath, handler, onStop, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			t.Errorf("server Run() error: %v", err)
		}
	}()

	waitForSocket(t, socketPath)
	return socketPath, cancel, done
}

// waitForSocket polls until the socket file exists.
func waitForSocket(t *testing.T, path string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func TestServerRequestRoundTrip(t *testing.T) {
	t.Parallel()

	handler := &echoHandler{}
	socketPath, cancel, done := startServer(t, handler, nil)
	defer func() { cancel(); <-done }()

	client := ipc.NewClient(socketPath)

	resp, err := client.Do(ipc.Request{Kind: ipc.KindStatus})
	if err != nil {
		t.Fatalf("Do(Status) error: %v", err)
	}
	if resp.Kind != ipc.RespStatus || resp.Status.Version != "test" {
		t.Errorf("response = %+v", resp)
	}

	// Repeated reads return equal results (side-effect-free requests).
	again, err := client.Do(ipc.Request{Kind: ipc.KindStatus})
	if err != nil {
		t.Fatalf("second Do(Status) error: %v", err)
	}
	if again.Kind != resp.Kind || again.Status.Version != resp.Status.Version {
		t.Errorf("repeated Status differs: %+v vs %+v", resp, again)
	}
}

func TestServerDuplicateInstance(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "dup.sock")

	first := ipc.NewServer(socketPath, &echoHandler{}, nil, nil, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = first.Run(ctx)
	}()
	waitForSocket(t, socketPath)

	second := ipc.NewServer(socketPath, &echoHandler{}, nil, nil, discardLogger())
	err := second.Run(context.Background())
	if !errors.Is(err, ipc.ErrAlreadyRunning) {
		t.Errorf("second Run() error = %v, want ErrAlreadyRunning", err)
	}

	cancel()
	<-done
}

// TestServerStopRemovesSocketAndLock verifies shutdown completeness: after
// a Stop request is acknowledged, the socket and lock files disappear and
// a new server can bind immediately.
func TestServerStopRemovesSocketAndLock(t *testing.T) {
	t.Parallel()

	var stopOnce sync.Once
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	socketPath := filepath.Join(t.TempDir(), "stop.sock")
	srv := ipc.NewServer(socketPath, &echoHandler{},
		func() { stopOnce.Do(cancel) }, nil, discardLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	waitForSocket(t, socketPath)

	resp, err := ipc.NewClient(socketPath).Do(ipc.Request{Kind: ipc.KindStop})
	if err != nil {
		t.Fatalf("Do(Stop) error: %v", err)
	}
	if resp.Kind != ipc.RespOk {
		t.Fatalf("Stop response = %+v, want Ok", resp)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down within 3s of Stop")
	}

	if _, err := os.Stat(socketPath); !errors.Is(err, os.ErrNotExist) {
		t.Error("socket file still present after stop")
	}
	if _, err := os.Stat(socketPath + ".lock"); !errors.Is(err, os.ErrNotExist) {
		t.Error("lock file still present after stop")
	}

	// A fresh instance binds immediately -- no AlreadyRunning.
	ctx2, cancel2 := context.WithCancel(context.Background())
	srv2 := ipc.NewServer(socketPath, &echoHandler{}, nil, nil, discardLogger())
	done2 := make(chan struct{})
	go func() {
		defer close(done2)
		if err := srv2.Run(ctx2); err != nil {
			t.Errorf("restart Run() error: %v", err)
		}
	}()
	waitForSocket(t, socketPath)
	cancel2()
	<-done2
}

func TestClientNotRunning(t *testing.T) {
	t.Parallel()

	client := ipc.NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	_, err := client.Do(ipc.Request{Kind: ipc.KindStatus})
	if !errors.Is(err, ipc.ErrNotRunning) {
		t.Errorf("error = %v, want ErrNotRunning", err)
	}
}

func TestServerStaleSocketRemoved(t *testing.T) {
	t.Parallel()

	socketPath := filepath.Join(t.TempDir(), "stale.sock")
	// A stale socket file with no live lock holder.
	if err := os.WriteFile(socketPath, nil, 0o600); err != nil {
		t.Fatalf("plant stale socket: %v", err)
	}

	handler := &echoHandler{}
	srv := ipc.NewServer(socketPath, handler, nil, nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Run(ctx); err != nil {
			t.Errorf("Run() over stale socket error: %v", err)
		}
	}()
	waitForSocket(t, socketPath)

	if _, err := ipc.NewClient(socketPath).Do(ipc.Request{Kind: ipc.KindListZones}); err != nil {
		t.Errorf("request over recreated socket error: %v", err)
	}

	cancel()
	<-done
}
