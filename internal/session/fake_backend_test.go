package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/sandbox"
)

// fakeBackend is an in-memory sandbox.Backend for tests.
type fakeBackend struct {
	startDelay time.Duration
	startErr   error
	gate       chan struct{} // when non-nil, Start blocks until closed

	starts atomic.Int64
	stops  atomic.Int64

	mu      sync.Mutex
	stopped map[string]int // handle ID -> stop calls
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{stopped: make(map[string]int)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Start(ctx context.Context, key domain.SessionKey, workDir string) (*sandbox.Handle, error) {
	n := f.starts.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}
	if f.startErr != nil {
		return nil, f.startErr
	}
	return sandbox.NewHandle(fmt.Sprintf("h%d", n), key, workDir), nil
}

func (f *fakeBackend) Run(_ context.Context, h *sandbox.Handle, command string) (*sandbox.ExecutionResult, error) {
	if h.Stopped() {
		return nil, &sandbox.BackendError{Op: "run", Backend: "fake", Err: sandbox.ErrHandleStopped}
	}
	switch command {
	case "fail":
		return nil, &sandbox.BackendError{Op: "run", Backend: "fake", Err: errors.New("boom")}
	case "false":
		return &sandbox.ExecutionResult{ExitCode: 1}, nil
	}
	return &sandbox.ExecutionResult{Stdout: command + "\n"}, nil
}

func (f *fakeBackend) Stop(_ context.Context, h *sandbox.Handle) {
	f.stops.Add(1)
	f.mu.Lock()
	f.stopped[h.ID]++
	f.mu.Unlock()
}

func (f *fakeBackend) stopCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped[id]
}

// memRecorder collects session events.
type memRecorder struct {
	mu     sync.Mutex
	events []domain.SessionEvent
}

func (r *memRecorder) Record(_ context.Context, ev *domain.SessionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return nil
}

func (r *memRecorder) kinds() []domain.SessionEventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SessionEventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
