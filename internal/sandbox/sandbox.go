// Package sandbox provides the isolated execution environments that back
// terminal sessions. Every user command runs through a Backend, never
// directly on the host.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jkaninda/termbox/internal/domain"
)

var (
	// ErrHandleStopped is returned by Run when the handle was already stopped.
	ErrHandleStopped = errors.New("sandbox stopped")

	// ErrTimeout is returned by Run when a command exceeds the execution timeout.
	ErrTimeout = errors.New("execution timed out")
)

// Backend starts, drives and stops per-session environments.
//
// Run treats a non-zero exit code as a result, not an error. Stop is
// best-effort and safe to call on an already-stopped handle; failures are
// logged by the backend and never returned.
type Backend interface {
	Start(ctx context.Context, key domain.SessionKey, workDir string) (*Handle, error)
	Run(ctx context.Context, h *Handle, command string) (*ExecutionResult, error)
	Stop(ctx context.Context, h *Handle)
	Name() string
}

// Pinger is implemented by backends that can report daemon reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ExecutionResult captures the outcome of one command.
type ExecutionResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Handle references one running environment. A handle is stopped at most once.
type Handle struct {
	ID        string
	Key       domain.SessionKey
	WorkDir   string
	StartedAt time.Time

	stopped atomic.Bool
}

// NewHandle returns a live handle for key.
func NewHandle(id string, key domain.SessionKey, workDir string) *Handle {
	return &Handle{
		ID:        id,
		Key:       key,
		WorkDir:   workDir,
		StartedAt: time.Now(),
	}
}

// Stopped reports whether Stop has been called on the handle.
func (h *Handle) Stopped() bool {
	return h.stopped.Load()
}

// markStopped flips the handle to stopped and reports whether this call did it.
func (h *Handle) markStopped() bool {
	return h.stopped.CompareAndSwap(false, true)
}

// BackendError reports a failed backend operation.
type BackendError struct {
	Op      string // "start", "run" or "stop"
	Backend string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

func opError(backend, op string, err error) error {
	return &BackendError{Op: op, Backend: backend, Err: err}
}
