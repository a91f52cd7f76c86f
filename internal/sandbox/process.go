package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/termbox/internal/domain"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout    = 60 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512

	processBackendName = "process"
)

// ResourceLimits constrains a sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// ProcessConfig configures the process backend.
type ProcessConfig struct {
	Timeout time.Duration
	Limits  ResourceLimits
	Shell   string // Defaults to /bin/sh.
}

// ProcessBackend runs session commands as OS processes in the project
// directory.
//
//   - Each command runs in its own process group (Setpgid)
//   - The process group is killed on timeout, cancel or Stop
//   - No environment inheritance from the parent, only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped
type ProcessBackend struct {
	timeout time.Duration
	limits  ResourceLimits
	shell   string
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]map[int]struct{} // handle ID -> running pgids
}

// NewProcessBackend creates a process backend.
func NewProcessBackend(cfg ProcessConfig, logger *slog.Logger) *ProcessBackend {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	limits := cfg.Limits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &ProcessBackend{
		timeout:  timeout,
		limits:   limits,
		shell:    shell,
		logger:   logger,
		inflight: make(map[string]map[int]struct{}),
	}
}

func (b *ProcessBackend) Name() string { return processBackendName }

// Start prepares the working directory. No long-lived process is kept.
func (b *ProcessBackend) Start(_ context.Context, key domain.SessionKey, workDir string) (*Handle, error) {
	if workDir == "" {
		return nil, opError(processBackendName, "start", errors.New("empty working directory"))
	}
	if err := os.MkdirAll(workDir, 0750); err != nil {
		return nil, opError(processBackendName, "start", fmt.Errorf("creating work dir: %w", err))
	}
	h := NewHandle(uuid.NewString(), key, workDir)
	b.logger.Info("process sandbox started",
		slog.String("handle", h.ID),
		slog.String("key", key.String()),
		slog.String("dir", workDir),
	)
	return h, nil
}

// Run executes command with the configured shell in the handle's directory.
func (b *ProcessBackend) Run(ctx context.Context, h *Handle, command string) (*ExecutionResult, error) {
	if h.Stopped() {
		return nil, opError(processBackendName, "run", ErrHandleStopped)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	// The command text reaches the shell as $1 and is evaluated after the
	// limits are applied, so it is never spliced into the script itself.
	memKB := b.limits.MaxMemoryMB * 1024
	script := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; eval \"$1\"",
		memKB, b.limits.MaxCPUSeconds,
	)
	cmd := exec.CommandContext(ctx, b.shell, "-c", script, "_", command)
	cmd.Dir = h.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = buildEnv(h)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, opError(processBackendName, "run", err)
	}
	pgid := cmd.Process.Pid
	b.track(h.ID, pgid)
	runErr := cmd.Wait()
	b.untrack(h.ID, pgid)
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if h.Stopped() {
			return nil, opError(processBackendName, "run", ErrHandleStopped)
		}
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, opError(processBackendName, "run", fmt.Errorf("%w after %s", ErrTimeout, b.timeout))
			}
			return nil, opError(processBackendName, "run", ctx.Err())
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, opError(processBackendName, "run", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	b.logger.Debug("process sandbox command completed",
		slog.String("handle", h.ID),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &ExecutionResult{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// Stop marks the handle stopped and kills any command still running on it.
func (b *ProcessBackend) Stop(_ context.Context, h *Handle) {
	if !h.markStopped() {
		return
	}
	b.mu.Lock()
	pgids := b.inflight[h.ID]
	delete(b.inflight, h.ID)
	b.mu.Unlock()

	for pgid := range pgids {
		if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			b.logger.Warn("failed to kill sandbox process group",
				slog.String("handle", h.ID),
				slog.Int("pgid", pgid),
				slog.String("error", err.Error()),
			)
		}
	}
	b.logger.Info("process sandbox stopped",
		slog.String("handle", h.ID),
		slog.String("key", h.Key.String()),
	)
}

func (b *ProcessBackend) track(handleID string, pgid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.inflight[handleID]
	if !ok {
		set = make(map[int]struct{})
		b.inflight[handleID] = set
	}
	set[pgid] = struct{}{}
}

func (b *ProcessBackend) untrack(handleID string, pgid int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.inflight[handleID]; ok {
		delete(set, pgid)
		if len(set) == 0 {
			delete(b.inflight, handleID)
		}
	}
}

// buildEnv constructs a minimal environment. The parent process's
// environment is never inherited.
func buildEnv(h *Handle) []string {
	return []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + h.WorkDir,
		"TMPDIR=" + os.TempDir(),
		"LANG=en_US.UTF-8",
		"TERM=xterm-256color",
		"USER_ID=" + h.Key.UserID,
		"PROJECT_ID=" + h.Key.ProjectID,
	}
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
