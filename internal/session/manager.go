package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/sandbox"
)

const (
	defaultIdleTimeout      = 1800 * time.Second
	defaultProvisionTimeout = 2 * time.Minute
	defaultStopTimeout      = 15 * time.Second
	defaultMaxParallelStops = 8
	recordTimeout           = 5 * time.Second
)

// Reason explains why a session was torn down.
type Reason string

const (
	ReasonExit           Reason = "exit"
	ReasonDisconnect     Reason = "disconnect"
	ReasonIdle           Reason = "idle"
	ReasonTerminated     Reason = "terminated"
	ReasonProjectDeleted Reason = "project_deleted"
	ReasonShutdown       Reason = "shutdown"
	ReasonError          Reason = "error"
)

// EventRecorder persists session lifecycle events.
type EventRecorder interface {
	Record(ctx context.Context, ev *domain.SessionEvent) error
}

// Config holds the manager's timing parameters. Zero values use defaults.
type Config struct {
	IdleTimeout      time.Duration
	ProvisionTimeout time.Duration
	StopTimeout      time.Duration
	MaxParallelStops int
}

// Manager drives a sandbox backend through a Registry. It is the single
// remove-then-stop path used by terminal connections, the reaper, the API
// and shutdown.
type Manager struct {
	registry *Registry
	backend  sandbox.Backend
	config   Config
	logger   *slog.Logger
	metrics  *Metrics
	recorder EventRecorder
}

// NewManager creates a Manager over registry and backend.
func NewManager(registry *Registry, backend sandbox.Backend, cfg Config, logger *slog.Logger) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = defaultProvisionTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.MaxParallelStops <= 0 {
		cfg.MaxParallelStops = defaultMaxParallelStops
	}
	return &Manager{
		registry: registry,
		backend:  backend,
		config:   cfg,
		logger:   logger,
	}
}

// WithMetrics enables Prometheus metrics. A nil m disables them.
func (m *Manager) WithMetrics(metrics *Metrics) *Manager {
	m.metrics = metrics
	return m
}

// WithRecorder enables persistence of lifecycle events.
func (m *Manager) WithRecorder(r EventRecorder) *Manager {
	m.recorder = r
	return m
}

// IdleTimeout returns the inactivity period after which sessions are reaped.
func (m *Manager) IdleTimeout() time.Duration { return m.config.IdleTimeout }

// BackendName returns the backend type label.
func (m *Manager) BackendName() string { return m.backend.Name() }

// Acquire returns the live session for key, starting a sandbox bound to
// workDir if none exists. Provisioning is detached from ctx cancellation so
// that other callers waiting on the same key are not failed by one caller
// going away; it is bounded by the provision timeout instead.
func (m *Manager) Acquire(ctx context.Context, key domain.SessionKey, workDir string) (Session, error) {
	return m.registry.GetOrCreate(ctx, key, func(ctx context.Context, key domain.SessionKey) (*sandbox.Handle, error) {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.ProvisionTimeout)
		defer cancel()

		start := time.Now()
		h, err := m.backend.Start(pctx, key, workDir)
		elapsed := time.Since(start)
		if err == nil && h == nil {
			err = errNilHandle
		}

		if err != nil {
			m.logger.Error("session provisioning failed",
				slog.String("key", key.String()),
				slog.String("backend", m.backend.Name()),
				slog.Duration("duration", elapsed),
				slog.String("error", err.Error()),
			)
			if m.metrics != nil {
				m.metrics.Provisions.WithLabelValues("error").Inc()
			}
			m.record(ctx, &domain.SessionEvent{
				UserID:    key.UserID,
				ProjectID: key.ProjectID,
				Kind:      domain.SessionProvisionFailed,
				Backend:   m.backend.Name(),
				Detail:    err.Error(),
			})
			return nil, err
		}

		m.logger.Info("session provisioned",
			slog.String("key", key.String()),
			slog.String("backend", m.backend.Name()),
			slog.String("handle", h.ID),
			slog.Duration("duration", elapsed),
		)
		if m.metrics != nil {
			m.metrics.Provisions.WithLabelValues("success").Inc()
			m.metrics.ProvisionDuration.Observe(elapsed.Seconds())
			m.metrics.Active.Inc()
		}
		m.record(ctx, &domain.SessionEvent{
			UserID:    key.UserID,
			ProjectID: key.ProjectID,
			Kind:      domain.SessionProvisioned,
			Backend:   m.backend.Name(),
			HandleID:  h.ID,
		})
		return h, nil
	})
}

// Touch refreshes the activity timestamp of key. False means the session is
// gone and must be re-acquired.
func (m *Manager) Touch(key domain.SessionKey) bool {
	return m.registry.Touch(key)
}

// Run executes one command in s.
func (m *Manager) Run(ctx context.Context, s Session, command string) (*sandbox.ExecutionResult, error) {
	res, err := m.backend.Run(ctx, s.Handle, command)
	if err == nil && res == nil {
		err = errNilResult
	}
	if m.metrics != nil {
		result := "ok"
		switch {
		case err != nil:
			result = "error"
		case res.ExitCode != 0:
			result = "nonzero_exit"
		}
		m.metrics.Commands.WithLabelValues(result).Inc()
	}
	return res, err
}

// Release removes the session for key and stops its sandbox. It reports
// whether this call performed the teardown; concurrent or repeated calls
// for the same session return false and do nothing.
func (m *Manager) Release(ctx context.Context, key domain.SessionKey, reason Reason) bool {
	s, ok := m.registry.Remove(key)
	if !ok {
		return false
	}
	m.stop(ctx, s, reason)
	return true
}

// Reap tears down every session idle for at least the idle timeout as of
// now and returns how many were stopped. A session touched after the
// snapshot is kept.
func (m *Manager) Reap(ctx context.Context, now time.Time) int {
	keys := m.registry.SnapshotIdle(m.config.IdleTimeout, now)
	reaped := 0
	for _, key := range keys {
		s, ok := m.registry.RemoveIdle(key, m.config.IdleTimeout, now)
		if !ok {
			continue
		}
		m.stop(ctx, s, ReasonIdle)
		reaped++
	}
	return reaped
}

// Shutdown drains the registry and stops every remaining sandbox.
func (m *Manager) Shutdown(ctx context.Context) error {
	sessions, err := m.registry.Drain(ctx)

	var g errgroup.Group
	g.SetLimit(m.config.MaxParallelStops)
	for _, s := range sessions {
		g.Go(func() error {
			m.stop(ctx, s, ReasonShutdown)
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("session manager stopped", slog.Int("sessions_stopped", len(sessions)))
	return err
}

// Sessions returns all live sessions.
func (m *Manager) Sessions() []Session {
	return m.registry.List()
}

// Lookup returns the live session for key.
func (m *Manager) Lookup(key domain.SessionKey) (Session, bool) {
	return m.registry.Get(key)
}

// stop tears down a session already removed from the registry. The stop
// runs on a context detached from ctx so a closed connection does not
// abort its own cleanup.
func (m *Manager) stop(ctx context.Context, s Session, reason Reason) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.StopTimeout)
	defer cancel()

	m.backend.Stop(sctx, s.Handle)

	m.logger.Info("session released",
		slog.String("key", s.Key.String()),
		slog.String("handle", s.Handle.ID),
		slog.String("reason", string(reason)),
		slog.Duration("lifetime", time.Since(s.CreatedAt)),
	)
	if m.metrics != nil {
		m.metrics.Releases.WithLabelValues(string(reason)).Inc()
		m.metrics.Active.Dec()
	}
	m.record(ctx, &domain.SessionEvent{
		UserID:    s.Key.UserID,
		ProjectID: s.Key.ProjectID,
		Kind:      domain.SessionReleased,
		Backend:   m.backend.Name(),
		HandleID:  s.Handle.ID,
		Reason:    string(reason),
	})
}

func (m *Manager) record(ctx context.Context, ev *domain.SessionEvent) {
	if m.recorder == nil {
		return
	}
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := m.recorder.Record(rctx, ev); err != nil {
		m.logger.Warn("failed to record session event",
			slog.String("kind", string(ev.Kind)),
			slog.String("error", err.Error()),
		)
	}
}
