package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultReapInterval = 300 * time.Second

// Reaper periodically tears down idle sessions.
type Reaper struct {
	manager  *Manager
	interval time.Duration
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewReaper creates a reaper that sweeps every interval.
func NewReaper(m *Manager, interval time.Duration, logger *slog.Logger) *Reaper {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	return &Reaper{
		manager:  m,
		interval: interval,
		metrics:  m.metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Start schedules sweeps until ctx is cancelled. The returned function stops
// the schedule and waits for a running sweep to finish.
func (r *Reaper) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	cl := cronLogger{r.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Every(r.interval), cron.FuncJob(func() { r.Sweep(ctx) }))
	c.Start()

	r.logger.InfoContext(ctx, "idle reaper started",
		slog.String("interval", r.interval.String()),
		slog.String("idle_timeout", r.manager.IdleTimeout().String()),
	)

	stopped := make(chan struct{})
	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		r.logger.Info("idle reaper stopped")
		close(stopped)
	}()

	return func() {
		cancel()
		<-stopped
	}
}

// Sweep runs one reaping pass and returns the number of sessions stopped.
func (r *Reaper) Sweep(ctx context.Context) int {
	start := time.Now()
	n := r.manager.Reap(ctx, r.now())
	if r.metrics != nil {
		r.metrics.Sweeps.Inc()
		r.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}
	if n > 0 {
		r.logger.Info("reaped idle sessions",
			slog.Int("count", n),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return n
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("reaper: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("reaper: "+msg, append(keysAndValues, "error", err.Error())...)
}
