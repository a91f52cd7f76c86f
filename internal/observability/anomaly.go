package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/termbox/internal/config"
)

// minSamples is the number of observations needed before a rate is judged.
const minSamples = 5

// AnomalyDetector performs threshold-based anomaly detection using sliding windows.
// Operations are keyed by name, e.g. "sandbox_docker_start". A warning is
// logged at most once per window per operation.
type AnomalyDetector struct {
	mu            sync.Mutex
	errorCounts   map[string]*slidingWindow
	successCounts map[string]*slidingWindow
	lastAlert     map[string]time.Time
	alerts        map[string]int
	cfg           *config.AnomalyConfig
	logger        *slog.Logger
	now           func() time.Time
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		errorCounts:   make(map[string]*slidingWindow),
		successCounts: make(map[string]*slidingWindow),
		lastAlert:     make(map[string]time.Time),
		alerts:        make(map[string]int),
		cfg:           cfg,
		logger:        logger,
		now:           time.Now,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordError records a failed operation for anomaly tracking.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	a.getOrCreateWindow(a.errorCounts, operation).add(now, 1)
	a.checkErrorRate(operation, now)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.getOrCreateWindow(a.successCounts, operation).add(a.now(), 1)
}

// Record routes to RecordError or RecordSuccess depending on err.
func (a *AnomalyDetector) Record(operation string, err error) {
	if err != nil {
		a.RecordError(operation)
		return
	}
	a.RecordSuccess(operation)
}

// AlertCount returns how many warnings were raised for operation.
func (a *AnomalyDetector) AlertCount(operation string) int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alerts[operation]
}

// checkErrorRate checks if the error rate exceeds the configured threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string, now time.Time) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 {
		return
	}

	failures := a.getOrCreateWindow(a.errorCounts, operation).sum(now)
	successes := a.getOrCreateWindow(a.successCounts, operation).sum(now)
	total := failures + successes
	if total < minSamples {
		return
	}

	rate := failures / total
	if rate <= threshold {
		return
	}
	if last, ok := a.lastAlert[operation]; ok && now.Sub(last) < a.windowDuration() {
		return
	}
	a.lastAlert[operation] = now
	a.alerts[operation]++

	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("errors", failures),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(now time.Time, value float64) {
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum(now time.Time) float64 {
	w.prune(now)
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}
