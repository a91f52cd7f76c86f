package session

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for session lifecycle management.
type Metrics struct {
	Active            prometheus.Gauge
	Provisions        *prometheus.CounterVec // labels: result
	ProvisionDuration prometheus.Histogram
	Commands          *prometheus.CounterVec // labels: result
	Releases          *prometheus.CounterVec // labels: reason
	Sweeps            prometheus.Counter
	SweepDuration     prometheus.Histogram
}

// NewMetrics creates and registers session metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "termbox",
			Subsystem: "session",
			Name:      "active",
			Help:      "Number of live sandbox sessions.",
		}),
		Provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termbox",
			Subsystem: "session",
			Name:      "provisions_total",
			Help:      "Total sandbox provisioning attempts by result.",
		}, []string{"result"}),
		ProvisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "termbox",
			Subsystem: "session",
			Name:      "provision_duration_seconds",
			Help:      "Time to start a session sandbox.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termbox",
			Subsystem: "session",
			Name:      "commands_total",
			Help:      "Total commands run through sessions by result.",
		}, []string{"result"}),
		Releases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termbox",
			Subsystem: "session",
			Name:      "releases_total",
			Help:      "Total session teardowns by reason.",
		}, []string{"reason"}),
		Sweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "termbox",
			Subsystem: "session",
			Name:      "reaper_sweeps_total",
			Help:      "Total idle reaper sweeps.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "termbox",
			Subsystem: "session",
			Name:      "reaper_sweep_duration_seconds",
			Help:      "Duration of each idle reaper sweep.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.Active,
		m.Provisions,
		m.ProvisionDuration,
		m.Commands,
		m.Releases,
		m.Sweeps,
		m.SweepDuration,
	)

	return m
}
