package ws

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for terminal WebSocket connections.
type Metrics struct {
	Active      prometheus.Gauge
	Connections *prometheus.CounterVec // labels: result
	Duration    prometheus.Histogram
}

// NewMetrics creates and registers WebSocket metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "termbox",
			Subsystem: "ws",
			Name:      "connections_active",
			Help:      "Number of attached terminal connections.",
		}),
		Connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "termbox",
			Subsystem: "ws",
			Name:      "connections_total",
			Help:      "Total terminal connection attempts by result.",
		}, []string{"result"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "termbox",
			Subsystem: "ws",
			Name:      "connection_duration_seconds",
			Help:      "Lifetime of attached terminal connections.",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}),
	}

	reg.MustRegister(m.Active, m.Connections, m.Duration)
	return m
}

func (m *Metrics) result(r string) {
	if m != nil {
		m.Connections.WithLabelValues(r).Inc()
	}
}
