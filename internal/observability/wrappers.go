package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/termbox/internal/domain"
	"github.com/jkaninda/termbox/internal/sandbox"
)

// --- InstrumentedBackend ---

// InstrumentedBackend wraps a sandbox.Backend with metrics, tracing, and anomaly detection.
type InstrumentedBackend struct {
	inner   sandbox.Backend
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedBackend wraps a sandbox backend with observability.
func NewInstrumentedBackend(inner sandbox.Backend, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedBackend {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedBackend{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (b *InstrumentedBackend) Name() string { return b.inner.Name() }

func (b *InstrumentedBackend) Start(ctx context.Context, key domain.SessionKey, workDir string) (*sandbox.Handle, error) {
	ctx, span := b.startSpan(ctx, "sandbox.start", key)
	defer b.endSpan(span)

	start := time.Now()
	h, err := b.inner.Start(ctx, key, workDir)
	if err == nil && h != nil {
		span.SetAttributes(attribute.String("sandbox.handle_id", h.ID))
	}
	b.record(span, "start", start, err, "")
	return h, err
}

func (b *InstrumentedBackend) Run(ctx context.Context, h *sandbox.Handle, command string) (*sandbox.ExecutionResult, error) {
	ctx, span := b.startSpan(ctx, "sandbox.run", h.Key)
	defer b.endSpan(span)

	start := time.Now()
	res, err := b.inner.Run(ctx, h, command)

	status := ""
	if err == nil && res != nil && res.ExitCode != 0 {
		status = "nonzero_exit"
		span.SetAttributes(attribute.Int("sandbox.exit_code", res.ExitCode))
	}
	b.record(span, "run", start, err, status)
	return res, err
}

func (b *InstrumentedBackend) Stop(ctx context.Context, h *sandbox.Handle) {
	ctx, span := b.startSpan(ctx, "sandbox.stop", h.Key)
	defer b.endSpan(span)

	start := time.Now()
	b.inner.Stop(ctx, h)
	b.record(span, "stop", start, nil, "")
}

// Ping delegates to the wrapped backend when it can report reachability.
func (b *InstrumentedBackend) Ping(ctx context.Context) error {
	if p, ok := b.inner.(sandbox.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Unwrap returns the wrapped backend.
func (b *InstrumentedBackend) Unwrap() sandbox.Backend { return b.inner }

func (b *InstrumentedBackend) startSpan(ctx context.Context, name string, key domain.SessionKey) (context.Context, trace.Span) {
	if b.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return b.tracer.Start(ctx, name, trace.WithAttributes(sessionAttributes(b.inner.Name(), key)...))
}

func (b *InstrumentedBackend) endSpan(span trace.Span) {
	if b.tracer != nil {
		span.End()
	}
}

// record emits metrics, span status and anomaly samples for one operation.
// An empty status is derived from err.
func (b *InstrumentedBackend) record(span trace.Span, op string, start time.Time, err error, status string) {
	backend := b.inner.Name()
	if status == "" {
		status = "success"
		if err != nil {
			status = "error"
		}
	}
	if err != nil && b.tracer != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if b.metrics != nil {
		b.metrics.SandboxOperationsTotal.WithLabelValues(backend, op, status).Inc()
		b.metrics.SandboxOperationDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	}

	if op != "stop" {
		b.anomaly.Record("sandbox_"+backend+"_"+op, err)
	}
}

// --- Compile-time interface checks ---

var (
	_ sandbox.Backend = (*InstrumentedBackend)(nil)
	_ sandbox.Pinger  = (*InstrumentedBackend)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
