package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/jassus213/llm-ratelimit-core"

// metrics holds the Controller's Prometheus collectors. A Controller with
// no metrics configured runs with every collector nil and every recording
// call becomes a no-op — metrics are opt-in via WithRegisterer.
type metrics struct {
	decisionsTotal     *prometheus.CounterVec
	decideDuration     *prometheus.HistogramVec
	rollbacksTotal     prometheus.Counter
	localOnlyDecisions prometheus.Counter
}

func registerMetrics(r prometheus.Registerer) *metrics {
	m := &metrics{}

	m.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Total number of admission decisions, by verdict.",
		},
		[]string{"verdict"},
	)
	if err := r.Register(m.decisionsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.decisionsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	m.decideDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "ratelimit",
			Name:      "decide_duration_seconds",
			Help:      "Duration of Controller.Decide calls, by verdict.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"verdict"},
	)
	if err := r.Register(m.decideDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.decideDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	m.rollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "rollbacks_total",
			Help:      "Total number of overshoot-compensation decrements issued.",
		},
	)
	if err := r.Register(m.rollbacksTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.rollbacksTotal = are.ExistingCollector.(prometheus.Counter)
		}
	}

	m.localOnlyDecisions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "local_only_decisions_total",
			Help:      "Total number of decisions made while the counter store was degraded to local-only.",
		},
	)
	if err := r.Register(m.localOnlyDecisions); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			m.localOnlyDecisions = are.ExistingCollector.(prometheus.Counter)
		}
	}

	return m
}

func (m *metrics) recordDecision(verdict Verdict, duration time.Duration) {
	if m == nil || m.decisionsTotal == nil {
		return
	}
	label := string(verdict)
	m.decisionsTotal.WithLabelValues(label).Inc()
	m.decideDuration.WithLabelValues(label).Observe(duration.Seconds())
}

func (m *metrics) recordRollback(count int) {
	if m == nil || m.rollbacksTotal == nil || count == 0 {
		return
	}
	m.rollbacksTotal.Add(float64(count))
}

func (m *metrics) recordLocalOnly() {
	if m == nil || m.localOnlyDecisions == nil {
		return
	}
	m.localOnlyDecisions.Inc()
}

// startSpan opens a span around Decide the way gearnode-kit's
// ratelimit.Limiter.AllowN does: only when the caller already has a
// recording root span, and tagged with the identity dimensions and model
// under evaluation rather than raw counter keys.
func startSpan(ctx context.Context, tracer trace.Tracer, apiKey, userID, model string) (context.Context, trace.Span) {
	root := trace.SpanFromContext(ctx)
	if !root.IsRecording() {
		return ctx, root
	}
	return tracer.Start(
		ctx,
		"ratelimit.Decide",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("ratelimit.api_key", apiKey),
			attribute.String("ratelimit.user_id", userID),
			attribute.String("ratelimit.model", model),
		),
	)
}

func endSpanWithDecision(span trace.Span, d Decision) {
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("ratelimit.verdict", string(d.Verdict)),
		attribute.Int64("ratelimit.retry_after_seconds", d.RetryAfterSeconds),
		attribute.Bool("ratelimit.lazy_violation", d.LazyViolation),
	)
	span.End()
}

func recordSpanError(span trace.Span, err error) {
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// defaultTracer returns the package-level default tracer provider's tracer. A
// Controller built with WithTracerProvider overrides this.
func defaultTracer() trace.Tracer {
	return otel.Tracer(tracerName)
}
