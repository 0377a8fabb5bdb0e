package ratelimit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/jassus213/llm-ratelimit-core/identity"
)

// Logger is the interface used for logging inside the rate-limiting core.
// Implement this to wrap logrus, zap, zerolog, or the standard log package —
// see the adapters/* subpackages for ready-made implementations.
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Errorf(string, ...interface{}) {}

// TokenRateLimitKind selects which usage field the Post-call Reconciler
// charges against the tokens counter.
type TokenRateLimitKind string

const (
	TokenKindOutput TokenRateLimitKind = "output"
	TokenKindInput  TokenRateLimitKind = "input"
	TokenKindTotal  TokenRateLimitKind = "total"
)

// config holds a Controller's tunables, built by functional Option values.
type config struct {
	logger             Logger
	lazyRejection      bool
	tokenRateLimitKind TokenRateLimitKind
	defaultWindowSize  identity.WindowSize
	now                func() time.Time
	registerer         prometheus.Registerer
	tracerProvider     trace.TracerProvider
}

func newConfig(opts ...Option) *config {
	cfg := &config{
		logger:             noopLogger{},
		tokenRateLimitKind: TokenKindTotal,
		defaultWindowSize:  identity.WindowMinute,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// Option configures a Controller.
type Option func(*config)

// WithLogger overrides the Controller's logger.
func WithLogger(l Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithLazyRejection enables lazy-rejection mode: a request that would be
// rejected is instead admitted with a violation annotation (spec §4.4
// "Lazy-exception mode").
func WithLazyRejection(enabled bool) Option {
	return func(c *config) { c.lazyRejection = enabled }
}

// WithTokenRateLimitKind selects the usage field the Reconciler charges
// against the tokens counter. The default is TokenKindTotal.
func WithTokenRateLimitKind(kind TokenRateLimitKind) Option {
	return func(c *config) {
		switch kind {
		case TokenKindOutput, TokenKindInput, TokenKindTotal:
			c.tokenRateLimitKind = kind
		}
	}
}

// WithDefaultWindowSize overrides the window size a QuotaMap entry keyed on
// identity.WindowUnspecified resolves to. The default is identity.WindowMinute,
// matching the original implementation's window_size_default fallback
// (config.Config.DefaultWindowSize feeds this in a process wired through
// the config package).
func WithDefaultWindowSize(w identity.WindowSize) Option {
	return func(c *config) {
		if w > 0 {
			c.defaultWindowSize = w
		}
	}
}

// WithClock overrides the Controller's time source. Tests use this to drive
// window-boundary scenarios deterministically instead of sleeping.
func WithClock(now func() time.Time) Option {
	return func(c *config) {
		if now != nil {
			c.now = now
		}
	}
}

// WithRegisterer enables Prometheus metrics, registering the Controller's
// collectors against r instead of leaving them nil (no-op).
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *config) {
		if r != nil {
			c.registerer = r
		}
	}
}

// WithTracerProvider enables OpenTelemetry spans around Decide, using tp
// instead of the global default tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *config) {
		if tp != nil {
			c.tracerProvider = tp
		}
	}
}
