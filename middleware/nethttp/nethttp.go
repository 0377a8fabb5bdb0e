// Package nethttp provides middleware for the standard net/http library
// that enforces rate limiting using github.com/jassus213/llm-ratelimit-core.
//
// This package wraps an http.Handler with a ratelimit.Controller: it
// resolves the caller's Identity and requested model from the inbound
// request, calls Controller.Decide, and turns a Reject verdict into a 429
// response carrying a Retry-After header. A lazy-rejection Admit is passed
// through to the wrapped handler with an annotation instead.
//
// Example usage:
//
//	import (
//	    "net/http"
//	    ratelimit "github.com/jassus213/llm-ratelimit-core"
//	    "github.com/jassus213/llm-ratelimit-core/middleware/nethttp"
//	)
//
//	func main() {
//	    controller := ratelimit.NewController(store)
//
//	    mux := http.NewServeMux()
//	    mux.HandleFunc("/", handler)
//
//	    wrapped := nethttp.Middleware(controller)(mux)
//	    http.ListenAndServe(":8080", wrapped)
//	}
package nethttp

import (
	"context"
	"net/http"
	"strconv"

	ratelimit "github.com/jassus213/llm-ratelimit-core"
	"github.com/jassus213/llm-ratelimit-core/identity"
)

type contextKey string

// decisionContextKey is where an Admit Decision is stashed for a later
// handler to call controller.OnSuccess/OnFailure once the request resolves.
const decisionContextKey contextKey = "ratelimit.decision"

// LazyViolationContextKey is the request context key a lazily-admitted
// request's violation detail string is stored under.
const LazyViolationContextKey contextKey = ratelimit.LazyViolationMetadataKey

// IdentityFunc resolves the caller's Identity and the requested model from
// an inbound request. Authentication happens upstream of this middleware;
// IdentityFunc only reads what an earlier handler already resolved.
type IdentityFunc func(r *http.Request) (identity.Identity, string, error)

// ErrorHandler writes the HTTP response for a rejected request.
type ErrorHandler func(w http.ResponseWriter, r *http.Request, decision ratelimit.Decision)

// Config holds the middleware's functional options.
type Config struct {
	IdentityFunc IdentityFunc
	ErrorHandler ErrorHandler
	Logger       ratelimit.Logger
}

// Option configures the middleware.
type Option func(*Config)

// WithIdentityFunc overrides how the Identity and requested model are
// resolved from the request. The default reads "X-API-Key" and "X-Model"
// headers and is only useful for smoke-testing.
func WithIdentityFunc(f IdentityFunc) Option {
	return func(c *Config) {
		if f != nil {
			c.IdentityFunc = f
		}
	}
}

// WithErrorHandler overrides the response written on rejection.
func WithErrorHandler(f ErrorHandler) Option {
	return func(c *Config) {
		if f != nil {
			c.ErrorHandler = f
		}
	}
}

// WithLogger overrides the middleware's logger.
func WithLogger(l ratelimit.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

func defaultIdentityFunc(r *http.Request) (identity.Identity, string, error) {
	return identity.Identity{APIKey: r.Header.Get("X-API-Key")}, r.Header.Get("X-Model"), nil
}

func defaultErrorHandler(w http.ResponseWriter, _ *http.Request, decision ratelimit.Decision) {
	w.Header().Set("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Errorf(string, ...interface{}) {}

// Middleware returns a middleware handler for the standard net/http library.
//
// It wraps an existing http.Handler and checks incoming requests against
// the provided Controller. On Reject it writes a 429 (via ErrorHandler) and
// does not call the wrapped handler. On Admit it stores the Decision on the
// request context under the package's decisionContextKey so a later call can reconcile
// with OnSuccess/OnFailure. A lazy-rejection Admit additionally stores the
// violation detail under LazyViolationContextKey.
func Middleware(controller *ratelimit.Controller, opts ...Option) func(http.Handler) http.Handler {
	cfg := &Config{
		IdentityFunc: defaultIdentityFunc,
		ErrorHandler: defaultErrorHandler,
		Logger:       noopLogger{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, model, err := cfg.IdentityFunc(r)
			if err != nil {
				cfg.Logger.Errorf("middleware/nethttp: identity resolution failed: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			decision, err := controller.Decide(r.Context(), id, model)
			if err != nil {
				cfg.Logger.Errorf("middleware/nethttp: decide failed: %v", err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			ctx := r.Context()
			if decision.LazyViolation {
				w.Header().Set("X-RateLimit-Lazy-Violation", decision.LazyViolationDetail)
				ctx = context.WithValue(ctx, LazyViolationContextKey, decision.LazyViolationDetail)
			}

			if decision.Verdict == ratelimit.Reject {
				cfg.Logger.Debugf("middleware/nethttp: rejected key '%s', retry-after=%ds", id.APIKey, decision.RetryAfterSeconds)
				cfg.ErrorHandler(w, r, decision)
				return
			}

			cfg.Logger.Debugf("middleware/nethttp: admitted key '%s'", id.APIKey)
			ctx = context.WithValue(ctx, decisionContextKey, decision)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
