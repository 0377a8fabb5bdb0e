// Package gin provides a Gin middleware adapter for
// github.com/jassus213/llm-ratelimit-core.
//
// This package wires a ratelimit.Controller into a Gin handler chain: it
// resolves the caller's Identity and requested model from the inbound
// request, calls Controller.Decide, and turns a Reject verdict into a 429
// response. A lazy-rejection Admit is passed through with an annotation
// instead.
//
// Example usage:
//
//	import (
//	    "github.com/gin-gonic/gin"
//	    ratelimit "github.com/jassus213/llm-ratelimit-core"
//	    ginmw "github.com/jassus213/llm-ratelimit-core/middleware/gin"
//	)
//
//	func main() {
//	    controller := ratelimit.NewController(store)
//
//	    router := gin.Default()
//	    router.Use(ginmw.RateLimiter(controller, ginmw.WithIdentityFunc(myIdentityFunc)))
//	    router.Run(":8080")
//	}
package gin

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	ratelimit "github.com/jassus213/llm-ratelimit-core"
	"github.com/jassus213/llm-ratelimit-core/identity"
)

// decisionContextKey is where an Admit Decision is stashed for a later
// handler (or a deferred completion hook) to call OnSuccess/OnFailure.
const decisionContextKey = "ratelimit.decision"

// LazyViolationContextKey is the Gin context key a lazily-admitted request's
// violation detail string is stored under.
const LazyViolationContextKey = ratelimit.LazyViolationMetadataKey

// IdentityFunc resolves the caller's Identity and the requested model from
// an inbound request. Authentication happens upstream of this middleware;
// IdentityFunc only reads what an earlier auth middleware already resolved.
type IdentityFunc func(c *gin.Context) (identity.Identity, string, error)

// ErrorHandler writes the HTTP response for a rejected request.
type ErrorHandler func(c *gin.Context, decision ratelimit.Decision)

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

func defaultIdentityFunc(c *gin.Context) (identity.Identity, string, error) {
	return identity.Identity{APIKey: c.GetHeader("X-API-Key")}, c.GetHeader("X-Model"), nil
}

func defaultErrorHandler(c *gin.Context, decision ratelimit.Decision) {
	c.Header("Retry-After", strconv.FormatInt(decision.RetryAfterSeconds, 10))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":               "rate limit exceeded",
		"retry_after_seconds": decision.RetryAfterSeconds,
		"statuses":            decision.Statuses,
	})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Errorf(string, ...interface{}) {}

// RateLimiter builds a Gin middleware that calls controller.Decide before
// the handler chain runs.
//
// On Reject it writes a 429 with a Retry-After header (via ErrorHandler) and
// aborts the chain. On Admit it stashes the Decision on the context so a
// later handler can call controller.OnSuccess/OnFailure once the downstream
// call resolves. A lazy-rejection Admit additionally sets the
// LazyViolationContextKey value and an X-RateLimit-Lazy-Violation header.
func RateLimiter(controller *ratelimit.Controller, opts ...Option) gin.HandlerFunc {
	cfg := &Config{
		IdentityFunc: defaultIdentityFunc,
		ErrorHandler: defaultErrorHandler,
		Logger:       noopLogger{},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(c *gin.Context) {
		id, model, err := cfg.IdentityFunc(c)
		if err != nil {
			cfg.Logger.Errorf("middleware/gin: identity resolution failed: %v", err)
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		decision, err := controller.Decide(c.Request.Context(), id, model)
		if err != nil {
			cfg.Logger.Errorf("middleware/gin: decide failed: %v", err)
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}

		if decision.LazyViolation {
			c.Header("X-RateLimit-Lazy-Violation", decision.LazyViolationDetail)
			c.Set(LazyViolationContextKey, decision.LazyViolationDetail)
		}

		if decision.Verdict == ratelimit.Reject {
			cfg.Logger.Debugf("middleware/gin: rejected key '%s', retry-after=%ds", id.APIKey, decision.RetryAfterSeconds)
			cfg.ErrorHandler(c, decision)
			c.Abort()
			return
		}

		cfg.Logger.Debugf("middleware/gin: admitted key '%s'", id.APIKey)
		c.Set(decisionContextKey, decision)
		c.Next()
	}
}
