package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/jassus213/llm-ratelimit-core/descriptor"
	"github.com/jassus213/llm-ratelimit-core/identity"
	"github.com/jassus213/llm-ratelimit-core/store"
	"github.com/jassus213/llm-ratelimit-core/windowengine"
)

// Controller is the Admission Controller (entry point) and, via the methods
// in reconciler.go, the Post-call Reconciler. It holds the Counter Store
// handle and is never referred to by the store in turn — the dependency
// runs one way.
type Controller struct {
	cs      *store.CounterStore
	engine  *windowengine.Engine
	planner *descriptor.Planner
	cfg     *config
	metrics *metrics
	tracer  trace.Tracer
}

// NewController builds a Controller over an already-constructed
// CounterStore.
func NewController(cs *store.CounterStore, opts ...Option) *Controller {
	cfg := newConfig(opts...)

	c := &Controller{
		cs:      cs,
		engine:  windowengine.New(cs),
		planner: descriptor.NewPlanner(cfg.defaultWindowSize),
		cfg:     cfg,
		tracer:  defaultTracer(),
	}
	if cfg.registerer != nil {
		c.metrics = registerMetrics(cfg.registerer)
	}
	if cfg.tracerProvider != nil {
		c.tracer = cfg.tracerProvider.Tracer(tracerName)
	}
	return c
}

// rollbackEntry is one counter increment issued during Decide that must be
// compensated if the request ends up rejected.
type rollbackEntry struct {
	key string
	ttl time.Duration
}

// Decide is the core's entry point: build descriptors, drive the window
// engine across them tightest-window-first, and return the admission
// decision.
func (c *Controller) Decide(ctx context.Context, id identity.Identity, requestedModel string) (Decision, error) {
	start := c.cfg.now()
	ctx, span := startSpan(ctx, c.tracer, id.APIKey, id.UserID, requestedModel)

	d, err := c.decide(ctx, id, requestedModel)
	if err != nil {
		recordSpanError(span, err)
		span.End()
		return d, err
	}

	endSpanWithDecision(span, d)
	c.metrics.recordDecision(d.Verdict, c.cfg.now().Sub(start))
	if c.cs.IsDegraded() {
		c.metrics.recordLocalOnly()
	}
	return d, nil
}

func (c *Controller) decide(ctx context.Context, id identity.Identity, requestedModel string) (Decision, error) {
	descriptors := c.planner.Plan(id, requestedModel)
	if len(descriptors) == 0 {
		c.cfg.logger.Debugf("ratelimit: %v for model %q", ErrNoIdentitySubjects, requestedModel)
		return Decision{Verdict: Admit}, nil
	}

	buckets := descriptor.GroupByWindow(descriptors)
	now := c.cfg.now().Unix()

	var statuses []DescriptorStatus
	var rollbacks []rollbackEntry
	var parallelHeldKeys []string
	var violatedWindow identity.WindowSize
	var violatedWindowStart int64
	var violated bool

bucketLoop:
	for _, bucket := range buckets {
		ttl := windowDuration(bucket.Window)

		requestsDescs := filterByLimit(bucket.Descriptors, func(d descriptor.Descriptor) bool { return d.RequestsLimit != nil })
		if len(requestsDescs) > 0 {
			preExceeded, preWindowStart, preFound, toApply := c.splitAlreadyExceeded(
				ctx, now, bucket.Window, requestsDescs, KindRequests,
				func(d descriptor.Descriptor) int64 { return *d.RequestsLimit },
			)
			statuses = append(statuses, preExceeded...)
			if preFound && !violated {
				violated, violatedWindow, violatedWindowStart = true, bucket.Window, preWindowStart
			}

			if len(toApply) > 0 {
				results := c.engine.Apply(ctx, now, bucket.Window, 1, toApply)
				for _, r := range results {
					rollbacks = append(rollbacks, rollbackEntry{key: r.Descriptor.CounterKey(string(KindRequests)), ttl: ttl})
					limit := *r.Descriptor.RequestsLimit
					exceeded := r.Counter > limit
					statuses = append(statuses, newStatus(r.Descriptor, KindRequests, limit, r.Counter, exceeded))
					if exceeded && !violated {
						violated, violatedWindow, violatedWindowStart = true, bucket.Window, r.WindowStart
					}
				}
			}
		}

		parallelDescs := filterByLimit(bucket.Descriptors, func(d descriptor.Descriptor) bool { return d.ParallelLimit != nil })
		if len(parallelDescs) > 0 {
			preExceeded, preWindowStart, preFound, toApply := c.splitAlreadyExceeded(
				ctx, now, bucket.Window, parallelDescs, KindParallel,
				func(d descriptor.Descriptor) int64 { return *d.ParallelLimit },
			)
			statuses = append(statuses, preExceeded...)
			if preFound && !violated {
				violated, violatedWindow, violatedWindowStart = true, bucket.Window, preWindowStart
			}

			if len(toApply) > 0 {
				results := c.engine.ApplyParallel(ctx, now, bucket.Window, 1, toApply)
				for _, r := range results {
					key := r.Descriptor.CounterKey(string(KindParallel))
					rollbacks = append(rollbacks, rollbackEntry{key: key, ttl: ttl})
					limit := *r.Descriptor.ParallelLimit
					exceeded := r.Counter > limit
					statuses = append(statuses, newStatus(r.Descriptor, KindParallel, limit, r.Counter, exceeded))
					if !exceeded {
						parallelHeldKeys = append(parallelHeldKeys, key)
					}
					if exceeded && !violated {
						violated, violatedWindow, violatedWindowStart = true, bucket.Window, r.WindowStart
					}
				}
			}
		}

		// Tokens are never incremented at decide time — the actual usage
		// isn't known until the downstream call completes. Decide only
		// peeks the counter's last known value against the limit.
		for _, d := range bucket.Descriptors {
			if d.TokensLimit == nil {
				continue
			}
			counter := c.peekCounter(ctx, d.CounterKey(string(KindTokens)))
			limit := *d.TokensLimit
			exceeded := counter > limit
			statuses = append(statuses, newStatus(d, KindTokens, limit, counter, exceeded))
			if exceeded && !violated {
				violated, violatedWindow, violatedWindowStart = true, bucket.Window, now
			}
		}

		if violated {
			break bucketLoop
		}
	}

	if !violated {
		return Decision{Verdict: Admit, Statuses: statuses, ParallelHeld: len(parallelHeldKeys) > 0}, nil
	}

	c.rollback(rollbacks)
	c.metrics.recordRollback(len(rollbacks))

	retryAfter := retryAfterSeconds(violatedWindow, violatedWindowStart, now)

	if c.cfg.lazyRejection {
		detail := lazyViolationDetail(statuses)
		return Decision{
			Verdict:             Admit,
			Statuses:            statuses,
			RetryAfterSeconds:   retryAfter,
			LazyViolation:       true,
			LazyViolationDetail: detail,
		}, nil
	}

	return Decision{
		Verdict:           Reject,
		Statuses:          statuses,
		RetryAfterSeconds: retryAfter,
	}, nil
}

// rollback issues the overshoot-compensation decrements for every counter
// already incremented during this request. It is fire-and-forget: queued
// through the buffered flush path, and failure is only ever logged by the
// store itself, never here (spec §4.4 step 5, §7's "Rollback failure").
func (c *Controller) rollback(entries []rollbackEntry) {
	for _, e := range entries {
		c.cs.QueueIncrement(e.key, -1, e.ttl)
	}
}

// splitAlreadyExceeded implements the in-memory-first check order the
// original implementation performs before ever invoking the window engine:
// it peeks every descriptor's window-start and counter keys with one BatchGet
// call, which reads each key from the local tier (with a separate remote
// read for each local miss, same as any other Get), and for any descriptor whose peeked
// window is still current and whose peeked counter has already reached its
// limit, it builds the rejecting status directly — no engine round trip, no
// increment to roll back. Descriptors with no usable peek, or not yet over
// limit, still need the engine and are returned in toApply.
func (c *Controller) splitAlreadyExceeded(
	ctx context.Context,
	now int64,
	window identity.WindowSize,
	descriptors []descriptor.Descriptor,
	kind CounterKind,
	limitOf func(descriptor.Descriptor) int64,
) (statuses []DescriptorStatus, windowStart int64, found bool, toApply []descriptor.Descriptor) {
	keys := make([]string, 0, len(descriptors)*2)
	for _, d := range descriptors {
		keys = append(keys, d.WindowKey(), d.CounterKey(string(kind)))
	}
	peeked := c.cs.BatchGet(ctx, keys)

	toApply = make([]descriptor.Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		ws, wsOK := peeked[d.WindowKey()]
		counterStr, counterOK := peeked[d.CounterKey(string(kind))]
		if !wsOK || !counterOK {
			toApply = append(toApply, d)
			continue
		}

		start, err := strconv.ParseInt(ws, 10, 64)
		if err != nil {
			toApply = append(toApply, d)
			continue
		}
		if now-start >= int64(window) {
			// window has rolled over since the peeked value was cached; the
			// engine must observe the reset.
			toApply = append(toApply, d)
			continue
		}

		counter, err := strconv.ParseInt(counterStr, 10, 64)
		if err != nil {
			toApply = append(toApply, d)
			continue
		}

		limit := limitOf(d)
		if counter < limit {
			toApply = append(toApply, d)
			continue
		}

		statuses = append(statuses, newStatus(d, kind, limit, counter, true))
		if !found {
			found, windowStart = true, start
		}
	}

	return statuses, windowStart, found, toApply
}

func (c *Controller) peekCounter(ctx context.Context, key string) int64 {
	v, ok := c.cs.Get(ctx, key)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		c.cfg.logger.Errorf("ratelimit: counter %q held non-integer value %q: %v", key, v, err)
		return 0
	}
	return n
}

func filterByLimit(descriptors []descriptor.Descriptor, keep func(descriptor.Descriptor) bool) []descriptor.Descriptor {
	var out []descriptor.Descriptor
	for _, d := range descriptors {
		if keep(d) {
			out = append(out, d)
		}
	}
	return out
}

func newStatus(d descriptor.Descriptor, kind CounterKind, limit, counter int64, exceeded bool) DescriptorStatus {
	remaining := limit - counter
	if remaining < 0 {
		remaining = 0
	}
	return DescriptorStatus{
		DescriptorKey: d.CounterKey(string(kind)),
		SubjectKey:    d.SubjectKey,
		Window:        d.Window,
		Kind:          kind,
		CurrentLimit:  limit,
		Counter:       counter,
		Remaining:     remaining,
		Exceeded:      exceeded,
	}
}

func windowDuration(w identity.WindowSize) time.Duration {
	return time.Duration(w) * time.Second
}

// retryAfterSeconds is the time remaining in the violated window, per spec
// §4.4 step 7 — not a fixed per-window-size constant. A tokens violation
// passes windowStart == now, which yields the full window size.
func retryAfterSeconds(window identity.WindowSize, windowStart, now int64) int64 {
	remaining := int64(window) - (now - windowStart)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// lazyViolationDetail reproduces the original implementation's annotation
// string verbatim, built from the first exceeded status.
func lazyViolationDetail(statuses []DescriptorStatus) string {
	for _, s := range statuses {
		if s.Exceeded {
			return fmt.Sprintf("Rate limit exceeded for %s: %s. Limit: %d, Remaining: %d",
				s.DescriptorKey, s.Kind, s.CurrentLimit, s.Remaining)
		}
	}
	return ""
}
