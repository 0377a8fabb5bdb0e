package ratelimit

import (
	"context"

	"github.com/jassus213/llm-ratelimit-core/identity"
)

// Usage carries the downstream call's token accounting, reported by the
// gateway after the call completes.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

func (u Usage) forKind(kind TokenRateLimitKind) int64 {
	switch kind {
	case TokenKindOutput:
		return u.CompletionTokens
	case TokenKindInput:
		return u.PromptTokens
	default:
		return u.TotalTokens
	}
}

// OnSuccess is the Post-call Reconciler's success hook (spec §4.5). It
// rebuilds the same descriptor list Decide would have built for this
// (identity, model) pair — deterministically, with no handle carried over
// from the admit call — and charges the tokens counter for every descriptor
// that configures one, then releases any held parallel slot.
//
// Both adjustments go through the store's buffered queue: errors are logged
// by the store and swallowed here, matching "On success ... errors are
// logged and swallowed" in spec §4.5.
func (c *Controller) OnSuccess(_ context.Context, id identity.Identity, requestedModel string, usage Usage) {
	descriptors := c.planner.Plan(id, requestedModel)
	amount := usage.forKind(c.cfg.tokenRateLimitKind)

	for _, d := range descriptors {
		ttl := windowDuration(d.Window)
		if d.TokensLimit != nil && amount != 0 {
			c.cs.QueueIncrement(d.CounterKey(string(KindTokens)), amount, ttl)
		}
		if d.ParallelLimit != nil {
			c.cs.QueueIncrement(d.CounterKey(string(KindParallel)), -1, ttl)
		}
	}
}

// OnFailure is the Post-call Reconciler's failure hook. A failed call
// consumed no tokens but did consume a parallel slot, so only the slot is
// released.
func (c *Controller) OnFailure(_ context.Context, id identity.Identity, requestedModel string, _ error) {
	descriptors := c.planner.Plan(id, requestedModel)

	for _, d := range descriptors {
		if d.ParallelLimit == nil {
			continue
		}
		c.cs.QueueIncrement(d.CounterKey(string(KindParallel)), -1, windowDuration(d.Window))
	}
}
