// Package windowengine implements the Window Engine: given a batch of
// descriptors that all share a window size, it runs one atomic
// increment-or-reset round trip against the Counter Store and returns the
// resulting (window_start, counter) per descriptor, in input order.
package windowengine

import (
	"context"

	"github.com/jassus213/llm-ratelimit-core/descriptor"
	"github.com/jassus213/llm-ratelimit-core/identity"
	"github.com/jassus213/llm-ratelimit-core/store"
)

// CounterStore is the capability the engine needs from the store package.
// Declared here, not imported as a concrete type, so tests can substitute a
// fake without pulling in Redis.
type CounterStore interface {
	ApplyWindowBatch(ctx context.Context, now, windowSize, increment int64, pairs []store.WindowKeyPair) []store.WindowResult
}

// Result pairs one descriptor with the window state the batch call returned
// for it.
type Result struct {
	Descriptor  descriptor.Descriptor
	WindowStart int64
	Counter     int64
}

// Engine runs batches of descriptors through a CounterStore.
type Engine struct {
	cs CounterStore
}

// New constructs an Engine over cs.
func New(cs CounterStore) *Engine {
	return &Engine{cs: cs}
}

// Apply runs one atomic batch for descriptors sharing windowSize, using the
// "requests" counter kind. now is unix seconds; increment is normally 1 (the
// admission controller passes a larger increment only when pre-charging a
// token estimate, which this core does not do — see spec's Non-goals).
func (e *Engine) Apply(ctx context.Context, now int64, windowSize identity.WindowSize, increment int64, descriptors []descriptor.Descriptor) []Result {
	return e.applyKind(ctx, now, windowSize, increment, descriptors, "requests")
}

// ApplyParallel runs the batch against the max_parallel_requests counter
// kind instead of requests, used when admitting a request that carries a
// parallel-slot limit.
func (e *Engine) ApplyParallel(ctx context.Context, now int64, windowSize identity.WindowSize, increment int64, descriptors []descriptor.Descriptor) []Result {
	return e.applyKind(ctx, now, windowSize, increment, descriptors, "max_parallel_requests")
}

func (e *Engine) applyKind(ctx context.Context, now int64, windowSize identity.WindowSize, increment int64, descriptors []descriptor.Descriptor, kind string) []Result {
	if len(descriptors) == 0 {
		return nil
	}

	pairs := make([]store.WindowKeyPair, len(descriptors))
	for i, d := range descriptors {
		pairs[i] = store.WindowKeyPair{WindowKey: d.WindowKey(), CounterKey: d.CounterKey(kind)}
	}

	raw := e.cs.ApplyWindowBatch(ctx, now, int64(windowSize), increment, pairs)

	out := make([]Result, len(descriptors))
	for i, d := range descriptors {
		out[i] = Result{Descriptor: d, WindowStart: raw[i].WindowStart, Counter: raw[i].Counter}
	}
	return out
}
