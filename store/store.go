// Package store implements the Counter Store: a two-tier facade over a
// process-local cache and a shared remote tier, used by every other
// component to read and write rate-limit counters. The Counter Store
// exclusively owns all persistent state; no other package touches the
// local cache or the remote client directly.
package store

import (
	"context"
	"time"
)

// Logger is the logging seam the store uses, matching the shape the rest of
// the module's adapters already implement. Defined locally rather than
// imported from the root package to keep the dependency direction one-way:
// the store is constructed first and never refers back to the admission
// controller.
type Logger interface {
	Debugf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...interface{}) {}
func (noopLogger) Errorf(string, ...interface{}) {}

// RemoteStore is the capability the remote tier must provide. RedisTier
// satisfies it; tests substitute a miniredis-backed instance.
type RemoteStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Incr(ctx context.Context, key string, delta int64) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	ApplyWindowBatch(ctx context.Context, now, windowSize, increment int64, pairs []WindowKeyPair) ([]WindowResult, error)
}

// Option configures a CounterStore.
type Option func(*CounterStore)

// WithLogger overrides the store's logger.
func WithLogger(l Logger) Option {
	return func(s *CounterStore) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLocalOnly puts the store into the diagnostic local_only mode
// described in spec §4.1: the remote tier is bypassed entirely even if one
// was supplied.
func WithLocalOnly(localOnly bool) Option {
	return func(s *CounterStore) { s.localOnly = localOnly }
}

// WithFlushInterval overrides the background flush tick used by
// QueueIncrement's buffered writes. The spec's default is one second.
func WithFlushInterval(d time.Duration) Option {
	return func(s *CounterStore) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// CounterStore is the unified facade described in spec §4.1: get, set,
// increment, batchGet, and the atomic batch window operation, each
// preferring the local tier and falling through to remote only when
// necessary, never letting a remote error escape to callers.
type CounterStore struct {
	local  *LocalCache
	remote RemoteStore

	localOnly     bool
	degraded      bool
	flushInterval time.Duration
	logger        Logger

	flusher *flusher
}

// New constructs a CounterStore. remote may be nil, in which case the store
// runs permanently in local-only mode (the degraded path of spec §5).
func New(remote RemoteStore, opts ...Option) *CounterStore {
	s := &CounterStore{
		local:         NewLocalCache(),
		remote:        remote,
		flushInterval: time.Second,
		logger:        noopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if remote == nil {
		s.localOnly = true
	}
	s.flusher = newFlusher(s.applyQueuedIncrement, s.flushInterval, s.logger)
	return s
}

// Close stops the background flush goroutine.
func (s *CounterStore) Close() {
	s.flusher.stop()
}

// usingRemote reports whether the store should attempt the remote tier for
// this call. A remote failure makes only the failing call fall back to the
// local tier; it does not change this answer, so later calls keep trying
// the remote tier instead of wedging the store into local-only forever.
func (s *CounterStore) usingRemote() bool {
	return !s.localOnly && s.remote != nil
}

// Get performs the two-tier read: local first, remote on miss, populating
// local with the remote's value on a hit. Any remote error is logged and
// treated as a miss (§7: "counter store transient failure ... admission
// proceeds").
func (s *CounterStore) Get(ctx context.Context, key string) (string, bool) {
	if v, ok := s.local.Get(key); ok {
		return v, true
	}
	if !s.usingRemote() {
		return "", false
	}

	v, ok, err := s.remote.Get(ctx, key)
	if err != nil {
		s.logger.Errorf("store: remote get %q failed, falling back to local-only: %v", key, err)
		return "", false
	}
	if !ok {
		return "", false
	}
	s.local.Set(key, v, 0)
	return v, true
}

// BatchGet is a convenience wrapper around Get for multiple keys. The
// admission controller calls this to peek every descriptor's window and
// counter keys before it spends a round trip invoking the window engine,
// short-circuiting any descriptor the local tier already shows as over
// limit for the current window.
func (s *CounterStore) BatchGet(ctx context.Context, keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		if v, ok := s.Get(ctx, k); ok {
			out[k] = v
		}
	}
	return out
}

// Set writes key to both tiers, in the teacher's "local first, then
// best-effort remote" spirit. Remote failures are logged, not propagated.
func (s *CounterStore) Set(ctx context.Context, key, value string, ttl time.Duration) {
	s.local.Set(key, value, ttl)
	if !s.usingRemote() {
		return
	}
	if err := s.remote.Set(ctx, key, value, ttl); err != nil {
		s.logger.Errorf("store: remote set %q failed: %v", key, err)
	}
}

// Increment adjusts a single counter synchronously on both tiers, for a
// caller that needs the adjustment visible on the remote tier immediately
// rather than queued. The admission controller's overshoot rollback does not
// use it; it goes through QueueIncrement.
func (s *CounterStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) int64 {
	local := s.local.Incr(key, delta, ttl)
	if !s.usingRemote() {
		return local
	}

	remote, err := s.remote.Incr(ctx, key, delta)
	if err != nil {
		s.logger.Errorf("store: remote incr %q failed, local-only value stands: %v", key, err)
		return local
	}
	if ttl > 0 {
		if err := s.remote.Expire(ctx, key, ttl); err != nil {
			s.logger.Errorf("store: remote expire %q failed: %v", key, err)
		}
	}
	s.local.Set(key, formatInt(remote), ttl)
	return remote
}

// QueueIncrement enqueues a best-effort, buffered counter adjustment,
// flushed on the background interval per spec §4.1's "batched writes"
// discipline: at-most-once delivery, last-write-wins per key on loss. Used
// by the Post-call Reconciler and by the admission controller's overshoot
// rollback, whose counter adjustments can tolerate being coalesced or
// dropped on crash.
func (s *CounterStore) QueueIncrement(key string, delta int64, ttl time.Duration) {
	s.local.Incr(key, delta, 0) // keep local reads fresh immediately
	s.flusher.enqueue(queuedIncrement{key: key, delta: delta, ttl: ttl})
}

// applyQueuedIncrement is the flusher's callback: it applies one coalesced
// increment to the remote tier. Errors are logged and swallowed per §4.5.
func (s *CounterStore) applyQueuedIncrement(ctx context.Context, inc queuedIncrement) {
	if !s.usingRemote() {
		return
	}
	remote, err := s.remote.Incr(ctx, inc.key, inc.delta)
	if err != nil {
		s.logger.Errorf("store: flush incr %q failed: %v", inc.key, err)
		return
	}
	if inc.ttl > 0 {
		if err := s.remote.Expire(ctx, inc.key, inc.ttl); err != nil {
			s.logger.Errorf("store: flush expire %q failed: %v", inc.key, err)
		}
	}
	s.local.Set(inc.key, formatInt(remote), inc.ttl)
}

// ApplyWindowBatch is the Counter Store half of the Window Engine's batch
// operation (spec §4.2's "batch form"): every pair is applied atomically via
// the remote script in one round trip, then every result write-through
// refreshes the local tier. The in-memory-first check the original source
// performs — skipping the round trip entirely for descriptors already known
// to be over limit — happens one layer up, in the admission controller's
// call to BatchGet, before these pairs are ever built.
//
// When the store has no usable remote tier, the whole batch runs against
// the local cache only, non-atomically across instances but still
// serialized per key by the cache's striped locks (the "local emulation"
// of §4.1).
func (s *CounterStore) ApplyWindowBatch(ctx context.Context, now, windowSize, increment int64, pairs []WindowKeyPair) []WindowResult {
	if !s.usingRemote() {
		return s.applyWindowBatchLocal(now, windowSize, increment, pairs)
	}

	results, err := s.remote.ApplyWindowBatch(ctx, now, windowSize, increment, pairs)
	if err != nil {
		s.logger.Errorf("store: window batch script failed, degrading to local-only for this call: %v", err)
		return s.applyWindowBatchLocal(now, windowSize, increment, pairs)
	}

	ttl := time.Duration(windowSize) * time.Second
	for i, p := range pairs {
		s.local.Set(p.WindowKey, formatInt(results[i].WindowStart), ttl)
		s.local.Set(p.CounterKey, formatInt(results[i].Counter), ttl)
	}
	return results
}

func (s *CounterStore) applyWindowBatchLocal(now, windowSize, increment int64, pairs []WindowKeyPair) []WindowResult {
	ttl := time.Duration(windowSize) * time.Second
	out := make([]WindowResult, len(pairs))

	for i, p := range pairs {
		ws, ok := s.local.Get(p.WindowKey)
		if !ok || now-parseInt(ws) >= windowSize {
			s.local.Set(p.WindowKey, formatInt(now), ttl)
			s.local.Set(p.CounterKey, formatInt(increment), ttl)
			out[i] = WindowResult{WindowStart: now, Counter: increment}
			continue
		}
		counter := s.local.Incr(p.CounterKey, increment, ttl)
		out[i] = WindowResult{WindowStart: parseInt(ws), Counter: counter}
	}
	return out
}

// IsDegraded reports whether the store is currently operating without a
// remote tier, either because none was configured or local_only was forced.
func (s *CounterStore) IsDegraded() bool {
	return s.localOnly || s.remote == nil
}
