package windowengine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jassus213/llm-ratelimit-core/descriptor"
	"github.com/jassus213/llm-ratelimit-core/identity"
	"github.com/jassus213/llm-ratelimit-core/store"
	"github.com/jassus213/llm-ratelimit-core/windowengine"
)

// fakeStore is a minimal in-memory stand-in for store.CounterStore that
// implements the plain fixed-window algorithm directly, so engine tests do
// not depend on the store package's own implementation.
type fakeStore struct {
	windows  map[string]int64
	counters map[string]int64
	calls    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{windows: map[string]int64{}, counters: map[string]int64{}}
}

func (f *fakeStore) ApplyWindowBatch(_ context.Context, now, windowSize, increment int64, pairs []store.WindowKeyPair) []store.WindowResult {
	f.calls++
	out := make([]store.WindowResult, len(pairs))
	for i, p := range pairs {
		ws, ok := f.windows[p.WindowKey]
		if !ok || now-ws >= windowSize {
			f.windows[p.WindowKey] = now
			f.counters[p.CounterKey] = increment
			out[i] = store.WindowResult{WindowStart: now, Counter: increment}
			continue
		}
		f.counters[p.CounterKey] += increment
		out[i] = store.WindowResult{WindowStart: ws, Counter: f.counters[p.CounterKey]}
	}
	return out
}

func descriptorFor(dim identity.Dimension, value string, window identity.WindowSize, limit int64) descriptor.Descriptor {
	return descriptor.Descriptor{SubjectKey: dim, SubjectValue: value, Window: window, RequestsLimit: &limit}
}

func TestEngine_Apply_OneRoundTripPerBucket(t *testing.T) {
	fs := newFakeStore()
	e := windowengine.New(fs)

	descriptors := []descriptor.Descriptor{
		descriptorFor(identity.DimensionAPIKey, "k1", identity.WindowMinute, 10),
		descriptorFor(identity.DimensionUser, "u1", identity.WindowMinute, 5),
	}

	results := e.Apply(context.Background(), 1000, identity.WindowMinute, 1, descriptors)

	require.Len(t, results, 2)
	assert.Equal(t, 1, fs.calls)
	assert.Equal(t, int64(1), results[0].Counter)
	assert.Equal(t, int64(1), results[1].Counter)
}

func TestEngine_Apply_PreservesInputOrder(t *testing.T) {
	fs := newFakeStore()
	e := windowengine.New(fs)

	descriptors := []descriptor.Descriptor{
		descriptorFor(identity.DimensionAPIKey, "k1", identity.WindowMinute, 10),
		descriptorFor(identity.DimensionAPIKey, "k2", identity.WindowMinute, 10),
		descriptorFor(identity.DimensionAPIKey, "k3", identity.WindowMinute, 10),
	}

	results := e.Apply(context.Background(), 1000, identity.WindowMinute, 1, descriptors)

	require.Len(t, results, 3)
	assert.Equal(t, "k1", results[0].Descriptor.SubjectValue)
	assert.Equal(t, "k2", results[1].Descriptor.SubjectValue)
	assert.Equal(t, "k3", results[2].Descriptor.SubjectValue)
}

func TestEngine_ApplyParallel_UsesDistinctCounterKind(t *testing.T) {
	fs := newFakeStore()
	e := windowengine.New(fs)

	descriptors := []descriptor.Descriptor{
		descriptorFor(identity.DimensionAPIKey, "k1", identity.WindowMinute, 10),
	}

	e.Apply(context.Background(), 1000, identity.WindowMinute, 1, descriptors)
	e.ApplyParallel(context.Background(), 1000, identity.WindowMinute, 1, descriptors)

	assert.Equal(t, int64(1), fs.counters["{api_key:k1}:requests"])
	assert.Equal(t, int64(1), fs.counters["{api_key:k1}:max_parallel_requests"])
}

func TestEngine_Apply_EmptyDescriptorsSkipsRoundTrip(t *testing.T) {
	fs := newFakeStore()
	e := windowengine.New(fs)

	results := e.Apply(context.Background(), 1000, identity.WindowMinute, 1, nil)

	assert.Empty(t, results)
	assert.Equal(t, 0, fs.calls)
}
