package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ratelimit "github.com/jassus213/llm-ratelimit-core"
	"github.com/jassus213/llm-ratelimit-core/identity"
	"github.com/jassus213/llm-ratelimit-core/store"
)

func newTestStore(t *testing.T) *store.CounterStore {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cs := store.New(store.NewRedisTier(client), store.WithFlushInterval(5*time.Millisecond))
	t.Cleanup(cs.Close)
	return cs
}

func limitOf(n int64) *int64 { return &n }

func quotaRequests(dim identity.Dimension, window identity.WindowSize, n int64) identity.QuotaMap {
	return identity.QuotaMap{
		dim: {window: {RequestsLimit: limitOf(n)}},
	}
}

func TestDecide_AdmitsUntilLimitThenRejects(t *testing.T) {
	cs := newTestStore(t)
	clock := int64(1_000_000)
	c := ratelimit.NewController(cs, ratelimit.WithClock(func() time.Time { return time.Unix(clock, 0) }))

	id := identity.Identity{APIKey: "k1", Quota: quotaRequests(identity.DimensionAPIKey, identity.WindowMinute, 3)}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := c.Decide(ctx, id, "")
		require.NoError(t, err)
		assert.Equal(t, ratelimit.Admit, d.Verdict, "request %d should be admitted", i+1)
	}

	d, err := c.Decide(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Reject, d.Verdict)
	assert.LessOrEqual(t, d.RetryAfterSeconds, int64(60))
	assert.Greater(t, d.RetryAfterSeconds, int64(0))
}

func TestDecide_RejectRollsBackTheCounter(t *testing.T) {
	cs := newTestStore(t)
	clock := int64(2_000_000)
	c := ratelimit.NewController(cs, ratelimit.WithClock(func() time.Time { return time.Unix(clock, 0) }))

	id := identity.Identity{
		APIKey: "k1",
		UserID: "u1",
		Quota:  quotaRequests(identity.DimensionModelPerKey, identity.WindowMinute, 3),
	}
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := c.Decide(ctx, id, "gpt-4")
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		v, ok := cs.Get(ctx, "{model_per_key:u1:gpt-4:rpm}:requests")
		return ok && v == "3"
	}, time.Second, 10*time.Millisecond, "rejected request's increment must be rolled back")
}

func TestDecide_MultiWindowConjunction_TightestViolationWins(t *testing.T) {
	cs := newTestStore(t)
	clock := int64(3_000_000)
	c := ratelimit.NewController(cs, ratelimit.WithClock(func() time.Time { return time.Unix(clock, 0) }))

	id := identity.Identity{
		APIKey: "k1",
		Quota: identity.QuotaMap{
			identity.DimensionAPIKey: {
				identity.WindowMinute: {RequestsLimit: limitOf(10)},
				identity.WindowDay:    {RequestsLimit: limitOf(5)},
			},
		},
	}
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := c.Decide(ctx, id, "")
		require.NoError(t, err)
		assert.Equal(t, ratelimit.Admit, d.Verdict)
	}

	d, err := c.Decide(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, ratelimit.Reject, d.Verdict)

	var dayViolated bool
	for _, s := range d.Statuses {
		if s.Window == identity.WindowDay && s.Exceeded {
			dayViolated = true
		}
	}
	assert.True(t, dayViolated, "the day window, not the minute window, should be the reported violation")
	assert.Greater(t, d.RetryAfterSeconds, int64(60), "retry-after should point at the day reset, not the minute reset")
}

func TestDecide_ParallelSlotLifecycle(t *testing.T) {
	cs := newTestStore(t)
	clock := int64(4_000_000)
	c := ratelimit.NewController(cs, ratelimit.WithClock(func() time.Time { return time.Unix(clock, 0) }))

	id := identity.Identity{
		APIKey: "k1",
		Quota: identity.QuotaMap{
			identity.DimensionAPIKey: {
				identity.WindowMinute: {ParallelLimit: limitOf(1)},
			},
		},
	}
	ctx := context.Background()

	a, err := c.Decide(ctx, id, "")
	require.NoError(t, err)
	require.Equal(t, ratelimit.Admit, a.Verdict)
	assert.True(t, a.ParallelHeld)

	b, err := c.Decide(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Reject, b.Verdict)

	c.OnSuccess(ctx, id, "", ratelimit.Usage{TotalTokens: 10})

	require.Eventually(t, func() bool {
		d, err := c.Decide(ctx, id, "")
		return err == nil && d.Verdict == ratelimit.Admit
	}, time.Second, 10*time.Millisecond, "releasing the held slot should admit the next request")
}

func TestDecide_LazyRejectionAdmitsWithAnnotation(t *testing.T) {
	cs := newTestStore(t)
	clock := int64(5_000_000)
	c := ratelimit.NewController(cs,
		ratelimit.WithClock(func() time.Time { return time.Unix(clock, 0) }),
		ratelimit.WithLazyRejection(true),
	)

	id := identity.Identity{APIKey: "k1", Quota: quotaRequests(identity.DimensionAPIKey, identity.WindowMinute, 1)}
	ctx := context.Background()

	first, err := c.Decide(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Admit, first.Verdict)
	assert.False(t, first.LazyViolation)

	second, err := c.Decide(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Admit, second.Verdict)
	assert.True(t, second.LazyViolation)
	assert.Contains(t, second.LazyViolationDetail, "Rate limit exceeded")

	require.Eventually(t, func() bool {
		v, ok := cs.Get(ctx, "{api_key:k1}:requests")
		return ok && v == "1"
	}, time.Second, 10*time.Millisecond, "the lazily-admitted request must still roll back its counter")
}

func TestDecide_NoConfiguredLimitsAlwaysAdmits(t *testing.T) {
	cs := newTestStore(t)
	c := ratelimit.NewController(cs)

	id := identity.Identity{APIKey: "k1"}
	d, err := c.Decide(context.Background(), id, "")

	require.NoError(t, err)
	assert.Equal(t, ratelimit.Admit, d.Verdict)
	assert.Empty(t, d.Statuses)
}

// TestDecide_ConcurrentRequestsAdmitExactlyTheLimit exercises scenario 2
// (rpm=1, 5 concurrent requests: expect exactly 1 admit, 4 rejects, final
// counter == 1) against one shared miniredis-backed store, proving the
// window engine's EVAL round trip is atomic across goroutines rather than
// racing on a read-then-write.
func TestDecide_ConcurrentRequestsAdmitExactlyTheLimit(t *testing.T) {
	cs := newTestStore(t)
	clock := int64(7_000_000)
	c := ratelimit.NewController(cs, ratelimit.WithClock(func() time.Time { return time.Unix(clock, 0) }))

	id := identity.Identity{APIKey: "k1", Quota: quotaRequests(identity.DimensionAPIKey, identity.WindowMinute, 1)}
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	var mu sync.Mutex
	var admits, rejects int

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			d, err := c.Decide(ctx, id, "")
			require.NoError(t, err)

			mu.Lock()
			defer mu.Unlock()
			switch d.Verdict {
			case ratelimit.Admit:
				admits++
			case ratelimit.Reject:
				rejects++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, admits, "exactly one concurrent request should be admitted")
	assert.Equal(t, n-1, rejects, "every other concurrent request should be rejected")

	require.Eventually(t, func() bool {
		v, ok := cs.Get(ctx, "{api_key:k1}:requests")
		return ok && v == "1"
	}, time.Second, 10*time.Millisecond, "rejected requests' increments must all roll back, leaving the counter at the limit")
}

func TestDecide_DegradedModeStillEnforcesLocally(t *testing.T) {
	cs := store.New(nil)
	defer cs.Close()

	clock := int64(6_000_000)
	c := ratelimit.NewController(cs, ratelimit.WithClock(func() time.Time { return time.Unix(clock, 0) }))

	id := identity.Identity{APIKey: "k1", Quota: quotaRequests(identity.DimensionAPIKey, identity.WindowMinute, 2)}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := c.Decide(ctx, id, "")
		require.NoError(t, err)
		assert.Equal(t, ratelimit.Admit, d.Verdict)
	}

	d, err := c.Decide(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Reject, d.Verdict)
}
