package descriptor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jassus213/llm-ratelimit-core/identity"
)

func limit(n int64) *int64 { return &n }

func TestPlanner_OmitsDimensionsWithoutLimits(t *testing.T) {
	id := identity.Identity{
		APIKey: "key-1",
		UserID: "user-1",
		Quota: identity.QuotaMap{
			identity.DimensionAPIKey: {
				identity.WindowMinute: {RequestsLimit: limit(10)},
			},
		},
	}

	descriptors := NewPlanner(identity.WindowMinute).Plan(id, "")

	require.Len(t, descriptors, 1)
	assert.Equal(t, identity.DimensionAPIKey, descriptors[0].SubjectKey)
	assert.Equal(t, "key-1", descriptors[0].SubjectValue)
	assert.Equal(t, identity.WindowMinute, descriptors[0].Window)
}

func TestPlanner_Deterministic(t *testing.T) {
	id := identity.Identity{
		APIKey: "key-1",
		UserID: "user-1",
		Quota: identity.QuotaMap{
			identity.DimensionAPIKey: {
				identity.WindowMinute: {RequestsLimit: limit(10)},
				identity.WindowDay:    {RequestsLimit: limit(1000)},
			},
			identity.DimensionUser: {
				identity.WindowMinute: {RequestsLimit: limit(5)},
			},
		},
	}

	first := NewPlanner(identity.WindowMinute).Plan(id, "")
	second := NewPlanner(identity.WindowMinute).Plan(id, "")

	require.Equal(t, first, second)
	require.Len(t, first, 3)
	// api_key dimension is walked before user, and within it windows are
	// tightest-first.
	assert.Equal(t, identity.DimensionAPIKey, first[0].SubjectKey)
	assert.Equal(t, identity.WindowMinute, first[0].Window)
	assert.Equal(t, identity.DimensionAPIKey, first[1].SubjectKey)
	assert.Equal(t, identity.WindowDay, first[1].Window)
	assert.Equal(t, identity.DimensionUser, first[2].SubjectKey)
}

func TestPlanner_ModelPerKeySubjectValue(t *testing.T) {
	id := identity.Identity{
		UserID: "user-42",
		Quota: identity.QuotaMap{
			identity.DimensionModelPerKey: {
				identity.WindowMinute: {RequestsLimit: limit(3)},
				identity.WindowDay:    {RequestsLimit: limit(30)},
			},
		},
	}

	descriptors := NewPlanner(identity.WindowMinute).Plan(id, "gpt-4")
	require.Len(t, descriptors, 2)
	assert.Equal(t, "user-42:gpt-4:rpm", descriptors[0].SubjectValue)
	assert.Equal(t, "user-42:gpt-4:rpd", descriptors[1].SubjectValue)
}

func TestPlanner_NoModelNoModelPerKeyDescriptors(t *testing.T) {
	id := identity.Identity{
		UserID: "user-42",
		Quota: identity.QuotaMap{
			identity.DimensionModelPerKey: {
				identity.WindowMinute: {RequestsLimit: limit(3)},
			},
		},
	}

	descriptors := NewPlanner(identity.WindowMinute).Plan(id, "")
	assert.Empty(t, descriptors)
}

func TestPlanner_UnspecifiedWindowDefaultsToConfiguredWindow(t *testing.T) {
	id := identity.Identity{
		APIKey: "key-1",
		Quota: identity.QuotaMap{
			identity.DimensionAPIKey: {
				identity.WindowUnspecified: {RequestsLimit: limit(10)},
			},
		},
	}

	descriptors := NewPlanner(identity.WindowHour).Plan(id, "")

	require.Len(t, descriptors, 1)
	assert.Equal(t, identity.WindowHour, descriptors[0].Window)
	assert.Equal(t, "{api_key:key-1}:requests", descriptors[0].CounterKey("requests"))
}

func TestPlanner_ModelPerKeyUnspecifiedWindowDefaultsToConfiguredWindow(t *testing.T) {
	id := identity.Identity{
		UserID: "user-42",
		Quota: identity.QuotaMap{
			identity.DimensionModelPerKey: {
				identity.WindowUnspecified: {RequestsLimit: limit(3)},
			},
		},
	}

	descriptors := NewPlanner(identity.WindowDay).Plan(id, "gpt-4")

	require.Len(t, descriptors, 1)
	assert.Equal(t, identity.WindowDay, descriptors[0].Window)
	assert.Equal(t, "user-42:gpt-4:rpd", descriptors[0].SubjectValue)
}

func TestDescriptor_KeyingUsesHashTag(t *testing.T) {
	d := Descriptor{SubjectKey: identity.DimensionAPIKey, SubjectValue: "key-1", Window: identity.WindowMinute}
	assert.Equal(t, "{api_key:key-1}:window", d.WindowKey())
	assert.Equal(t, "{api_key:key-1}:requests", d.CounterKey("requests"))
}

func TestGroupByWindow_AscendingOrder(t *testing.T) {
	descriptors := []Descriptor{
		{Window: identity.WindowDay},
		{Window: identity.WindowMinute},
		{Window: identity.WindowWeek},
		{Window: identity.WindowMinute},
	}

	buckets := GroupByWindow(descriptors)
	require.Len(t, buckets, 3)
	assert.Equal(t, identity.WindowMinute, buckets[0].Window)
	assert.Len(t, buckets[0].Descriptors, 2)
	assert.Equal(t, identity.WindowDay, buckets[1].Window)
	assert.Equal(t, identity.WindowWeek, buckets[2].Window)
}
