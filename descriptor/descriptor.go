// Package descriptor implements the Descriptor Planner: a deterministic
// translation from a caller's Identity and requested model into the list of
// rate-limit descriptors the Admission Controller must evaluate.
package descriptor

import (
	"fmt"

	"github.com/jassus213/llm-ratelimit-core/identity"
)

// Descriptor is one (subject, window) rate-limit specification for one
// request. A Descriptor with no configured limit is never constructed — the
// Planner omits it instead, per the "no gratuitous writes" rule.
type Descriptor struct {
	SubjectKey   identity.Dimension
	SubjectValue string
	Window       identity.WindowSize

	RequestsLimit *int64
	TokensLimit   *int64
	ParallelLimit *int64
}

// WindowKey is the hash-tagged key addressing this descriptor's window
// start timestamp. The counter keys for each configured kind share the same
// hash tag so a scripted compound operation runs atomically on one shard.
func (d Descriptor) WindowKey() string {
	return fmt.Sprintf("{%s:%s}:window", d.SubjectKey, d.SubjectValue)
}

// CounterKey is the hash-tagged key addressing this descriptor's counter for
// the given kind ("requests", "tokens", or "max_parallel_requests").
func (d Descriptor) CounterKey(kind string) string {
	return fmt.Sprintf("{%s:%s}:%s", d.SubjectKey, d.SubjectValue, kind)
}

// Planner builds descriptor lists deterministically from an Identity.
type Planner struct {
	defaultWindowSize identity.WindowSize
}

// NewPlanner constructs a Planner. defaultWindowSize is the window a
// QuotaMap entry keyed on identity.WindowUnspecified resolves to — the
// original implementation's window_size_default.
func NewPlanner(defaultWindowSize identity.WindowSize) *Planner {
	return &Planner{defaultWindowSize: defaultWindowSize}
}

// resolveWindow maps identity.WindowUnspecified to the Planner's configured
// default, leaving every other window size untouched.
func (p *Planner) resolveWindow(w identity.WindowSize) identity.WindowSize {
	if w == identity.WindowUnspecified {
		return p.defaultWindowSize
	}
	return w
}

// Plan returns the descriptor list for one request. The order is stable
// given identical inputs: dimensions are walked in a fixed order
// (api_key, user, team, end_user, model_per_key), and within each dimension
// the standard window sizes are walked tightest-first, followed by any entry
// keyed on identity.WindowUnspecified (resolved to the default window), so
// two instances evaluating the same request compute the same keys in the
// same order.
func (p *Planner) Plan(id identity.Identity, requestedModel string) []Descriptor {
	var out []Descriptor

	for _, dim := range identity.OrderedDimensions() {
		if dim == identity.DimensionModelPerKey {
			out = append(out, p.planModelPerKey(id, requestedModel)...)
			continue
		}

		value, ok := id.DimensionValue(dim)
		if !ok {
			continue
		}

		for _, window := range identity.OrderedWindowSizes {
			limits, ok := id.Quota.Limits(dim, window)
			if !ok {
				continue
			}
			out = append(out, Descriptor{
				SubjectKey:    dim,
				SubjectValue:  value,
				Window:        window,
				RequestsLimit: limits.RequestsLimit,
				TokensLimit:   limits.TokensLimit,
				ParallelLimit: limits.ParallelLimit,
			})
		}

		if limits, ok := id.Quota.Limits(dim, identity.WindowUnspecified); ok {
			out = append(out, Descriptor{
				SubjectKey:    dim,
				SubjectValue:  value,
				Window:        p.resolveWindow(identity.WindowUnspecified),
				RequestsLimit: limits.RequestsLimit,
				TokensLimit:   limits.TokensLimit,
				ParallelLimit: limits.ParallelLimit,
			})
		}
	}

	return out
}

// planModelPerKey builds the per-(user, model) descriptors. Their subject
// value embeds the window tag, matching the keying convention the original
// implementation used: "{user_id}:{model}:{window_tag}".
func (p *Planner) planModelPerKey(id identity.Identity, requestedModel string) []Descriptor {
	if requestedModel == "" || id.UserID == "" {
		return nil
	}

	var out []Descriptor
	for _, window := range identity.OrderedWindowSizes {
		limits, ok := id.Quota.Limits(identity.DimensionModelPerKey, window)
		if !ok {
			continue
		}
		value := fmt.Sprintf("%s:%s:%s", id.UserID, requestedModel, window.Tag())
		out = append(out, Descriptor{
			SubjectKey:    identity.DimensionModelPerKey,
			SubjectValue:  value,
			Window:        window,
			RequestsLimit: limits.RequestsLimit,
			TokensLimit:   limits.TokensLimit,
			ParallelLimit: limits.ParallelLimit,
		})
	}

	if limits, ok := id.Quota.Limits(identity.DimensionModelPerKey, identity.WindowUnspecified); ok {
		window := p.resolveWindow(identity.WindowUnspecified)
		value := fmt.Sprintf("%s:%s:%s", id.UserID, requestedModel, window.Tag())
		out = append(out, Descriptor{
			SubjectKey:    identity.DimensionModelPerKey,
			SubjectValue:  value,
			Window:        window,
			RequestsLimit: limits.RequestsLimit,
			TokensLimit:   limits.TokensLimit,
			ParallelLimit: limits.ParallelLimit,
		})
	}
	return out
}

// GroupByWindow buckets descriptors by window size and returns the buckets
// in ascending (tightest-first) order, matching the Admission Controller's
// short-circuit ordering requirement.
func GroupByWindow(descriptors []Descriptor) []WindowBucket {
	index := make(map[identity.WindowSize]int, len(identity.OrderedWindowSizes))
	buckets := make([]WindowBucket, 0, len(identity.OrderedWindowSizes))

	for _, d := range descriptors {
		i, ok := index[d.Window]
		if !ok {
			buckets = append(buckets, WindowBucket{Window: d.Window})
			i = len(buckets) - 1
			index[d.Window] = i
		}
		buckets[i].Descriptors = append(buckets[i].Descriptors, d)
	}

	// Stable ascending sort by window size (insertion sort: bucket count is
	// at most 6 — the five standard sizes plus a non-standard default window —
	// so a full sort package import would be overkill here).
	for i := 1; i < len(buckets); i++ {
		for j := i; j > 0 && buckets[j].Window < buckets[j-1].Window; j-- {
			buckets[j], buckets[j-1] = buckets[j-1], buckets[j]
		}
	}

	return buckets
}

// WindowBucket groups every descriptor that shares a window size.
type WindowBucket struct {
	Window      identity.WindowSize
	Descriptors []Descriptor
}
