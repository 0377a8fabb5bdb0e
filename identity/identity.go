// Package identity holds the data the rate-limiting core receives about an
// already-authenticated caller. Authentication itself happens upstream; this
// package only carries the resolved identity and its quota configuration.
package identity

// Dimension names one axis a request can be rate limited along.
type Dimension string

const (
	// DimensionAPIKey limits by the caller's API key.
	DimensionAPIKey Dimension = "api_key"
	// DimensionUser limits by the authenticated user.
	DimensionUser Dimension = "user"
	// DimensionTeam limits by the user's team.
	DimensionTeam Dimension = "team"
	// DimensionEndUser limits by the end-user on whose behalf the key is used.
	DimensionEndUser Dimension = "end_user"
	// DimensionModelPerKey limits a (user, model) pair independently of the
	// key's overall limits.
	DimensionModelPerKey Dimension = "model_per_key"
)

// WindowSize is a fixed-window duration, expressed in seconds, as defined by
// the window-size constants table.
type WindowSize int64

const (
	WindowMinute WindowSize = 60
	WindowHour   WindowSize = 3_600
	WindowDay    WindowSize = 86_400
	WindowWeek   WindowSize = 604_800
	WindowMonth  WindowSize = 2_592_000
)

// WindowUnspecified marks a QuotaMap entry configured without an explicit
// window size. The Descriptor Planner resolves it to its own configured
// default window size rather than constructing a descriptor keyed on 0,
// mirroring the original implementation's window_size_default fallback.
const WindowUnspecified WindowSize = 0

// Tag returns the short name used in generated key suffixes (rpm, rph, ...).
func (w WindowSize) Tag() string {
	switch w {
	case WindowMinute:
		return "rpm"
	case WindowHour:
		return "rph"
	case WindowDay:
		return "rpd"
	case WindowWeek:
		return "rpw"
	case WindowMonth:
		return "rpmo"
	default:
		return "custom"
	}
}

// OrderedWindowSizes lists every window size the planner considers, in the
// tightest-first order the Admission Controller relies on to short-circuit.
var OrderedWindowSizes = []WindowSize{
	WindowMinute,
	WindowHour,
	WindowDay,
	WindowWeek,
	WindowMonth,
}

// orderedDimensions fixes the iteration order the planner walks dimensions
// in, so two instances given the same Identity always build the same
// descriptor list.
var orderedDimensions = []Dimension{
	DimensionAPIKey,
	DimensionUser,
	DimensionTeam,
	DimensionEndUser,
	DimensionModelPerKey,
}

// OrderedDimensions returns the dimensions in planning order.
func OrderedDimensions() []Dimension {
	out := make([]Dimension, len(orderedDimensions))
	copy(out, orderedDimensions)
	return out
}

// WindowLimits is the set of limits configured for one (subject, window)
// pair. Any field left nil means that particular counter kind is unbounded
// and no descriptor is generated for it.
type WindowLimits struct {
	RequestsLimit *int64
	TokensLimit   *int64
	ParallelLimit *int64
}

// IsEmpty reports whether none of the three limit kinds are configured, in
// which case the planner must skip the pair entirely.
func (l WindowLimits) IsEmpty() bool {
	return l.RequestsLimit == nil && l.TokensLimit == nil && l.ParallelLimit == nil
}

// QuotaMap maps (dimension, window size) to the limits configured for it.
// A dimension with no entries never generates descriptors.
type QuotaMap map[Dimension]map[WindowSize]WindowLimits

// Limits returns the limits configured for a dimension/window pair, and
// whether any were configured at all.
func (q QuotaMap) Limits(dim Dimension, window WindowSize) (WindowLimits, bool) {
	if q == nil {
		return WindowLimits{}, false
	}
	byWindow, ok := q[dim]
	if !ok {
		return WindowLimits{}, false
	}
	limits, ok := byWindow[window]
	if !ok || limits.IsEmpty() {
		return WindowLimits{}, false
	}
	return limits, true
}

// Identity is the authenticated caller handed to the core by its
// collaborator. Authentication itself is out of scope; the core only reads
// the fields below.
type Identity struct {
	APIKey    string
	UserID    string
	TeamID    string
	EndUserID string
	Quota     QuotaMap
}

// DimensionValue returns the identity value that addresses a given
// dimension, e.g. the API key string for DimensionAPIKey. DimensionModelPerKey
// has no single value here — the planner builds its subject value out of
// user id, model, and window tag instead.
func (id Identity) DimensionValue(dim Dimension) (string, bool) {
	switch dim {
	case DimensionAPIKey:
		return id.APIKey, id.APIKey != ""
	case DimensionUser:
		return id.UserID, id.UserID != ""
	case DimensionTeam:
		return id.TeamID, id.TeamID != ""
	case DimensionEndUser:
		return id.EndUserID, id.EndUserID != ""
	default:
		return "", false
	}
}
