// Package ratelimit implements the Admission Controller and Post-call
// Reconciler: the two components a gateway calls directly to admit or
// reject an inbound request and to reconcile its counters once the
// downstream call resolves.
package ratelimit

import "github.com/jassus213/llm-ratelimit-core/identity"

// Verdict is the overall outcome of an admission decision.
type Verdict string

const (
	// Admit means the request may proceed.
	Admit Verdict = "ADMIT"
	// Reject means the request must not proceed; Decision.RetryAfterSeconds
	// carries the caller's retry hint.
	Reject Verdict = "REJECT"
)

// CounterKind names which of a descriptor's three counters a status
// describes.
type CounterKind string

const (
	KindRequests CounterKind = "requests"
	KindTokens   CounterKind = "tokens"
	KindParallel CounterKind = "max_parallel_requests"
)

// LazyViolationMetadataKey is the metadata key the caller should attach to
// the request when lazy-rejection mode admits a request that would
// otherwise have been rejected.
const LazyViolationMetadataKey = "lazy_rate_limit_exception_for_parallel_request_limiter"

// DescriptorStatus reports the outcome for one evaluated descriptor,
// letting a caller identify exactly which dimension and window was
// violated rather than only the overall verdict.
type DescriptorStatus struct {
	DescriptorKey string
	SubjectKey    identity.Dimension
	Window        identity.WindowSize
	Kind          CounterKind
	CurrentLimit  int64
	Counter       int64
	Remaining     int64
	Exceeded      bool
}

// Decision is the result of Controller.Decide.
type Decision struct {
	Verdict  Verdict
	Statuses []DescriptorStatus

	// RetryAfterSeconds is set on Reject: the time remaining in the
	// tightest violated window. A tokens-limit violation has no tracked
	// window start, so for it this is the full window size instead.
	RetryAfterSeconds int64

	// LazyViolation and LazyViolationDetail are set when lazy-rejection
	// mode turned what would have been a Reject into an Admit carrying an
	// annotation instead.
	LazyViolation       bool
	LazyViolationDetail string

	// ParallelHeld reports whether a max_parallel_requests slot was
	// incremented and is now held for this request, awaiting release by
	// OnSuccess or OnFailure.
	ParallelHeld bool
}
