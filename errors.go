package ratelimit

import "errors"

// ErrExceeded is the sentinel a caller can match with errors.Is against any
// error value the package returns on the admission path. The package's own
// I/O paths never return it directly — Decide reports rejection through
// Decision.Verdict, not an error — but it is exported so a Logger or a
// wrapping Limiter-style adapter can signal the same condition consistently
// with the teacher's ErrorExceeded convention.
var ErrExceeded = errors.New("ratelimit: request rejected")

// ErrNoIdentitySubjects is logged (never returned to a caller of Decide)
// when an Identity carries no dimension with a configured limit at all —
// every descriptor was omitted and there was nothing to evaluate.
var ErrNoIdentitySubjects = errors.New("ratelimit: identity carries no rate-limited subject")
