package store

import "errors"

// ErrScriptResultShape is returned when a remote script's result does not
// match the shape the caller expected, e.g. after a deployment mismatch
// between the compiled script and the client.
var ErrScriptResultShape = errors.New("store: unexpected script result shape")

// ErrRemoteUnavailable marks operations that could not reach the remote
// tier. The CounterStore never returns or logs it: a remote error is logged
// as the client reported it and the operation falls through to the local
// tier instead (§7 error policy).
var ErrRemoteUnavailable = errors.New("store: remote tier unavailable")
