package protocol

import "errors"

// Sentinel failures shared across the relay, client, task, and loop layers.
// The wire carries only the message string; MapErrorMessage recovers the
// sentinel on the far side so errors.Is keeps working end to end.
var (
	// ErrUpstreamUnavailable means no extension connection existed when a
	// command needed forwarding. Callers fail fast; nothing is queued.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrTimeout means the correlator deadline elapsed before a reply.
	ErrTimeout = errors.New("call timed out")

	// ErrElementNotFound means a selector (or target id) matched nothing.
	ErrElementNotFound = errors.New("element not found")

	// ErrAssertionFailed means an assert step did not produce literal true.
	ErrAssertionFailed = errors.New("assertion failed")

	// ErrDuplicateClient means a downstream client id is already registered.
	ErrDuplicateClient = errors.New("duplicate client id")

	// ErrIO means a local file write failed (screenshot paths, mostly).
	// Unlike the others it never crosses the wire.
	ErrIO = errors.New("file write failed")
)

// RemoteError preserves an upstream-reported failure message verbatim.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// MapErrorMessage converts a wire error message back into the matching
// sentinel, or wraps it as a RemoteError when it is not one of ours.
func MapErrorMessage(msg string) error {
	for _, sentinel := range []error{
		ErrUpstreamUnavailable,
		ErrTimeout,
		ErrElementNotFound,
		ErrAssertionFailed,
		ErrDuplicateClient,
	} {
		if msg == sentinel.Error() {
			return sentinel
		}
	}
	return &RemoteError{Message: msg}
}
