// Package errs defines the coordinator's error taxonomy. Each kind is
// a sentinel wrapped with errors.Is-compatible context, not a distinct
// type, so callers classify with errors.Is rather than type switches.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrPlacementRefused means an adapter declined a bot right now
	// (pool exhausted, platform over its active-count limit). Recovered
	// locally by the hybrid router; never surfaced to the caller.
	ErrPlacementRefused = errors.New("placement refused")

	// ErrPlacementFailed means an adapter attempted placement and the
	// backend call itself errored.
	ErrPlacementFailed = errors.New("placement failed")

	// ErrQueueTimeout means a wait deadline (pool-local or global) elapsed.
	ErrQueueTimeout = errors.New("queue timeout")

	// ErrValidation means invalid input: missing recording on DONE when
	// recording is enabled, unknown bot, or a bot not in a state that
	// permits the requested operation.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned both for genuinely missing rows and for
	// authorization failures (ownership mismatch), per 's
	// "AuthorizationError surfaced as not found" policy.
	ErrNotFound = errors.New("not found")

	// ErrBackendTransient is a network/rate-limit error talking to a
	// backend. Retried by the image-pull coordination path; logged-only
	// everywhere else. Never surfaced raw to an RPC caller.
	ErrBackendTransient = errors.New("backend transient error")
)

// Refusedf wraps ErrPlacementRefused with a reason.
func Refusedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPlacementRefused}, args...)...)
}

// Failedf wraps ErrPlacementFailed with a reason.
func Failedf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrPlacementFailed}, args...)...)
}

// Validationf wraps ErrValidation with a reason.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

// IsRefused reports whether err is (or wraps) a placement refusal.
func IsRefused(err error) bool { return errors.Is(err, ErrPlacementRefused) }

// IsFailed reports whether err is (or wraps) a placement failure.
func IsFailed(err error) bool { return errors.Is(err, ErrPlacementFailed) }
