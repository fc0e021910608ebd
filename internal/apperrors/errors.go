// internal/apperrors/errors.go
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound signals that a file or manifest is absent on the remote
// (HTTP 404). It is expected and drives the delete-reconciliation path.
var ErrNotFound = errors.New("not found")

// RateLimitedError is returned when the remote API kept answering with a
// rate-limit response past the retry ceiling.
type RateLimitedError struct {
	Attempts  int
	ResetTime time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited after %d attempts (reset at %s)", e.Attempts, e.ResetTime.Format(time.RFC3339))
}

// TransientFetchError wraps a network or 5xx failure that persisted through
// all retries.
type TransientFetchError struct {
	Attempts int
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("fetch failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// MalformedManifestError signals a manifest that could not be decoded or
// parsed. Non-fatal to the sync run.
type MalformedManifestError struct {
	Reason string
	Err    error
}

func (e *MalformedManifestError) Error() string {
	return fmt.Sprintf("malformed manifest: %s", e.Reason)
}

func (e *MalformedManifestError) Unwrap() error { return e.Err }

// ConstraintViolationError wraps a database uniqueness conflict. It means an
// upsert would have silently overwritten a different row, so it is a hard
// failure for that repository's unit of work.
type ConstraintViolationError struct {
	Constraint string
	Err        error
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("uniqueness constraint violated: %s", e.Constraint)
}

func (e *ConstraintViolationError) Unwrap() error { return e.Err }
