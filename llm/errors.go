package llm

import (
	"errors"
	"fmt"

	"github.com/LJN-sisi/feedback-agent/breaker"
)

// Error classification for model calls.

// TransientError marks a temporary failure (network, timeout, 5xx, rate
// limit) that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string { return e.err.Error() }
func (e *TransientError) Unwrap() error { return e.err }

// NewTransientError wraps an error as transient.
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError marks a permanent failure (auth, bad request) that must not
// be retried.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string { return e.err.Error() }
func (e *FatalError) Unwrap() error { return e.err }

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// BlockedError means the breaker refused admission. The decision carries
// the denial reason and the usage snapshot at decision time.
type BlockedError struct {
	Decision breaker.Decision
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("breaker-blocked: %s: %s", e.Decision.Reason, e.Decision.Message)
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// IsBlocked reports whether err is a breaker denial.
func IsBlocked(err error) bool {
	var blocked *BlockedError
	return errors.As(err, &blocked)
}

// AsBlocked extracts a BlockedError, if present.
func AsBlocked(err error) (*BlockedError, bool) {
	var blocked *BlockedError
	ok := errors.As(err, &blocked)
	return blocked, ok
}
