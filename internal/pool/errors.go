package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed pool.
	ErrClosed = errors.New("session pool closed")

	// ErrUnknownPlatform is returned for platforms missing from the
	// configured platform list.
	ErrUnknownPlatform = errors.New("unknown platform")

	// ErrRequestTimeout is matched by RequestTimeoutError.
	ErrRequestTimeout = errors.New("session request timed out")
)

// SessionCreationError is returned when the provider fails to create a
// session.
type SessionCreationError struct {
	Platform string
	Err      error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("create session for %s: %v", e.Platform, e.Err)
}

func (e *SessionCreationError) Unwrap() error {
	return e.Err
}

// RequestTimeoutError is returned when a queued request is not served
// within the queue timeout.
type RequestTimeoutError struct {
	Platform string
	Priority int
	Waited   time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("no %s session available after %s (priority %d)", e.Platform, e.Waited, e.Priority)
}

func (e *RequestTimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}
