package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is matched by TimeoutError.
	ErrTimeout = errors.New("session operation timed out")

	// ErrInUse is matched by InUseError.
	ErrInUse = errors.New("session already in use")

	// ErrUnavailable is returned when the session is not in a usable state.
	ErrUnavailable = errors.New("session unavailable")

	// ErrConnectionLost may be returned by operations whose remote browser
	// connection dropped. It degrades health more than other failures.
	ErrConnectionLost = errors.New("session connection lost")

	// ErrBlocked may be returned by operations the target site refused.
	ErrBlocked = errors.New("blocked by target site")
)

// TimeoutError is returned when an operation exceeds its time bound.
type TimeoutError struct {
	SessionID string
	Platform  string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("session %s (%s): operation exceeded %s", e.SessionID, e.Platform, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// InUseError is returned when a session is borrowed by two operations at
// once. It indicates a caller bug.
type InUseError struct {
	SessionID string
}

func (e *InUseError) Error() string {
	return fmt.Sprintf("session %s is already in use", e.SessionID)
}

func (e *InUseError) Is(target error) bool {
	return target == ErrInUse
}
