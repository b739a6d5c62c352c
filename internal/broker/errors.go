package broker

import (
	"errors"
	"fmt"
)

// Sentinel errors for broker outcomes. Callers match them with errors.Is.
var (
	// ErrNotFound means the key or alias does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDenied covers unauthorized relay nodes.
	ErrDenied = errors.New("denied")

	// ErrPaused means the key is paused by balance or expiry and may recover.
	ErrPaused = errors.New("paused")

	// ErrDisabled means an operator disabled the key.
	ErrDisabled = errors.New("disabled")

	// ErrNoCapacity means port or session limits are reached; clients should
	// back off and retry.
	ErrNoCapacity = errors.New("no capacity")

	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConflict         = errors.New("conflict")
	ErrInvalid          = errors.New("invalid request")
)

// LeaseError carries the key, the failed operation and the human-readable
// reason alongside the sentinel it wraps. Message is the key's custom
// blocking message, if any.
type LeaseError struct {
	Key     string
	Op      string
	Reason  string
	Message string
	Err     error
}

func (e *LeaseError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("key %s: %s: %v (%s)", e.Key, e.Op, e.Err, e.Reason)
	}
	return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Reason)
}

func (e *LeaseError) Unwrap() error {
	return e.Err
}
