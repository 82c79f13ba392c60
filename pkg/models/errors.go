package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable marks a transient failure; the mutation is queued and retried.
	ErrNetworkUnavailable = errors.New("network unavailable")

	ErrUnknownAction      = errors.New("unknown action")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrRecordNotFound     = errors.New("queue record not found")
	ErrConflictNotFound   = errors.New("conflict not found")
	ErrConflictResolved   = errors.New("conflict already resolved")
	ErrUnknownStrategy    = errors.New("unknown resolution strategy")
	ErrCustomDataRequired = errors.New("custom strategy requires resolution data")
	ErrNoServerSnapshot   = errors.New("conflict has no server snapshot")
)

// NetworkError wraps a transport-level failure or a retryable server status.
type NetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: server returned %d: %v", e.Op, e.Status, ErrNetworkUnavailable)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrNetworkUnavailable, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNetworkUnavailable}
	}
	return []error{ErrNetworkUnavailable, e.Err}
}

// ConflictError reports a server-side version mismatch. Server holds the
// server's current snapshot of the entity, when it sent one.
type ConflictError struct {
	EntityID string
	Server   Snapshot
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on entity %s", e.EntityID)
}

// ValidationError means the server rejected the payload. Retrying the same
// payload cannot succeed.
type ValidationError struct {
	Status  int
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed (%d): %s", e.Status, e.Message)
}

// StorageError wraps a failure of the local persistence medium.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient failure worth queuing.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}
