package durable

import (
	"errors"

	"github.com/GoCodeAlone/subscriptions/store"
)

var (
	// ErrInstanceNotFound is returned for ids with no history, and for
	// signals addressed to a closed instance.
	ErrInstanceNotFound  = errors.New("instance not found")
	ErrDuplicateInstance = errors.New("instance already exists")
	// ErrInstanceBusy means another process holds the instance lock.
	ErrInstanceBusy = errors.New("instance is owned by another process")
	// ErrInstanceFailed is the result of an instance whose effect retries
	// were exhausted.
	ErrInstanceFailed = errors.New("instance failed")
	ErrRuntimeClosed  = errors.New("runtime closed")
)

// appendError marks a history append that failed in the store, as opposed to
// a transition the machine rejected.
type appendError struct{ err error }

func (e *appendError) Error() string { return e.err.Error() }
func (e *appendError) Unwrap() error { return e.err }

// retryable reports a failed append that may succeed when repeated. A taken
// sequence means another writer owns the history and is never retried.
func retryable(err error) bool {
	var ae *appendError
	return errors.As(err, &ae) && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrInvalidEvent)
}
