package subscription

import "errors"

var (
	ErrInvalidSubscription = errors.New("invalid subscription")
	ErrInvalidAmount       = errors.New("charge amount must not be negative")
	// ErrInvariantViolation means a transition would break a state invariant.
	// It always indicates a bug in the caller or a corrupted history.
	ErrInvariantViolation = errors.New("invariant violation")
	ErrUnexpectedEvent    = errors.New("unexpected event")
	ErrUnknownEvent       = errors.New("unknown event type")
	ErrMalformedEvent     = errors.New("malformed event payload")
	ErrInstanceClosed     = errors.New("instance is closed")
)
