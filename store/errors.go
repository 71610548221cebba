package store

import "errors"

// Sentinel errors for store operations.
var (
	ErrConflict     = errors.New("conflict")
	ErrInvalidEvent = errors.New("invalid event")
)
