package effects

import "errors"

var (
	// ErrEffectTimeout is returned for a single attempt that exceeded its bound.
	ErrEffectTimeout = errors.New("effect attempt timed out")
	// ErrEffectFailed is returned once an effect can no longer be retried.
	ErrEffectFailed = errors.New("effect failed")
	// ErrMissingEffect is returned for an effect with no implementation.
	ErrMissingEffect = errors.New("no implementation for effect")
)

// permanentError marks an error that retrying cannot fix, such as a declined
// card.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent returns true from IsPermanent checks.
func (e *permanentError) Permanent() bool { return true }

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error in its chain, must not be
// retried.
func IsPermanent(err error) bool {
	var target interface{ Permanent() bool }
	if errors.As(err, &target) {
		return target.Permanent()
	}
	return false
}
