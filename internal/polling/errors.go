package polling

import "errors"

// transientError marks a failure the Manager may retry: network timeouts,
// rate-limit responses, 5xx. Anything not marked transient surfaces to the
// caller immediately.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the Manager treats it as retryable.
// A nil err returns nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether any error in err's chain was marked Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}
