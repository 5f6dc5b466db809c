package executor

import "errors"

// PermanentError marks a failure that retrying cannot fix: bad parameters,
// a rejected request, a path outside the sandbox.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so the pool fails the task without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is permanent.
// Every other execution error is transient, including timeouts.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
