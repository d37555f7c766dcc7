package app

import "errors"

// Process exit codes.
const (
	CodeOK       = 0
	CodeConfig   = 1 // configuration error
	CodeAuth     = 2 // authorization failure
	CodeUpstream = 3 // camera unreachable at startup in stream mode
)

// ExitError carries the process exit code alongside the failure.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }

// Exit wraps err with an exit code.
func Exit(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// CodeOf maps an error to its process exit code. Unclassified errors exit
// with the generic configuration code.
func CodeOf(err error) int {
	if err == nil {
		return CodeOK
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return CodeConfig
}
