package app

import "errors"

var (
	// ErrUnauthenticated indicates no caller identity where one is required.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidArgument indicates malformed filter/pagination/creation input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound indicates a single-row fetch that required existence found no row.
	ErrNotFound = errors.New("not found")
	// ErrQuotaExceeded indicates the caller's plan does not allow another companion.
	ErrQuotaExceeded = errors.New("companion quota exceeded")
)

// StoreError wraps a remote store failure, preserving the driver's
// message verbatim for diagnostics.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}
