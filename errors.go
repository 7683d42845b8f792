package openmon

import (
	"errors"
	"fmt"
)

var (
	// ErrNilError is returned when a nil error is handed to an operation
	// that records or labels it.
	ErrNilError = errors.New("openmon: nil error value")

	// ErrInvalidConfig indicates a constructor received an unusable setting.
	ErrInvalidConfig = errors.New("openmon: invalid configuration")

	// ErrNotInitialized is returned by the package-level functions before Init.
	ErrNotInitialized = errors.New("openmon: monitor system not initialized")
)

// PanicError carries a value recovered from a panic inside Track so it can be
// recorded and labeled like any other error.
type PanicError struct {
	Value any
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
