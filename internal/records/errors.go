package records

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrObjectNotFound signals that the object store has no object at the key.
var ErrObjectNotFound = errors.New("object not found")

// ValidationError reports a malformed or incomplete record. It is never fatal to a batch.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransientError wraps a failure worth retrying (network blip, lock conflict, timeout).
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// InfrastructureError wraps a failure that makes the whole stage unable to proceed
// (no connection, authentication refused, missing schema or bucket).
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: infrastructure: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// Infrastructure wraps err as an InfrastructureError.
func Infrastructure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InfrastructureError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsTransient reports whether err is a TransientError.
func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

// IsInfrastructure reports whether err is an InfrastructureError.
func IsInfrastructure(err error) bool {
	var target *InfrastructureError
	return errors.As(err, &target)
}
