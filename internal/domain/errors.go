package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a status move is not in the
// state machine's transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidationError rejects malformed inputs before any row is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
