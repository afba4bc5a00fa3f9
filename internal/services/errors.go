package services

import (
	"errors"
	"fmt"
)

// ErrNotFound marks lookups of automations that do not exist.
var ErrNotFound = errors.New("automation not found")

// ValidationError reports a bad non-recurrence field in a CRUD request
// (recurrence fields get their own error type from the recurrence package).
// Raised synchronously, before any state change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Message)
}
