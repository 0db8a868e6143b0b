package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a thread, message, user or group does not
	// exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when the caller is not a participant of the
	// thread or a member of the group.
	ErrForbidden = errors.New("forbidden")
	// ErrConflict is returned by a Store when a uniqueness constraint rejects
	// a write.
	ErrConflict = errors.New("conflict")
	// ErrTransient marks network and store timeouts. Callers may retry.
	ErrTransient = errors.New("transient failure")
)

// A ValidationError reports a request that can never succeed as sent.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// Invalid returns a *ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Transient wraps err so that errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}
