package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrConflict           = errors.New("conflict")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalid            = errors.New("invalid input")
	ErrNoMatchingPlatform = errors.New("slave matched no target platform")
	ErrInvalidRecipe      = errors.New("invalid recipe")
)

// ErrInvalidRevision is returned for revisions that are not non-negative integers.
type ErrInvalidRevision struct {
	Rev string
}

func (e ErrInvalidRevision) Error() string {
	return fmt.Sprintf("invalid revision %q", e.Rev)
}

// Unwrap lets callers match the revision error as ErrInvalid.
func (e ErrInvalidRevision) Unwrap() error {
	return ErrInvalid
}

// FieldError is a validation failure attached to a single input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects field errors for one save operation.
type ValidationError struct {
	Fields []FieldError `json:"fields"`
}

// Add records a field failure.
func (v *ValidationError) Add(field, format string, args ...interface{}) {
	v.Fields = append(v.Fields, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Has reports whether the named field failed.
func (v *ValidationError) Has(field string) bool {
	for _, f := range v.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

// OrNil returns nil when nothing was recorded, so callers can `return v.OrNil()`.
func (v *ValidationError) OrNil() error {
	if v == nil || len(v.Fields) == 0 {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	parts := make([]string, 0, len(v.Fields))
	for _, f := range v.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Unwrap lets callers match validation failures as ErrInvalid.
func (v *ValidationError) Unwrap() error {
	return ErrInvalid
}

// UserError wraps errors with operator-facing messages.
type UserError struct {
	Message string
	Hint    string
	Err     error
}

func (e *UserError) Error() string {
	msg := e.Message
	if e.Hint != "" {
		msg += "\n\nHint: " + e.Hint
	}
	if e.Err != nil {
		msg += fmt.Sprintf("\n\nDetails: %v", e.Err)
	}
	return msg
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// WrapError converts dispatch and protocol errors to operator-facing messages.
// Validation errors are returned unchanged since they already carry field messages.
func WrapError(err error) error {
	if err == nil {
		return nil
	}

	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}

	if errors.Is(err, ErrNoMatchingPlatform) {
		return &UserError{
			Message: "Slave rejected",
			Hint:    "None of the target platforms matched the properties reported by this slave.\n  Check the platform rules of the active build configurations.",
			Err:     err,
		}
	}

	if errors.Is(err, ErrInvalidRecipe) {
		return &UserError{
			Message: "Invalid recipe",
			Hint:    "Fix the recipe of the build configuration; the build has been marked as failed.",
			Err:     err,
		}
	}

	if errors.Is(err, ErrForbidden) {
		return &UserError{
			Message: "Build is not owned by this slave",
			Hint:    "The build may have been invalidated, cancelled, or reclaimed after a timeout.",
			Err:     err,
		}
	}

	return err
}
