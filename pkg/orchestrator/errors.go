package orchestrator

import (
	"errors"
	"strings"
)

var (
	// ErrAlreadyRegistered is returned by Submit when the campaign id is
	// already live or already present in the store.
	ErrAlreadyRegistered = errors.New("campaign already registered")

	// ErrNotFound is returned when no campaign matches the given reference.
	ErrNotFound = errors.New("campaign not found")
)

// ValidationError rejects a submitted campaign. Problems lists every issue
// found, one string per problem, so clients can fix all of them in one pass.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid campaign: " + strings.Join(e.Problems, "; ")
}

// NewValidationError creates a validation error from the collected problems.
func NewValidationError(problems []string) error {
	return &ValidationError{Problems: problems}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
