package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for the orchestrator's error taxonomy. Callers use errors.Is /
// errors.As to recover the kind; wrapped errors carry the offending detail.
var (
	// ErrInvalidTransition is returned by CardStore.move when the column
	// graph would be violated.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrMissingSpec is returned when a stage other than /plan runs on a
	// card with no spec_path.
	ErrMissingSpec = errors.New("missing spec path")

	// ErrWorktreeLimit is returned by WorktreeManager.create when the
	// concurrent-worktree budget is exhausted.
	ErrWorktreeLimit = errors.New("worktree budget exhausted")

	// ErrWorktreeVCSFail wraps an underlying VCS command failure.
	ErrWorktreeVCSFail = errors.New("worktree vcs command failed")

	// ErrBudgetExceeded is returned when UsageBudget reports is_safe=false.
	ErrBudgetExceeded = errors.New("usage budget exceeded")

	// ErrAgentError wraps a terminal Error event from the AgentAdapter.
	ErrAgentError = errors.New("agent error")

	// ErrTestFailure marks a heuristically-detected failing test stage.
	ErrTestFailure = errors.New("test failure detected")

	// ErrCancelled marks an execution stopped by a cancellation signal.
	ErrCancelled = errors.New("cancelled")

	// ErrStoreConflict marks a serialization clash at any store; callers
	// retry once transparently before surfacing it.
	ErrStoreConflict = errors.New("store conflict")
)

// InvalidTransitionError carries the offending from/to columns and the
// legal destinations, so HTTP handlers can render the
// "Invalid transition from 'X' to 'Y'. Allowed: [...]" message.
type InvalidTransitionError struct {
	From    Column
	To      Column
	Allowed []Column
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("Invalid transition from '%s' to '%s'. Allowed: %v", e.From, e.To, e.Allowed)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// NewInvalidTransitionError builds the typed error for an illegal move.
func NewInvalidTransitionError(from, to Column) error {
	return &InvalidTransitionError{From: from, To: to, Allowed: AllowedTransitions(from)}
}

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err is (or wraps) a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
