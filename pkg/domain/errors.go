package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors matched via errors.Is against the typed errors below.
var (
	ErrConflict = errors.New("conflict")
	ErrNotFound = errors.New("not found")
	ErrCommit   = errors.New("commit failed")
	// ErrNegativeSampleCount is returned when a counter adjustment would drop below zero.
	ErrNegativeSampleCount = errors.New("sample count cannot go below zero")
)

// ConflictError reports that an identifier is already in use. It is always
// returned before any write is applied.
type ConflictError struct {
	Entity EntityType
	Field  string
	Value  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s %q already exists", e.Entity, e.Field, e.Value)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NotFoundError reports a referenced batch or sample that does not exist.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// CommitFailure reports that an atomic multi-record write did not apply. The
// store state is unchanged when this error is returned.
type CommitFailure struct {
	Operation string
	Err       error
}

func (e *CommitFailure) Error() string {
	return fmt.Sprintf("%s: commit failed: %v", e.Operation, e.Err)
}

func (e *CommitFailure) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrCommit) match.
func (e *CommitFailure) Is(target error) bool { return target == ErrCommit }

// CounterDriftWarning is a non-fatal report that a batch counter could not be
// maintained, e.g. a sample deletion referencing a batch that no longer exists.
type CounterDriftWarning struct {
	BatchID  string
	SampleID string
	Reason   string
}

func (w *CounterDriftWarning) Error() string {
	return fmt.Sprintf("batch %s counter drift (sample %s): %s", w.BatchID, w.SampleID, w.Reason)
}

// StateError reports an operation or transition that the record's current
// lifecycle state does not allow. Op names a refused operation; otherwise To
// names the refused target state.
type StateError struct {
	Entity EntityType
	ID     string
	From   string
	To     string
	Op     string
}

func (e *StateError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s %s is %s: cannot %s", e.Entity, e.ID, e.From, e.Op)
	}
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// ValidationError reports missing or malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// IsConflict reports whether err carries a ConflictError.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports whether err carries a NotFoundError.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
