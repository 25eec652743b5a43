package workflow

import (
	"errors"
	"fmt"

	"github.com/nornlabs/norn/pkg/models"
)

var (
	// ErrLockNotAcquired signals that another engine holds the instance
	// lease. It is an expected outcome of concurrent engines, not a failure;
	// callers abandon the attempt and leave the instance to its owner.
	ErrLockNotAcquired = errors.New("execution lock not acquired")

	// ErrInstanceNotRunning signals that a status re-read observed an
	// externally set terminal or paused status mid-execution. The engine
	// stops cleanly; whoever set the status already recorded why.
	ErrInstanceNotRunning = errors.New("instance is no longer running")
)

// ConflictKind classifies which uniqueness rule a start request violated.
type ConflictKind string

const (
	ConflictKindMutex       ConflictKind = "mutex"
	ConflictKindBusinessKey ConflictKind = "business_key"
	ConflictKindExternalID  ConflictKind = "external_id"
)

// ConflictError reports that starting an instance would violate an
// exclusivity rule. It carries the conflicting instance so callers can
// inspect or surface the winner; two logical runs are never merged silently.
type ConflictError struct {
	Kind        ConflictKind
	Key         string
	Conflicting *models.WorkflowInstance
}

func (e *ConflictError) Error() string {
	if e.Conflicting != nil {
		return fmt.Sprintf("%s conflict on %q: instance %d already holds it", e.Kind, e.Key, e.Conflicting.ID)
	}

	return fmt.Sprintf("%s conflict on %q", e.Kind, e.Key)
}

// IsConflict reports whether err is a start-request conflict and returns the
// typed error when it is.
func IsConflict(err error) (*ConflictError, bool) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}

	return nil, false
}

// IsLockContention reports whether err means another engine owns the lease.
func IsLockContention(err error) bool {
	return errors.Is(err, ErrLockNotAcquired)
}

// ValidationError reports a definition, graph, or node configuration problem
// detected before any instance state exists.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}

	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a validation error for a named field.
func NewValidationError(field, message string, err error) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Err:     err,
	}
}
