package services

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the definition service, grouped by the kind of
// failure they signal.
var (
	// Not found.
	ErrDefinitionNotFound = errors.New("workflow definition not found")
	ErrNoActiveVersion    = errors.New("no active version for definition name")

	// Validation.
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidSortBy    = errors.New("invalid sort_by field")
	ErrInvalidSortOrder = errors.New("invalid sort_order, must be asc or desc")
	ErrInvalidStatus    = errors.New("invalid definition status")

	// Lifecycle conflicts.
	ErrNotDraft      = errors.New("definition is not a draft")
	ErrNotActive     = errors.New("definition is not active")
	ErrStillActive   = errors.New("definition is still active, deprecate it first")
	ErrArchived      = errors.New("definition is archived")
	ErrVersionExists = errors.New("definition version already exists")
)

// ServiceError wraps errors with operation context.
type ServiceError struct {
	Op      string // operation name
	Code    string // machine-readable error code
	Message string // human-readable message
	Err     error  // underlying error
}

func (e *ServiceError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}

func (e *ServiceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewValidationError creates a validation error with details.
func NewValidationError(op, code, message string, err error) *ServiceError {
	return &ServiceError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsValidationError checks if an error stems from a rejected request.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidSortBy) ||
		errors.Is(err, ErrInvalidSortOrder) ||
		errors.Is(err, ErrInvalidStatus)
}

// IsConflictError checks if an error stems from a lifecycle rule.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrNotDraft) ||
		errors.Is(err, ErrNotActive) ||
		errors.Is(err, ErrStillActive) ||
		errors.Is(err, ErrArchived) ||
		errors.Is(err, ErrVersionExists)
}

// IsNotFoundError checks if an error means the definition does not exist.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrNoActiveVersion)
}
