// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrDefinitionNotFound indicates no workflow definition matches the identifier.
	ErrDefinitionNotFound = errors.New("workflow definition not found")

	// ErrDefinitionExists indicates a definition with the same name and version already exists.
	ErrDefinitionExists = errors.New("workflow definition already exists")

	// ErrInstanceNotFound indicates no workflow instance matches the identifier.
	ErrInstanceNotFound = errors.New("workflow instance not found")

	// ErrInstanceExists indicates an instance with the same external ID already
	// exists, usually because two engines raced the same start request.
	ErrInstanceExists = errors.New("workflow instance already exists")

	// ErrNodeInstanceNotFound indicates no node instance matches the identifier.
	ErrNodeInstanceNotFound = errors.New("node instance not found")

	// ErrNodeInstanceExists indicates the node instance was already created for
	// this instance and node id.
	ErrNodeInstanceExists = errors.New("node instance already exists")

	// ErrInvalidStatus indicates a status value outside the model's lifecycle.
	ErrInvalidStatus = errors.New("invalid status")
)

// DefinitionError wraps definition-related errors with operation context.
type DefinitionError struct {
	Op           string // Operation being performed (e.g., "GetByID", "Activate")
	DefinitionID string
	Name         string // Definition name for name-scoped operations
	Err          error
}

func (e *DefinitionError) Error() string {
	target := e.DefinitionID
	if target == "" {
		target = fmt.Sprintf("name %s", e.Name)
	}

	return fmt.Sprintf("%s operation failed for definition %s: %v", e.Op, target, e.Err)
}

func (e *DefinitionError) Unwrap() error {
	return e.Err
}

func (e *DefinitionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewDefinitionError creates a new definition error with context.
func NewDefinitionError(op, definitionID string, err error) *DefinitionError {
	return &DefinitionError{
		Op:           op,
		DefinitionID: definitionID,
		Err:          err,
	}
}

// InstanceError wraps instance-related errors with operation context.
type InstanceError struct {
	Op         string
	InstanceID int64
	Err        error
}

func (e *InstanceError) Error() string {
	return fmt.Sprintf("%s operation failed for instance %d: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewInstanceError creates a new instance error with context.
func NewInstanceError(op string, instanceID int64, err error) *InstanceError {
	return &InstanceError{
		Op:         op,
		InstanceID: instanceID,
		Err:        err,
	}
}

// NodeInstanceError wraps node-instance errors with operation context.
type NodeInstanceError struct {
	Op         string
	InstanceID int64
	NodeID     string
	Err        error
}

func (e *NodeInstanceError) Error() string {
	return fmt.Sprintf("%s operation failed for node %s in instance %d: %v", e.Op, e.NodeID, e.InstanceID, e.Err)
}

func (e *NodeInstanceError) Unwrap() error {
	return e.Err
}

func (e *NodeInstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsDefinitionNotFound checks if an error indicates a missing definition.
func IsDefinitionNotFound(err error) bool {
	return errors.Is(err, ErrDefinitionNotFound)
}

// IsInstanceNotFound checks if an error indicates a missing instance.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsNodeInstanceNotFound checks if an error indicates a missing node instance.
func IsNodeInstanceNotFound(err error) bool {
	return errors.Is(err, ErrNodeInstanceNotFound)
}
