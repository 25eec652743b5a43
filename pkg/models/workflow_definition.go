// Package models defines the core domain models for hierarchical workflow
// execution: definitions, instances, node instances, and execution leases.
package models

import (
	"errors"
	"time"
)

// DefinitionStatus represents the lifecycle state of a workflow definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft      DefinitionStatus = "draft"      // Editable, not executable
	DefinitionStatusActive     DefinitionStatus = "active"     // Current version, executable
	DefinitionStatusDeprecated DefinitionStatus = "deprecated" // Superseded, running instances may finish
	DefinitionStatusArchived   DefinitionStatus = "archived"   // Retired, not executable
)

// WorkflowDefinition is a versioned template describing a node graph and its
// execution policy. Multiple versions of one name may coexist; at most one of
// them is active at a time.
type WorkflowDefinition struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"        validate:"required,min=3"`
	Version           string           `json:"version"     validate:"required"`
	Description       string           `json:"description"`
	Category          string           `json:"category"`
	Tags              []string         `json:"tags,omitempty"`
	Definition        *WorkflowGraph   `json:"definition"  validate:"required"`
	Status            DefinitionStatus `json:"status"      validate:"required"`
	TimeoutSeconds    int              `json:"timeout_seconds"` // Whole-workflow deadline, 0 disables
	MaxRetries        int              `json:"max_retries"`     // Default per-node retry budget
	RetryDelaySeconds int              `json:"retry_delay_seconds"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// IsExecutable reports whether new instances may be started from this
// definition.
func (d *WorkflowDefinition) IsExecutable() bool {
	return d.Status == DefinitionStatusActive
}

// RetryPolicyFor resolves the effective retry policy for a node, preferring
// the node's override over the definition defaults.
func (d *WorkflowDefinition) RetryPolicyFor(node *NodeDefinition) (int, time.Duration) {
	maxRetries := d.MaxRetries
	if node.MaxRetries != nil {
		maxRetries = *node.MaxRetries
	}

	delaySeconds := d.RetryDelaySeconds
	if node.RetryDelaySeconds != nil {
		delaySeconds = *node.RetryDelaySeconds
	}

	return maxRetries, time.Duration(delaySeconds) * time.Second
}

// Deadline returns the absolute workflow deadline for an instance started at
// the given time, and whether one applies.
func (d *WorkflowDefinition) Deadline(startedAt time.Time) (time.Time, bool) {
	if d.TimeoutSeconds <= 0 {
		return time.Time{}, false
	}

	return startedAt.Add(time.Duration(d.TimeoutSeconds) * time.Second), true
}

// Validate checks definition-level fields and the embedded graph.
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return errors.New("definition name is required")
	}

	if d.Version == "" {
		return errors.New("definition version is required")
	}

	if d.Definition == nil {
		return errors.New("definition has no node graph")
	}

	return d.Definition.Validate()
}
