package models

import (
	"encoding/json"
	"time"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"   // Created, not yet picked up by an engine
	InstanceStatusRunning   InstanceStatus = "running"   // An engine drives it, or died driving it
	InstanceStatusPaused    InstanceStatus = "paused"    // Suspended, resumable
	InstanceStatusCompleted InstanceStatus = "completed" // Terminal success
	InstanceStatusFailed    InstanceStatus = "failed"    // Terminal failure, carries error + failed node
	InstanceStatusCancelled InstanceStatus = "cancelled" // Terminal, stopped externally
)

// IsTerminal reports whether no further execution may happen.
func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed || s == InstanceStatusCancelled
}

// NonTerminalInstanceStatuses lists the statuses an instance can still make
// progress from. The mutex-key exclusivity check scans exactly this set.
var NonTerminalInstanceStatuses = []InstanceStatus{
	InstanceStatusPending,
	InstanceStatusRunning,
	InstanceStatusPaused,
}

// WorkflowInstance is one execution of a workflow definition.
type WorkflowInstance struct {
	ID              int64           `json:"id"`
	DefinitionID    string          `json:"definition_id" validate:"required"`
	ExternalID      string          `json:"external_id"`            // Caller-supplied idempotency key
	BusinessKey     string          `json:"business_key,omitempty"` // Domain uniqueness key
	MutexKey        string          `json:"mutex_key,omitempty"`    // Coarse-grained exclusivity key
	Status          InstanceStatus  `json:"status"`
	CurrentNodeID   string          `json:"current_node_id,omitempty"`
	CheckpointData  json.RawMessage `json:"checkpoint_data,omitempty"` // Opaque resumption state
	Variables       map[string]any  `json:"variables,omitempty"`
	EngineID        string          `json:"engine_id,omitempty"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	ErrorDetails    json.RawMessage `json:"error_details,omitempty"`
	FailedNodeID    string          `json:"failed_node_id,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the instance reached a final status.
func (i *WorkflowInstance) IsTerminal() bool {
	return i.Status.IsTerminal()
}

// IsInterrupted reports whether the instance looks abandoned: paused, or
// running with a heartbeat older than the staleness threshold. Interrupted
// instances are what the recovery sweep resumes.
func (i *WorkflowInstance) IsInterrupted(staleAfter time.Duration, now time.Time) bool {
	switch i.Status {
	case InstanceStatusPaused:
		return true
	case InstanceStatusRunning:
		if i.LastHeartbeatAt == nil {
			return true
		}

		return now.Sub(*i.LastHeartbeatAt) > staleAfter
	default:
		return false
	}
}
