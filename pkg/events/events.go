// Package events defines event types and structures for workflow lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/nornlabs/norn/pkg/models"
)

type EventType string

// Kafka topic carrying all lifecycle events.
const Topic = "norn.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Workflow lifecycle events.
	WorkflowStartedEvent   EventType = "workflow.started"
	WorkflowCompletedEvent EventType = "workflow.completed"
	WorkflowFailedEvent    EventType = "workflow.failed"
	WorkflowCancelledEvent EventType = "workflow.cancelled"
	WorkflowPausedEvent    EventType = "workflow.paused"
	WorkflowResumedEvent   EventType = "workflow.resumed"

	// Node lifecycle events.
	NodeStartedEvent   EventType = "node.started"
	NodeCompletedEvent EventType = "node.completed"
	NodeFailedEvent    EventType = "node.failed"
	NodeRetryingEvent  EventType = "node.retrying"

	// Engine maintenance events.
	RecoveryPerformedEvent EventType = "engine.recovery.performed"
)

type BaseEvent struct {
	ID           string         `json:"id"`
	Type         EventType      `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	InstanceID   int64          `json:"instance_id,omitempty"`
	DefinitionID string         `json:"definition_id,omitempty"`
	EngineID     string         `json:"engine_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, instanceID int64, definitionID string) BaseEvent {
	return BaseEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		InstanceID:   instanceID,
		DefinitionID: definitionID,
		Metadata:     make(map[string]any),
	}
}

// Workflow lifecycle events

type WorkflowStarted struct {
	BaseEvent

	ExternalID  string         `json:"external_id"`
	BusinessKey string         `json:"business_key,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
}

func (w WorkflowStarted) GetType() EventType {
	return WorkflowStartedEvent
}

type WorkflowCompleted struct {
	BaseEvent

	ExternalID    string `json:"external_id"`
	DurationMs    int64  `json:"duration_ms"`
	NodesExecuted int    `json:"nodes_executed"`
}

func (w WorkflowCompleted) GetType() EventType {
	return WorkflowCompletedEvent
}

type WorkflowFailed struct {
	BaseEvent

	ExternalID string        `json:"external_id"`
	Error      WorkflowError `json:"error"`
	DurationMs int64         `json:"duration_ms"`
}

// WorkflowError carries the failure origin along with the message.
type WorkflowError struct {
	NodeID  string         `json:"node_id,omitempty"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (w WorkflowFailed) GetType() EventType {
	return WorkflowFailedEvent
}

type WorkflowCancelled struct {
	BaseEvent

	ExternalID  string `json:"external_id"`
	Reason      string `json:"reason,omitempty"`
	CancelledBy string `json:"cancelled_by,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

func (w WorkflowCancelled) GetType() EventType {
	return WorkflowCancelledEvent
}

// WorkflowPaused marks an instance parked mid-run, either by a graceful
// shutdown or an operator.
type WorkflowPaused struct {
	BaseEvent

	ExternalID   string `json:"external_id"`
	PausedAtNode string `json:"paused_at_node,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

func (w WorkflowPaused) GetType() EventType {
	return WorkflowPausedEvent
}

type WorkflowResumed struct {
	BaseEvent

	ExternalID    string `json:"external_id"`
	ResumedAtNode string `json:"resumed_at_node,omitempty"`
}

func (w WorkflowResumed) GetType() EventType {
	return WorkflowResumedEvent
}

// Node lifecycle events

type NodeStarted struct {
	BaseEvent

	NodeID   string          `json:"node_id"`
	NodeType models.NodeType `json:"node_type"`
	Attempt  int             `json:"attempt"`
}

func (n NodeStarted) GetType() EventType {
	return NodeStartedEvent
}

type NodeCompleted struct {
	BaseEvent

	NodeID     string          `json:"node_id"`
	NodeType   models.NodeType `json:"node_type"`
	DurationMs int64           `json:"duration_ms"`
	OutputData map[string]any  `json:"output_data,omitempty"`
}

func (n NodeCompleted) GetType() EventType {
	return NodeCompletedEvent
}

type NodeFailed struct {
	BaseEvent

	NodeID     string          `json:"node_id"`
	NodeType   models.NodeType `json:"node_type"`
	Error      string          `json:"error"`
	Attempt    int             `json:"attempt"`
	Permanent  bool            `json:"permanent,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

func (n NodeFailed) GetType() EventType {
	return NodeFailedEvent
}

// NodeRetrying is published between a failed attempt and the next one.
type NodeRetrying struct {
	BaseEvent

	NodeID      string `json:"node_id"`
	Attempt     int    `json:"attempt"`
	NextDelayMs int64  `json:"next_delay_ms"`
	Error       string `json:"error"`
}

func (n NodeRetrying) GetType() EventType {
	return NodeRetryingEvent
}

// Engine maintenance events

// RecoveryPerformed summarizes one recovery sweep: how many interrupted
// instances were requeued and how many expired leases were removed.
type RecoveryPerformed struct {
	BaseEvent

	InstancesRecovered int   `json:"instances_recovered"`
	LocksCleaned       int64 `json:"locks_cleaned"`
}

func (r RecoveryPerformed) GetType() EventType {
	return RecoveryPerformedEvent
}
