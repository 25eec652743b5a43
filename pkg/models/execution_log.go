package models

import (
	"encoding/json"
	"time"
)

// ExecutionLogEntry is one append-only audit record of engine activity. The
// log is write-only from the engine's perspective.
type ExecutionLogEntry struct {
	ID                 int64           `json:"id"`
	WorkflowInstanceID int64           `json:"workflow_instance_id"`
	NodeInstanceID     *int64          `json:"node_instance_id,omitempty"`
	NodeID             string          `json:"node_id,omitempty"`
	Level              string          `json:"level"`
	Event              string          `json:"event"`
	Message            string          `json:"message"`
	Details            json.RawMessage `json:"details,omitempty"`
	EngineID           string          `json:"engine_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
}
