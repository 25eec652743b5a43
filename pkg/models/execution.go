package models

import (
	"encoding/json"
	"log/slog"
)

// ExecutionContext carries the data and handles passed into one executor
// call. It is ephemeral and never persisted; the logger travels here so the
// core needs no process-wide logging singleton.
type ExecutionContext struct {
	InstanceID   int64           `json:"instance_id"`
	DefinitionID string          `json:"definition_id"`
	NodeID       string          `json:"node_id"`
	ExternalID   string          `json:"external_id,omitempty"`
	BusinessKey  string          `json:"business_key,omitempty"`
	Item         json.RawMessage `json:"item,omitempty"`       // Loop child element, nil otherwise
	Checkpoint   json.RawMessage `json:"checkpoint,omitempty"` // Instance checkpoint at call time
	Variables    map[string]any  `json:"variables,omitempty"`
	Logger       *slog.Logger    `json:"-"`
}

// ExecutionResult is the outcome of one executor call.
type ExecutionResult struct {
	Success      bool            `json:"success"`
	Data         map[string]any  `json:"data,omitempty"`
	Checkpoint   json.RawMessage `json:"checkpoint,omitempty"` // Replaces the instance checkpoint when set
	ErrorMessage string          `json:"error_message,omitempty"`
	ErrorDetails map[string]any  `json:"error_details,omitempty"`
	Permanent    bool            `json:"permanent,omitempty"` // Permanent failures skip the retry policy
}
