package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// NodeStatus defines the execution states of a node instance.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
)

// IsTerminal reports whether the node finished, successfully or not.
func (s NodeStatus) IsTerminal() bool {
	return s == NodeStatusCompleted || s == NodeStatusFailed
}

// LoopProgress tracks fan-out completion on a loop or parallel parent. It is
// stored as an opaque JSON blob and decoded into this struct right after
// read.
type LoopProgress struct {
	Total     int                   `json:"total"`
	Completed int                   `json:"completed"`
	Failed    int                   `json:"failed"`
	Children  map[string]NodeStatus `json:"children,omitempty"` // Child node id -> terminal status
}

// Done reports whether every child reached a terminal state.
func (p *LoopProgress) Done() bool {
	return p != nil && p.Completed+p.Failed >= p.Total
}

// Record marks one child's terminal state. Recording the same child twice is
// harmless; counts are recomputed from the child map.
func (p *LoopProgress) Record(childNodeID string, status NodeStatus) {
	if !status.IsTerminal() {
		return
	}

	if p.Children == nil {
		p.Children = make(map[string]NodeStatus)
	}

	p.Children[childNodeID] = status

	completed, failed := 0, 0

	for _, s := range p.Children {
		switch s {
		case NodeStatusCompleted:
			completed++
		case NodeStatusFailed:
			failed++
		}
	}

	p.Completed, p.Failed = completed, failed
}

// NodeInstance is the execution record of one graph node within one workflow
// instance. Children of loop and parallel nodes reference their parent row.
type NodeInstance struct {
	ID                 int64           `json:"id"`
	WorkflowInstanceID int64           `json:"workflow_instance_id"`
	NodeID             string          `json:"node_id"`
	ParentID           *int64          `json:"parent_id,omitempty"`
	Type               NodeType        `json:"type"`
	Status             NodeStatus      `json:"status"`
	Progress           *LoopProgress   `json:"progress,omitempty"`
	Item               json.RawMessage `json:"item,omitempty"` // Loop child collection element
	Attempt            int             `json:"attempt"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	ErrorDetails       json.RawMessage `json:"error_details,omitempty"`
	StartedAt          *time.Time      `json:"started_at,omitempty"`
	FinishedAt         *time.Time      `json:"finished_at,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// IsTerminal reports whether the node instance finished.
func (n *NodeInstance) IsTerminal() bool {
	return n.Status.IsTerminal()
}

// LoopChildNodeID derives the synthetic node id of a generated loop child.
func LoopChildNodeID(parentNodeID string, index int) string {
	return fmt.Sprintf("%s[%d]", parentNodeID, index)
}
