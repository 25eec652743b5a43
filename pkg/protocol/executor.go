// Package protocol defines the interfaces and contracts for pluggable node executors.
package protocol

import (
	"context"

	"github.com/nornlabs/norn/pkg/models"
)

// Executor performs the work of one workflow node. Implementations must
// honor ctx: the engine cancels it on stop requests, lease loss, and
// per-node timeouts.
type Executor interface {
	Execute(ctx context.Context, execCtx models.ExecutionContext) (*models.ExecutionResult, error)
}

// ExecutorFactory creates executor instances and provides metadata about the executor type.
type ExecutorFactory interface {
	// Create creates a new executor instance with the given configuration
	Create(ctx context.Context, config map[string]any) (Executor, error)

	// ID returns the unique identifier for this executor type
	ID() string

	// Name returns the human-readable name for this executor type
	Name() string

	// Description returns a description of what this executor does
	Description() string

	// Schema returns the JSON schema for configuring this executor
	Schema() map[string]any
}
