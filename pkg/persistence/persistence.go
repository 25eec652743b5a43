// Package persistence defines the storage contracts of the workflow engine:
// definitions, instances, node instances, execution leases, and the audit log.
package persistence

import (
	"context"
	"time"

	"github.com/nornlabs/norn/pkg/models"
)

// Persistence aggregates the engine's repositories behind one backend handle.
type Persistence interface {
	Definitions() DefinitionRepository
	Instances() InstanceRepository
	NodeInstances() NodeInstanceRepository
	Locks() LockRepository
	ExecutionLog() ExecutionLogRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// DefinitionRepository stores workflow definitions. Lookups return (nil, nil)
// when nothing matches; absence is not an error.
type DefinitionRepository interface {
	Create(ctx context.Context, definition *models.WorkflowDefinition) error
	Update(ctx context.Context, definition *models.WorkflowDefinition) error
	Delete(ctx context.Context, id string) error
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	GetByNameAndVersion(ctx context.Context, name, version string) (*models.WorkflowDefinition, error)
	GetActiveByName(ctx context.Context, name string) (*models.WorkflowDefinition, error)
	ListByName(ctx context.Context, name string) ([]*models.WorkflowDefinition, error)
	List(ctx context.Context) ([]*models.WorkflowDefinition, error)

	// Activate marks the definition active and demotes any other active
	// version of the same name to deprecated, in one transaction.
	Activate(ctx context.Context, id string) error
}

// StatusUpdate describes one guarded instance status transition.
type StatusUpdate struct {
	From         []models.InstanceStatus // Statuses the transition may start from; empty allows any
	To           models.InstanceStatus
	EngineID     string // Stamped when non-empty
	ErrorMessage string // Failure reason or cancellation note
	ErrorDetails []byte
	FailedNodeID string
}

// InstanceFilter narrows instance listings.
type InstanceFilter struct {
	DefinitionID string
	Status       models.InstanceStatus
	BusinessKey  string
	Limit        int
}

// InstanceRepository stores workflow instances.
type InstanceRepository interface {
	Create(ctx context.Context, instance *models.WorkflowInstance) error
	GetByID(ctx context.Context, id int64) (*models.WorkflowInstance, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.WorkflowInstance, error)
	FindByBusinessKey(ctx context.Context, businessKey string) ([]*models.WorkflowInstance, error)
	FindByMutexKey(ctx context.Context, mutexKey string) ([]*models.WorkflowInstance, error)

	// CheckInstanceLock returns a non-terminal instance holding the mutex
	// key, or nil. CheckBusinessInstanceLock returns any instance recorded
	// for the business key regardless of status, or nil. The two predicates
	// are deliberately scoped differently and must stay separate.
	CheckInstanceLock(ctx context.Context, mutexKey string) (*models.WorkflowInstance, error)
	CheckBusinessInstanceLock(ctx context.Context, businessKey string) (*models.WorkflowInstance, error)

	// FindInterrupted lists resumable instances: paused, or running with a
	// heartbeat older than heartbeatTimeout.
	FindInterrupted(ctx context.Context, heartbeatTimeout time.Duration) ([]*models.WorkflowInstance, error)

	// UpdateStatus applies a guarded transition and reports whether it
	// happened. Transitions to running stamp started_at once; transitions to
	// a terminal status stamp finished_at.
	UpdateStatus(ctx context.Context, id int64, update StatusUpdate) (bool, error)
	BatchUpdateStatus(ctx context.Context, ids []int64, from, to models.InstanceStatus) (int64, error)

	// UpdateCurrentNode checkpoints the execution cursor and the opaque
	// resumption state in one atomic write.
	UpdateCurrentNode(ctx context.Context, id int64, currentNodeID string, checkpoint []byte) error
	UpdateHeartbeat(ctx context.Context, id int64, engineID string) error
	List(ctx context.Context, filter InstanceFilter) ([]*models.WorkflowInstance, error)
}

// NodeInstanceRepository stores per-node execution state.
type NodeInstanceRepository interface {
	Create(ctx context.Context, node *models.NodeInstance) error
	CreateMany(ctx context.Context, nodes []*models.NodeInstance) error

	// CreateLoopChildren persists generated loop children and stamps the
	// parent's progress total in one transaction, so a crash between data
	// fetch and first child execution recovers without re-fetching.
	CreateLoopChildren(ctx context.Context, parentID int64, children []*models.NodeInstance, progress *models.LoopProgress) error

	// GetByInstanceAndNodeID returns (nil, nil) when the node was not yet
	// reached; absence is a normal state, not an error.
	GetByInstanceAndNodeID(ctx context.Context, instanceID int64, nodeID string) (*models.NodeInstance, error)
	GetByID(ctx context.Context, id int64) (*models.NodeInstance, error)

	UpdateStatus(ctx context.Context, id int64, status models.NodeStatus, errorMessage string, errorDetails []byte) error
	UpdateLoopProgress(ctx context.Context, id int64, progress *models.LoopProgress) error
	IncrementAttempt(ctx context.Context, id int64) error

	// FindPendingChildren returns the parent's children that still need
	// execution: pending ones, plus running ones a crashed engine left
	// mid-attempt.
	FindPendingChildren(ctx context.Context, parentID int64) ([]*models.NodeInstance, error)
	FindChildren(ctx context.Context, parentID int64) ([]*models.NodeInstance, error)
	ListByInstance(ctx context.Context, instanceID int64) ([]*models.NodeInstance, error)
}

// LockRepository stores execution leases. Every operation is atomic at the
// storage layer; contention is reported as false, never as an error.
type LockRepository interface {
	AcquireLock(ctx context.Context, key, owner string, lockType models.LockType, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) (bool, error)
	CheckLock(ctx context.Context, key string) (*models.ExecutionLock, error)
	CleanupExpiredLocks(ctx context.Context) (int64, error)
	ForceReleaseLock(ctx context.Context, key string) error
}

// ExecutionLogRepository is the append-only audit trail.
type ExecutionLogRepository interface {
	Append(ctx context.Context, entry *models.ExecutionLogEntry) error
	ListByInstance(ctx context.Context, instanceID int64, limit int) ([]*models.ExecutionLogEntry, error)
}
