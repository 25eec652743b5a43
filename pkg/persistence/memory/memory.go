// Package memory provides an in-process persistence implementation. It backs
// tests and single-node deployments where an external database is overkill;
// every repository guards its state with a mutex so the lease and status
// writes keep their atomicity guarantees.
package memory

import (
	"context"

	"github.com/nornlabs/norn/pkg/persistence"
)

// Persistence implements the persistence layer with in-memory maps.
type Persistence struct {
	definitionRepo   *DefinitionRepository
	instanceRepo     *InstanceRepository
	nodeInstanceRepo *NodeInstanceRepository
	lockRepo         *LockRepository
	executionLogRepo *ExecutionLogRepository
}

// NewPersistence creates an empty in-memory persistence layer.
func NewPersistence() *Persistence {
	return &Persistence{
		definitionRepo:   NewDefinitionRepository(),
		instanceRepo:     NewInstanceRepository(),
		nodeInstanceRepo: NewNodeInstanceRepository(),
		lockRepo:         NewLockRepository(),
		executionLogRepo: NewExecutionLogRepository(),
	}
}

// Definitions returns the workflow definition repository.
func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return p.definitionRepo
}

// Instances returns the workflow instance repository.
func (p *Persistence) Instances() persistence.InstanceRepository {
	return p.instanceRepo
}

// NodeInstances returns the node instance repository.
func (p *Persistence) NodeInstances() persistence.NodeInstanceRepository {
	return p.nodeInstanceRepo
}

// Locks returns the execution lease repository.
func (p *Persistence) Locks() persistence.LockRepository {
	return p.lockRepo
}

// ExecutionLog returns the append-only execution log repository.
func (p *Persistence) ExecutionLog() persistence.ExecutionLogRepository {
	return p.executionLogRepo
}

// HealthCheck always succeeds; memory is either here or the process is gone.
func (p *Persistence) HealthCheck(_ context.Context) error {
	return nil
}

// Close is a no-op for in-memory persistence.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}
