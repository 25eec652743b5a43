// Package testutil provides test data builders shared by persistence and
// engine tests.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/nornlabs/norn/pkg/models"
)

// Definition creates a workflow definition with default values that can be
// overridden. The default is an active 1.0.0 version with a single log node.
func Definition(name string, overrides ...func(*models.WorkflowDefinition)) *models.WorkflowDefinition {
	definition := &models.WorkflowDefinition{
		ID:      uuid.New().String(),
		Name:    name,
		Version: "1.0.0",
		Status:  models.DefinitionStatusActive,
		Definition: Graph("start",
			SimpleNode("start", "", "log"),
		),
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}

	for _, override := range overrides {
		override(definition)
	}

	return definition
}

// WithVersion sets the definition version.
func WithVersion(version string) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.Version = version
	}
}

// WithStatus sets the definition status.
func WithStatus(status models.DefinitionStatus) func(*models.WorkflowDefinition) {
	return func(d *models.WorkflowDefinition) {
		d.Status = status
	}
}

// Graph assembles a workflow graph from its start node and node list.
func Graph(start string, nodes ...*models.NodeDefinition) *models.WorkflowGraph {
	return &models.WorkflowGraph{
		StartNodeID: start,
		Nodes:       nodes,
	}
}

// SimpleNode creates a simple node bound to the named executor. An empty
// next ends the chain.
func SimpleNode(id, next, executor string) *models.NodeDefinition {
	return &models.NodeDefinition{
		ID:     id,
		Name:   id,
		Type:   models.NodeTypeSimple,
		Next:   next,
		Simple: &models.SimpleNodeConfig{Executor: executor},
	}
}

// Instance creates a pending workflow instance with default values that can
// be overridden.
func Instance(definitionID, externalID string, overrides ...func(*models.WorkflowInstance)) *models.WorkflowInstance {
	instance := &models.WorkflowInstance{
		DefinitionID: definitionID,
		ExternalID:   externalID,
		Status:       models.InstanceStatusPending,
	}

	for _, override := range overrides {
		override(instance)
	}

	return instance
}

// WithInstanceStatus sets the instance status.
func WithInstanceStatus(status models.InstanceStatus) func(*models.WorkflowInstance) {
	return func(i *models.WorkflowInstance) {
		i.Status = status
	}
}

// WithEngineID marks the instance as driven by the given engine.
func WithEngineID(engineID string) func(*models.WorkflowInstance) {
	return func(i *models.WorkflowInstance) {
		i.EngineID = engineID
	}
}

// WithBusinessKey sets the instance business key.
func WithBusinessKey(key string) func(*models.WorkflowInstance) {
	return func(i *models.WorkflowInstance) {
		i.BusinessKey = key
	}
}

// WithMutexKey sets the instance mutex key.
func WithMutexKey(key string) func(*models.WorkflowInstance) {
	return func(i *models.WorkflowInstance) {
		i.MutexKey = key
	}
}

// WithHeartbeatAt pins the last heartbeat, for staleness scenarios.
func WithHeartbeatAt(at time.Time) func(*models.WorkflowInstance) {
	return func(i *models.WorkflowInstance) {
		i.LastHeartbeatAt = &at
	}
}
