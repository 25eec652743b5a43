// Package registry provides executor factory registration and config
// validation for the execution engine.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/protocol"
)

// Registry holds the executor factories a graph can bind. Registration
// happens at startup; afterwards the registry is read-only, so lookups need
// no locking.
type Registry struct {
	logger            *slog.Logger
	executorFactories map[string]protocol.ExecutorFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:            log,
		executorFactories: make(map[string]protocol.ExecutorFactory),
	}
}

func (r *Registry) RegisterExecutor(factory protocol.ExecutorFactory) {
	r.executorFactories[factory.ID()] = factory
}

// CreateExecutor builds an executor after validating config against the
// factory's schema.
func (r *Registry) CreateExecutor(ctx context.Context, executorType string, config map[string]any) (protocol.Executor, error) {
	factory, ok := r.executorFactories[executorType]
	if !ok {
		return nil, fmt.Errorf("executor type '%s' not registered", executorType)
	}

	err := r.validateConfig(factory, config)
	if err != nil {
		return nil, fmt.Errorf("invalid config for executor '%s': %w", executorType, err)
	}

	return factory.Create(ctx, config)
}

// ValidateGraph checks every executor binding of a graph: the executor type
// must be registered and its config must pass the factory schema. Run at
// definition load so a bad binding fails there, not mid-execution.
func (r *Registry) ValidateGraph(graph *models.WorkflowGraph) error {
	for _, binding := range graph.ExecutorBindings() {
		factory, ok := r.executorFactories[binding.Executor]
		if !ok {
			return fmt.Errorf("node %s: executor type '%s' not registered", binding.NodeID, binding.Executor)
		}

		err := r.validateConfig(factory, binding.Config)
		if err != nil {
			return fmt.Errorf("node %s: invalid config for executor '%s': %w", binding.NodeID, binding.Executor, err)
		}
	}

	return nil
}

// GetAvailableExecutors returns all registered executor factories.
func (r *Registry) GetAvailableExecutors() []protocol.ExecutorFactory {
	factories := make([]protocol.ExecutorFactory, 0, len(r.executorFactories))
	for _, factory := range r.executorFactories {
		factories = append(factories, factory)
	}

	return factories
}

func (r *Registry) validateConfig(factory protocol.ExecutorFactory, config map[string]any) error {
	schema := factory.Schema()
	if schema == nil {
		return nil
	}

	if config == nil {
		config = map[string]any{}
	}

	schemaLoader := gojsonschema.NewGoLoader(schema)
	dataLoader := gojsonschema.NewGoLoader(config)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}

		return fmt.Errorf("validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
