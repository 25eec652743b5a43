package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
)

// DefinitionRepository stores workflow definitions in a map keyed by ID.
type DefinitionRepository struct {
	mu          sync.RWMutex
	definitions map[string]*models.WorkflowDefinition
}

// NewDefinitionRepository creates an empty definition repository.
func NewDefinitionRepository() *DefinitionRepository {
	return &DefinitionRepository{
		definitions: make(map[string]*models.WorkflowDefinition),
	}
}

func (r *DefinitionRepository) Create(_ context.Context, definition *models.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.definitions {
		if existing.Name == definition.Name && existing.Version == definition.Version {
			return persistence.ErrDefinitionExists
		}
	}

	now := time.Now().UTC()

	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = now
	}

	definition.UpdatedAt = now

	if definition.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate definition ID: %w", err)
		}

		definition.ID = id.String()
	}

	r.definitions[definition.ID] = cloneDefinition(definition)

	return nil
}

func (r *DefinitionRepository) Update(_ context.Context, definition *models.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.definitions[definition.ID]; !ok {
		return persistence.ErrDefinitionNotFound
	}

	definition.UpdatedAt = time.Now().UTC()
	r.definitions[definition.ID] = cloneDefinition(definition)

	return nil
}

func (r *DefinitionRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.definitions[id]; !ok {
		return persistence.ErrDefinitionNotFound
	}

	delete(r.definitions, id)

	return nil
}

func (r *DefinitionRepository) GetByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definition, ok := r.definitions[id]
	if !ok {
		return nil, nil
	}

	return cloneDefinition(definition), nil
}

func (r *DefinitionRepository) GetByNameAndVersion(_ context.Context, name, version string) (*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, definition := range r.definitions {
		if definition.Name == name && definition.Version == version {
			return cloneDefinition(definition), nil
		}
	}

	return nil, nil
}

func (r *DefinitionRepository) GetActiveByName(_ context.Context, name string) (*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, definition := range r.definitions {
		if definition.Name == name && definition.Status == models.DefinitionStatusActive {
			return cloneDefinition(definition), nil
		}
	}

	return nil, nil
}

func (r *DefinitionRepository) ListByName(_ context.Context, name string) ([]*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definitions := make([]*models.WorkflowDefinition, 0)

	for _, definition := range r.definitions {
		if definition.Name == name {
			definitions = append(definitions, cloneDefinition(definition))
		}
	}

	sortDefinitions(definitions)

	return definitions, nil
}

func (r *DefinitionRepository) List(_ context.Context) ([]*models.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definitions := make([]*models.WorkflowDefinition, 0, len(r.definitions))

	for _, definition := range r.definitions {
		definitions = append(definitions, cloneDefinition(definition))
	}

	sortDefinitions(definitions)

	return definitions, nil
}

func (r *DefinitionRepository) Activate(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.definitions[id]
	if !ok {
		return persistence.ErrDefinitionNotFound
	}

	now := time.Now().UTC()

	for _, definition := range r.definitions {
		if definition.Name == target.Name && definition.Status == models.DefinitionStatusActive && definition.ID != id {
			definition.Status = models.DefinitionStatusDeprecated
			definition.UpdatedAt = now
		}
	}

	target.Status = models.DefinitionStatusActive
	target.UpdatedAt = now

	return nil
}

func sortDefinitions(definitions []*models.WorkflowDefinition) {
	sort.Slice(definitions, func(i, j int) bool {
		return definitions[i].CreatedAt.After(definitions[j].CreatedAt)
	})
}

func cloneDefinition(definition *models.WorkflowDefinition) *models.WorkflowDefinition {
	clone := *definition
	clone.Tags = append([]string(nil), definition.Tags...)

	return &clone
}
