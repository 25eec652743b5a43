package services

import (
	"context"
	"fmt"
	"time"

	"github.com/nornlabs/norn/pkg/models"
)

// Activate promotes a draft or deprecated definition to active, demoting any
// other active version of the same name to deprecated in the same step.
// Activating the already-active version is a no-op. The graph and its
// executor bindings are re-validated; a draft that drifted out of shape
// cannot reach the engine.
func (s *Definition) Activate(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	const op = "DefinitionService.Activate"

	definition, err := s.fetch(ctx, op, id)
	if err != nil {
		return nil, err
	}

	if definition.Status == models.DefinitionStatusActive {
		return definition, nil
	}

	if definition.Status == models.DefinitionStatusArchived {
		return nil, &ServiceError{
			Op:      op,
			Code:    "ARCHIVED",
			Message: "cannot activate an archived definition",
			Err:     ErrArchived,
		}
	}

	if err := s.validateGraph(op, definition); err != nil {
		return nil, err
	}

	if err := s.persistence.Definitions().Activate(ctx, id); err != nil {
		return nil, &ServiceError{Op: op, Code: "STORAGE_ERROR", Err: err}
	}

	return s.fetch(ctx, op, id)
}

// Deprecate takes the active flag off a definition; running instances keep
// going and pinned sub-process references keep resolving. Deprecating an
// already-deprecated definition is a no-op.
func (s *Definition) Deprecate(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	const op = "DefinitionService.Deprecate"

	definition, err := s.fetch(ctx, op, id)
	if err != nil {
		return nil, err
	}

	if definition.Status == models.DefinitionStatusDeprecated {
		return definition, nil
	}

	if definition.Status != models.DefinitionStatusActive {
		return nil, &ServiceError{
			Op:      op,
			Code:    "NOT_ACTIVE",
			Message: fmt.Sprintf("cannot deprecate definition in %s status", definition.Status),
			Err:     ErrNotActive,
		}
	}

	definition.Status = models.DefinitionStatusDeprecated
	definition.UpdatedAt = time.Now().UTC()

	if err := s.persistence.Definitions().Update(ctx, definition); err != nil {
		return nil, &ServiceError{Op: op, Code: "STORAGE_ERROR", Err: err}
	}

	return definition, nil
}

// Archive retires a draft or deprecated definition. The active version must
// be deprecated first. Archiving an archived definition is a no-op.
func (s *Definition) Archive(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	const op = "DefinitionService.Archive"

	definition, err := s.fetch(ctx, op, id)
	if err != nil {
		return nil, err
	}

	if definition.Status == models.DefinitionStatusArchived {
		return definition, nil
	}

	if definition.Status == models.DefinitionStatusActive {
		return nil, &ServiceError{
			Op:      op,
			Code:    "STILL_ACTIVE",
			Message: "cannot archive the active version, deprecate it first",
			Err:     ErrStillActive,
		}
	}

	definition.Status = models.DefinitionStatusArchived
	definition.UpdatedAt = time.Now().UTC()

	if err := s.persistence.Definitions().Update(ctx, definition); err != nil {
		return nil, &ServiceError{Op: op, Code: "STORAGE_ERROR", Err: err}
	}

	return definition, nil
}
