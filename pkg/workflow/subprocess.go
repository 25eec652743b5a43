package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
)

// executeSubProcess delegates to a nested workflow definition. The child
// instance is keyed by a deterministic external id, so re-entering this node
// after a crash or retry reattaches to the same nested run instead of
// spawning a second one.
func (s *NodeService) executeSubProcess(ctx context.Context, definition *models.WorkflowDefinition, instance *models.WorkflowInstance, node *models.NodeInstance, nodeDef *models.NodeDefinition, ectx models.ExecutionContext) (*models.ExecutionResult, error) {
	started := time.Now().UTC()

	attempt := func(ctx context.Context) *models.ExecutionResult {
		return s.runSubProcess(ctx, instance, node, nodeDef.SubProcess, ectx)
	}

	result, err := s.runAttempts(ctx, definition, instance, node, nodeDef, attempt)
	if err != nil || !result.Success {
		return result, err
	}

	if err := s.completeNode(ctx, instance, node, started, result); err != nil {
		return nil, err
	}

	return result, nil
}

// runSubProcess performs one delegation attempt: resolve the nested
// definition, drive its instance to a terminal state, and map that state to
// this node's result. Lock contention on the child means another engine is
// driving it; that attempt fails retryably and the next one reattaches.
func (s *NodeService) runSubProcess(ctx context.Context, instance *models.WorkflowInstance, node *models.NodeInstance, cfg *models.SubProcessNodeConfig, ectx models.ExecutionContext) *models.ExecutionResult {
	subDef, err := s.resolveSubDefinition(ctx, cfg)
	if err != nil {
		return &models.ExecutionResult{
			Success:      false,
			ErrorMessage: err.Error(),
			Permanent:    persistence.IsDefinitionNotFound(err),
		}
	}

	externalID := SubProcessExternalID(instance.ID, node.NodeID)

	child, err := s.subRunner.StartWorkflow(ctx, subDef.ID, StartOptions{
		ExternalID: externalID,
		Variables:  ectx.Variables,
	})
	if err != nil {
		if IsLockContention(err) {
			return &models.ExecutionResult{
				Success:      false,
				ErrorMessage: fmt.Sprintf("sub-process %s is being driven by another engine", subDef.Name),
			}
		}

		return &models.ExecutionResult{Success: false, ErrorMessage: err.Error()}
	}

	final, err := s.persistence.Instances().GetByID(ctx, child.ID)
	if err != nil {
		return &models.ExecutionResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("failed to read sub-process instance %d: %v", child.ID, err),
		}
	}

	if final == nil {
		return &models.ExecutionResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("sub-process instance %d disappeared", child.ID),
			Permanent:    true,
		}
	}

	switch final.Status {
	case models.InstanceStatusCompleted:
		result := &models.ExecutionResult{
			Success: true,
			Data: map[string]any{
				"sub_instance_id": final.ID,
				"sub_external_id": final.ExternalID,
			},
		}

		if cfg.PropagateCheckpoint && len(final.CheckpointData) > 0 {
			result.Checkpoint = final.CheckpointData
		}

		return result
	case models.InstanceStatusFailed:
		// A terminal child cannot change; retrying would only re-read it.
		return &models.ExecutionResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("sub-process failed at node %s: %s", final.FailedNodeID, final.ErrorMessage),
			Permanent:    true,
		}
	case models.InstanceStatusCancelled:
		return &models.ExecutionResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("sub-process instance %d was cancelled", final.ID),
			Permanent:    true,
		}
	default:
		// Still in flight, most likely abandoned by a lost lease. The next
		// attempt reattaches through the external id.
		return &models.ExecutionResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("sub-process instance %d is still %s", final.ID, final.Status),
		}
	}
}

func (s *NodeService) resolveSubDefinition(ctx context.Context, cfg *models.SubProcessNodeConfig) (*models.WorkflowDefinition, error) {
	definitions := s.persistence.Definitions()

	if cfg.Version != "" {
		definition, err := definitions.GetByNameAndVersion(ctx, cfg.DefinitionName, cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve definition %s@%s: %w", cfg.DefinitionName, cfg.Version, err)
		}

		if definition == nil {
			return nil, fmt.Errorf("definition %s@%s: %w", cfg.DefinitionName, cfg.Version, persistence.ErrDefinitionNotFound)
		}

		return definition, nil
	}

	definition, err := definitions.GetActiveByName(ctx, cfg.DefinitionName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active definition %s: %w", cfg.DefinitionName, err)
	}

	if definition == nil {
		return nil, fmt.Errorf("no active definition named %s: %w", cfg.DefinitionName, persistence.ErrDefinitionNotFound)
	}

	return definition, nil
}

// SubProcessExternalID derives the idempotency key linking a sub-process
// node to its nested instance.
func SubProcessExternalID(parentInstanceID int64, nodeID string) string {
	return fmt.Sprintf("sub:%d:%s", parentInstanceID, nodeID)
}
