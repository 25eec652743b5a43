package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/nornlabs/norn/pkg/models"
)

// executeParallel runs a static fan-out: every child named by the definition
// gets a NodeInstance through the same idempotent creation as GetNextNode,
// then all non-terminal children execute concurrently. Children are full
// graph nodes, so a branch may itself be a loop or a nested workflow; their
// Next pointers are ignored because the branches join at this node.
func (s *NodeService) executeParallel(ctx context.Context, definition *models.WorkflowDefinition, instance *models.WorkflowInstance, node *models.NodeInstance, nodeDef *models.NodeDefinition, ectx models.ExecutionContext) (*models.ExecutionResult, error) {
	cfg := nodeDef.Parallel
	graph := definition.Definition
	repo := s.persistence.NodeInstances()

	started := time.Now().UTC()

	if node.Status != models.NodeStatusRunning {
		if err := repo.UpdateStatus(ctx, node.ID, models.NodeStatusRunning, "", nil); err != nil {
			return nil, fmt.Errorf("failed to mark node %s running: %w", node.NodeID, err)
		}

		node.Status = models.NodeStatusRunning
		s.publisher.NodeStarted(ctx, instance, node, 1)
	}

	children := make([]*models.NodeInstance, 0, len(cfg.Children))

	for _, childID := range cfg.Children {
		childDef := graph.Node(childID)
		if childDef == nil {
			return nil, NewValidationError("node", fmt.Sprintf("parallel node %s references unknown child %s", node.NodeID, childID), nil)
		}

		child, err := s.instances.EnsureNodeInstance(ctx, instance, childDef)
		if err != nil {
			return nil, err
		}

		children = append(children, child)
	}

	if node.Progress == nil {
		progress := &models.LoopProgress{Total: len(children)}

		if err := repo.UpdateLoopProgress(ctx, node.ID, progress); err != nil {
			return nil, fmt.Errorf("failed to initialize progress on node %s: %w", node.NodeID, err)
		}

		node.Progress = progress
	}

	tracker := newProgressTracker(repo, node)

	// Record terminal children up front so a resumed parent counts work the
	// previous engine already finished.
	remaining := make([]*models.NodeInstance, 0, len(children))

	for _, child := range children {
		if child.IsTerminal() {
			if err := tracker.Record(ctx, child); err != nil {
				return nil, err
			}

			continue
		}

		remaining = append(remaining, child)
	}

	run := func(ctx context.Context, child *models.NodeInstance) error {
		if err := s.requireRunning(ctx, instance.ID); err != nil {
			return err
		}

		childCtx := ectx
		childCtx.NodeID = child.NodeID

		if _, err := s.Execute(ctx, definition, instance, child, childCtx); err != nil {
			return err
		}

		return tracker.Record(ctx, child)
	}

	if len(remaining) > 0 {
		if err := s.requireRunning(ctx, instance.ID); err != nil {
			return nil, err
		}

		limit := s.config.EffectiveConcurrency(cfg.MaxConcurrency)

		var err error
		if cfg.FailFast {
			err = s.runChildrenFailFast(ctx, remaining, limit, run)
		} else {
			err = s.runChildrenBestEffort(ctx, remaining, limit, run)
		}

		if err != nil {
			return nil, err
		}
	}

	// A cancelled sibling may leave a child non-terminal. Under fail-fast
	// with a recorded failure that is expected; otherwise it means the run
	// was abandoned and completion must not be decided on partial counts.
	for _, child := range remaining {
		if child.IsTerminal() {
			continue
		}

		if cfg.FailFast && tracker.Failed() > 0 {
			break
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		return nil, fmt.Errorf("child %s of node %s did not reach a terminal state", child.NodeID, node.NodeID)
	}

	return s.finishFanOut(ctx, instance, node, cfg.FailFast, started)
}
