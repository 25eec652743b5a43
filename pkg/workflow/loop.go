package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nornlabs/norn/pkg/models"
	"golang.org/x/sync/errgroup"
)

// errChildFailed aborts a fail-fast group when a child reaches failed. It is
// a policy signal, not an error the caller sees: the failure is already on
// the child row and in the parent's progress.
var errChildFailed = errors.New("loop child failed")

// childRunner executes one fan-out child to a terminal state and records it
// on the parent's progress. Returned errors are storage or abandonment
// errors only; a child failing is reported through the child's status.
type childRunner func(ctx context.Context, child *models.NodeInstance) error

// executeLoop runs a data-driven fan-out in two phases. The creation phase
// fetches the collection and persists one child per element together with
// the parent's total in a single transaction, so a crash right after never
// re-fetches data. The execution phase drains not-yet-terminal children
// under the configured mode and concurrency until all are accounted for.
func (s *NodeService) executeLoop(ctx context.Context, definition *models.WorkflowDefinition, instance *models.WorkflowInstance, node *models.NodeInstance, nodeDef *models.NodeDefinition, ectx models.ExecutionContext) (*models.ExecutionResult, error) {
	started := time.Now().UTC()

	if node.Progress == nil {
		result, err := s.createLoopChildren(ctx, definition, instance, node, nodeDef, ectx)
		if err != nil || (result != nil && !result.Success) {
			return result, err
		}
	}

	return s.runLoopChildren(ctx, definition, instance, node, nodeDef, ectx, started)
}

// createLoopChildren is the creation phase: run the items executor under the
// node's retry policy, then persist children plus the parent total
// atomically. An absent progress record is what marks this phase as not yet
// done.
func (s *NodeService) createLoopChildren(ctx context.Context, definition *models.WorkflowDefinition, instance *models.WorkflowInstance, node *models.NodeInstance, nodeDef *models.NodeDefinition, ectx models.ExecutionContext) (*models.ExecutionResult, error) {
	cfg := nodeDef.Loop

	itemsCtx := ectx
	itemsCtx.NodeID = node.NodeID

	result, err := s.runAttempts(ctx, definition, instance, node, nodeDef, s.executorAttempt(nodeDef, cfg.ItemsExecutor, cfg.ItemsConfig, itemsCtx))
	if err != nil || !result.Success {
		return result, err
	}

	items, err := loopItems(result)
	if err != nil {
		failed := &models.ExecutionResult{Success: false, ErrorMessage: err.Error(), Permanent: true}
		if ferr := s.failNode(ctx, instance, node, time.Now().UTC(), failed); ferr != nil {
			return nil, ferr
		}

		return failed, nil
	}

	children := make([]*models.NodeInstance, len(items))

	for i, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			failed := &models.ExecutionResult{
				Success:      false,
				ErrorMessage: fmt.Sprintf("item %d is not serializable: %v", i, err),
				Permanent:    true,
			}
			if ferr := s.failNode(ctx, instance, node, time.Now().UTC(), failed); ferr != nil {
				return nil, ferr
			}

			return failed, nil
		}

		children[i] = &models.NodeInstance{
			WorkflowInstanceID: instance.ID,
			NodeID:             models.LoopChildNodeID(node.NodeID, i),
			ParentID:           &node.ID,
			Type:               models.NodeTypeSimple,
			Status:             models.NodeStatusPending,
			Item:               raw,
		}
	}

	progress := &models.LoopProgress{Total: len(children)}

	if err := s.persistence.NodeInstances().CreateLoopChildren(ctx, node.ID, children, progress); err != nil {
		return nil, fmt.Errorf("failed to create loop children for node %s: %w", node.NodeID, err)
	}

	node.Progress = progress

	s.logger.InfoContext(ctx, "created loop children",
		"node_id", node.NodeID,
		"instance_id", instance.ID,
		"total", len(children))

	return result, nil
}

// runLoopChildren is the execution phase. Selecting pending children from
// storage instead of memory means a resumed loop picks up exactly where the
// crashed engine left off.
func (s *NodeService) runLoopChildren(ctx context.Context, definition *models.WorkflowDefinition, instance *models.WorkflowInstance, node *models.NodeInstance, nodeDef *models.NodeDefinition, ectx models.ExecutionContext, started time.Time) (*models.ExecutionResult, error) {
	cfg := nodeDef.Loop
	repo := s.persistence.NodeInstances()
	tracker := newProgressTracker(repo, node)

	run := func(ctx context.Context, child *models.NodeInstance) error {
		if err := s.requireRunning(ctx, instance.ID); err != nil {
			return err
		}

		childCtx := ectx
		childCtx.NodeID = child.NodeID
		childCtx.Item = child.Item

		childStarted := time.Now().UTC()

		result, err := s.runAttempts(ctx, definition, instance, child, nodeDef, s.executorAttempt(nodeDef, cfg.ChildExecutor, cfg.ChildConfig, childCtx))
		if err != nil {
			return err
		}

		if result.Success {
			if err := s.completeNode(ctx, instance, child, childStarted, result); err != nil {
				return err
			}
		}

		return tracker.Record(ctx, child)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := s.requireRunning(ctx, instance.ID); err != nil {
			return nil, err
		}

		pending, err := repo.FindPendingChildren(ctx, node.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list pending children of node %s: %w", node.NodeID, err)
		}

		if len(pending) == 0 {
			break
		}

		switch {
		case cfg.EffectiveMode() == models.LoopModeSequential:
			err = s.runChildrenSequential(ctx, pending, cfg.FailFast, tracker, run)
		case cfg.FailFast:
			err = s.runChildrenFailFast(ctx, pending, s.config.EffectiveConcurrency(cfg.MaxConcurrency), run)
		default:
			err = s.runChildrenBestEffort(ctx, pending, s.config.EffectiveConcurrency(cfg.MaxConcurrency), run)
		}

		if err != nil {
			return nil, err
		}

		if cfg.FailFast && tracker.Failed() > 0 {
			break
		}
	}

	if err := s.reconcileLoopProgress(ctx, node); err != nil {
		return nil, err
	}

	return s.finishFanOut(ctx, instance, node, cfg.FailFast, started)
}

// reconcileLoopProgress rebuilds the parent's counters from the persisted
// child rows. A crash between a child turning terminal and the progress
// write would otherwise leave the counters behind the truth forever.
func (s *NodeService) reconcileLoopProgress(ctx context.Context, node *models.NodeInstance) error {
	children, err := s.persistence.NodeInstances().FindChildren(ctx, node.ID)
	if err != nil {
		return fmt.Errorf("failed to list children of node %s: %w", node.NodeID, err)
	}

	progress := &models.LoopProgress{Total: node.Progress.Total}
	for _, child := range children {
		progress.Record(child.NodeID, child.Status)
	}

	if progress.Completed == node.Progress.Completed && progress.Failed == node.Progress.Failed {
		return nil
	}

	if err := s.persistence.NodeInstances().UpdateLoopProgress(ctx, node.ID, progress); err != nil {
		return fmt.Errorf("failed to reconcile progress on node %s: %w", node.NodeID, err)
	}

	node.Progress = progress

	return nil
}

// runChildrenSequential executes children strictly one at a time. Under
// fail-fast a failed child stops the walk before the next sibling starts.
func (s *NodeService) runChildrenSequential(ctx context.Context, children []*models.NodeInstance, failFast bool, tracker *progressTracker, run childRunner) error {
	for _, child := range children {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := run(ctx, child); err != nil {
			return err
		}

		if failFast && tracker.Failed() > 0 {
			return nil
		}
	}

	return nil
}

// runChildrenFailFast fans children out with bounded concurrency; the first
// failed child cancels the group context so in-flight siblings stop at their
// next cancellation point.
func (s *NodeService) runChildrenFailFast(ctx context.Context, children []*models.NodeInstance, limit int, run childRunner) error {
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(limit)

	for _, child := range children {
		group.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			if err := run(gctx, child); err != nil {
				return err
			}

			if child.Status == models.NodeStatusFailed {
				return errChildFailed
			}

			return nil
		})
	}

	err := group.Wait()

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errChildFailed):
		// Recorded on the child and in the progress; the completion policy
		// turns it into a failed parent.
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Siblings interrupted by the group cancel, not by the engine.
		return nil
	default:
		return err
	}
}

// runChildrenBestEffort fans children out with bounded concurrency and lets
// every sibling run to completion regardless of failures. Only storage
// errors surface; child failures stay on the child rows.
func (s *NodeService) runChildrenBestEffort(ctx context.Context, children []*models.NodeInstance, limit int, run childRunner) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)

	sem := make(chan struct{}, limit)

	for _, child := range children {
		wg.Add(1)

		go func() {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			if err := run(ctx, child); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	return firstErr
}

// loopItems extracts the fan-out collection from an items executor result.
func loopItems(result *models.ExecutionResult) ([]any, error) {
	value, ok := result.Data[models.LoopItemsKey]
	if !ok {
		return nil, fmt.Errorf("items executor returned no %q entry", models.LoopItemsKey)
	}

	items, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("items executor returned %T for %q, expected a collection", value, models.LoopItemsKey)
	}

	return items, nil
}
