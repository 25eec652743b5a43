package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/otelhelper"
	"github.com/nornlabs/norn/pkg/persistence"
	"github.com/nornlabs/norn/pkg/registry"
)

// SubWorkflowRunner runs a nested workflow to a terminal state. The Engine
// implements it; the indirection breaks the constructor cycle between the
// node service and the engine.
type SubWorkflowRunner interface {
	StartWorkflow(ctx context.Context, definitionID string, opts StartOptions) (*models.WorkflowInstance, error)
}

// NodeService executes individual graph nodes. It dispatches on the node
// type, contains executor failures and panics on the node, and drives the
// effective retry policy. Storage errors are returned as errors; everything
// an executor does wrong becomes a failed ExecutionResult instead.
type NodeService struct {
	persistence persistence.Persistence
	registry    *registry.Registry
	instances   *InstanceService
	publisher   *Publisher
	subRunner   SubWorkflowRunner
	config      Config
	logger      *slog.Logger
}

// NewNodeService creates a node execution service.
func NewNodeService(
	persist persistence.Persistence,
	reg *registry.Registry,
	instances *InstanceService,
	publisher *Publisher,
	subRunner SubWorkflowRunner,
	config Config,
	logger *slog.Logger,
) *NodeService {
	return &NodeService{
		persistence: persist,
		registry:    reg,
		instances:   instances,
		publisher:   publisher,
		subRunner:   subRunner,
		config:      config,
		logger:      logger.With("module", "node_service"),
	}
}

// Execute runs one node to a terminal state and returns its result. Nodes
// already completed in a previous run are skipped, which is what makes
// re-entry after a crash safe.
func (s *NodeService) Execute(ctx context.Context, definition *models.WorkflowDefinition, instance *models.WorkflowInstance, node *models.NodeInstance, ectx models.ExecutionContext) (*models.ExecutionResult, error) {
	if node.Status == models.NodeStatusCompleted {
		return &models.ExecutionResult{Success: true}, nil
	}

	nodeDef := definition.Definition.Node(node.NodeID)
	if nodeDef == nil {
		return nil, NewValidationError("node", fmt.Sprintf("node %s is not part of definition %s", node.NodeID, definition.ID), nil)
	}

	ctx, span := otelhelper.StartSpan(ctx, tracer, "node.execute",
		attribute.Int64(otelhelper.InstanceIDKey, instance.ID),
		attribute.String(otelhelper.NodeIDKey, node.NodeID),
		attribute.String(otelhelper.NodeTypeKey, string(node.Type)),
		attribute.Int(otelhelper.AttemptKey, node.Attempt),
	)

	result, err := s.dispatch(ctx, definition, instance, node, nodeDef, ectx)
	otelhelper.EndSpan(span, err)

	return result, err
}

func (s *NodeService) dispatch(ctx context.Context, definition *models.WorkflowDefinition, instance *models.WorkflowInstance, node *models.NodeInstance, nodeDef *models.NodeDefinition, ectx models.ExecutionContext) (*models.ExecutionResult, error) {
	switch node.Type {
	case models.NodeTypeSimple:
		if nodeDef.Simple == nil {
			return nil, missingConfigError(node)
		}

		return s.executeSimple(ctx, definition, instance, node, nodeDef, ectx)
	case models.NodeTypeLoop:
		if nodeDef.Loop == nil {
			return nil, missingConfigError(node)
		}

		return s.executeLoop(ctx, definition, instance, node, nodeDef, ectx)
	case models.NodeTypeParallel:
		if nodeDef.Parallel == nil {
			return nil, missingConfigError(node)
		}

		return s.executeParallel(ctx, definition, instance, node, nodeDef, ectx)
	case models.NodeTypeSubProcess:
		if nodeDef.SubProcess == nil {
			return nil, missingConfigError(node)
		}

		return s.executeSubProcess(ctx, definition, instance, node, nodeDef, ectx)
	default:
		return nil, NewValidationError("node", fmt.Sprintf("node %s has unknown type %q", node.NodeID, node.Type), nil)
	}
}

func missingConfigError(node *models.NodeInstance) error {
	return NewValidationError("node", fmt.Sprintf("node %s has type %s but no matching config", node.NodeID, node.Type), nil)
}

func (s *NodeService) executeSimple(ctx context.Context, definition *models.WorkflowDefinition, instance *models.WorkflowInstance, node *models.NodeInstance, nodeDef *models.NodeDefinition, ectx models.ExecutionContext) (*models.ExecutionResult, error) {
	execCtx := ectx
	execCtx.NodeID = node.NodeID

	started := time.Now().UTC()

	result, err := s.runAttempts(ctx, definition, instance, node, nodeDef, s.executorAttempt(nodeDef, nodeDef.Simple.Executor, nodeDef.Simple.Config, execCtx))
	if err != nil || !result.Success {
		return result, err
	}

	if err := s.completeNode(ctx, instance, node, started, result); err != nil {
		return nil, err
	}

	return result, nil
}

// attemptFunc performs one execution attempt. Implementations must contain
// their own panics and report failures through the result, never by
// panicking across this boundary.
type attemptFunc func(ctx context.Context) *models.ExecutionResult

// runAttempts drives one logical execution through the node's effective
// retry policy: the node override when present, the definition defaults
// otherwise. It marks the node running, records every attempt, and waits
// RetryDelaySeconds between attempts (context-aware, so a lost lease or a
// stop request interrupts the wait).
//
// A permanent or exhausted failure marks the node failed and returns the
// failed result. Success returns without finalizing the node status: fan-out
// parents complete on child completion, not on their data fetch.
func (s *NodeService) runAttempts(ctx context.Context, definition *models.WorkflowDefinition, instance *models.WorkflowInstance, node *models.NodeInstance, nodeDef *models.NodeDefinition, attempt attemptFunc) (*models.ExecutionResult, error) {
	maxRetries, retryDelay := definition.RetryPolicyFor(nodeDef)
	repo := s.persistence.NodeInstances()

	if node.Status != models.NodeStatusRunning {
		if err := repo.UpdateStatus(ctx, node.ID, models.NodeStatusRunning, "", nil); err != nil {
			return nil, fmt.Errorf("failed to mark node %s running: %w", node.NodeID, err)
		}

		node.Status = models.NodeStatusRunning
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := repo.IncrementAttempt(ctx, node.ID); err != nil {
			return nil, fmt.Errorf("failed to record attempt on node %s: %w", node.NodeID, err)
		}

		node.Attempt++

		attemptStarted := time.Now().UTC()
		s.publisher.NodeStarted(ctx, instance, node, node.Attempt)

		result := attempt(ctx)
		if result == nil {
			result = &models.ExecutionResult{Success: true}
		}

		if result.Success {
			return result, nil
		}

		if result.Permanent || node.Attempt > maxRetries {
			if err := s.failNode(ctx, instance, node, attemptStarted, result); err != nil {
				return nil, err
			}

			return result, nil
		}

		s.publisher.NodeRetrying(ctx, instance, node, node.Attempt, retryDelay, result.ErrorMessage)

		if retryDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
}

// executorAttempt builds an attemptFunc invoking a registered executor. Each
// attempt runs under the node's timeout, and a panicking executor is
// converted into a failed result on the spot.
func (s *NodeService) executorAttempt(nodeDef *models.NodeDefinition, executorName string, config map[string]any, execCtx models.ExecutionContext) attemptFunc {
	return func(ctx context.Context) (result *models.ExecutionResult) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.ErrorContext(ctx, "executor panicked",
					"executor", executorName,
					"node_id", execCtx.NodeID,
					"panic", r)

				result = &models.ExecutionResult{
					Success:      false,
					ErrorMessage: fmt.Sprintf("executor %s panicked: %v", executorName, r),
				}
			}
		}()

		attemptCtx := ctx

		if nodeDef.TimeoutSeconds > 0 {
			var cancel context.CancelFunc

			attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(nodeDef.TimeoutSeconds)*time.Second)
			defer cancel()
		}

		executor, err := s.registry.CreateExecutor(attemptCtx, executorName, config)
		if err != nil {
			// A missing executor or a rejected config cannot improve on retry.
			return &models.ExecutionResult{
				Success:      false,
				ErrorMessage: err.Error(),
				Permanent:    true,
			}
		}

		res, err := executor.Execute(attemptCtx, execCtx)
		if err != nil {
			return &models.ExecutionResult{Success: false, ErrorMessage: err.Error()}
		}

		if res == nil {
			res = &models.ExecutionResult{Success: true}
		}

		return res
	}
}

// completeNode marks the node's successful terminal state and publishes it.
func (s *NodeService) completeNode(ctx context.Context, instance *models.WorkflowInstance, node *models.NodeInstance, started time.Time, result *models.ExecutionResult) error {
	if err := s.persistence.NodeInstances().UpdateStatus(ctx, node.ID, models.NodeStatusCompleted, "", nil); err != nil {
		return fmt.Errorf("failed to mark node %s completed: %w", node.NodeID, err)
	}

	node.Status = models.NodeStatusCompleted
	s.publisher.NodeCompleted(ctx, instance, node, started, result.Data)

	return nil
}

// failNode marks the node's failed terminal state and publishes it.
func (s *NodeService) failNode(ctx context.Context, instance *models.WorkflowInstance, node *models.NodeInstance, started time.Time, result *models.ExecutionResult) error {
	if err := s.persistence.NodeInstances().UpdateStatus(ctx, node.ID, models.NodeStatusFailed, result.ErrorMessage, marshalDetails(result.ErrorDetails)); err != nil {
		return fmt.Errorf("failed to mark node %s failed: %w", node.NodeID, err)
	}

	node.Status = models.NodeStatusFailed
	s.publisher.NodeFailed(ctx, instance, node, result.ErrorMessage, node.Attempt, result.Permanent, started)

	return nil
}

// requireRunning re-reads the instance and reports ErrInstanceNotRunning if
// some other actor moved it out of running. Fan-out nodes call this before
// each child, so a stop request takes effect before the next child starts
// even mid-batch.
func (s *NodeService) requireRunning(ctx context.Context, instanceID int64) error {
	instance, err := s.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to re-read instance %d: %w", instanceID, err)
	}

	if instance == nil || instance.Status != models.InstanceStatusRunning {
		return ErrInstanceNotRunning
	}

	return nil
}

// progressTracker serializes fan-out progress writes. Concurrent children
// record their terminal states through it so the parent's counters stay
// consistent under parallel completion.
type progressTracker struct {
	mu     sync.Mutex
	repo   persistence.NodeInstanceRepository
	parent *models.NodeInstance
}

func newProgressTracker(repo persistence.NodeInstanceRepository, parent *models.NodeInstance) *progressTracker {
	if parent.Progress == nil {
		parent.Progress = &models.LoopProgress{}
	}

	return &progressTracker{repo: repo, parent: parent}
}

// Record notes one child's terminal state and persists the updated counters.
func (t *progressTracker) Record(ctx context.Context, child *models.NodeInstance) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.parent.Progress.Record(child.NodeID, child.Status)

	if err := t.repo.UpdateLoopProgress(ctx, t.parent.ID, t.parent.Progress); err != nil {
		return fmt.Errorf("failed to update progress on node %s: %w", t.parent.NodeID, err)
	}

	return nil
}

// Failed returns the current failed-children count.
func (t *progressTracker) Failed() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.parent.Progress.Failed
}

// finishFanOut applies the completion policy once every child is accounted
// for: fail-fast fails the parent on any failed child, best-effort fails it
// only when no child succeeded.
func (s *NodeService) finishFanOut(ctx context.Context, instance *models.WorkflowInstance, node *models.NodeInstance, failFast bool, started time.Time) (*models.ExecutionResult, error) {
	progress := node.Progress
	if progress == nil {
		progress = &models.LoopProgress{}
	}

	data := map[string]any{
		"total":     progress.Total,
		"completed": progress.Completed,
		"failed":    progress.Failed,
	}

	anyFailed := failFast && progress.Failed > 0
	allFailed := progress.Total > 0 && progress.Completed == 0 && progress.Failed >= progress.Total

	if anyFailed || allFailed {
		result := &models.ExecutionResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("%d of %d children of node %s failed", progress.Failed, progress.Total, node.NodeID),
			ErrorDetails: data,
			Permanent:    true,
		}

		if err := s.failNode(ctx, instance, node, started, result); err != nil {
			return nil, err
		}

		return result, nil
	}

	result := &models.ExecutionResult{Success: true, Data: data}

	if err := s.completeNode(ctx, instance, node, started, result); err != nil {
		return nil, err
	}

	return result, nil
}
