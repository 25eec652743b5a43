package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nornlabs/norn/pkg/eventbus"
	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/otelhelper"
	"github.com/nornlabs/norn/pkg/persistence"
	"github.com/nornlabs/norn/pkg/registry"
)

// tracer emits engine spans through the globally installed provider; without
// otelhelper.Setup it is a no-op.
var tracer = otel.Tracer("github.com/nornlabs/norn/pkg/workflow")

// Engine drives workflow instances to a terminal status. Every run is
// protected by a storage lease: the engine acquires it before touching the
// instance, renews it on a heartbeat ticker, and aborts the run the moment
// renewal fails. Crashed runs leave the instance running with a stale
// heartbeat, which the recovery sweeper picks up.
type Engine struct {
	config      Config
	persistence persistence.Persistence
	registry    *registry.Registry
	publisher   *Publisher
	instances   *InstanceService
	nodes       *NodeService
	locks       *LockService
	logger      *slog.Logger
}

// NewEngine wires the engine and its services. A nil bus disables event
// publishing; the execution log is always written.
func NewEngine(cfg Config, persist persistence.Persistence, reg *registry.Registry, bus eventbus.EventPublisher, logger *slog.Logger) *Engine {
	cfg = cfg.WithDefaults()
	logger = logger.With("module", "workflow_engine", "engine_id", cfg.EngineID)

	publisher := NewPublisher(persist.ExecutionLog(), bus, cfg.EngineID, logger)
	locks := NewLockService(persist.Locks(), logger)
	instances := NewInstanceService(persist, locks, cfg, logger)

	e := &Engine{
		config:      cfg,
		persistence: persist,
		registry:    reg,
		publisher:   publisher,
		instances:   instances,
		locks:       locks,
		logger:      logger,
	}
	e.nodes = NewNodeService(persist, reg, instances, publisher, e, cfg, logger)

	return e
}

// StartWorkflow resolves or creates an instance for the definition and drives
// it to completion in the calling goroutine. A (nil, nil) return means a
// resume was requested and nothing interrupted matched.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID string, opts StartOptions) (*models.WorkflowInstance, error) {
	instance, err := e.instances.GetOrCreate(ctx, definitionID, opts)
	if err != nil {
		return nil, err
	}

	if instance == nil {
		return nil, nil
	}

	if err := e.ExecuteInstance(ctx, instance.ID); err != nil {
		return instance, err
	}

	final, err := e.persistence.Instances().GetByID(ctx, instance.ID)
	if err != nil {
		return instance, fmt.Errorf("failed to reload instance %d: %w", instance.ID, err)
	}

	if final == nil {
		return instance, nil
	}

	return final, nil
}

// ExecuteInstance runs one instance under this engine's lease until it
// reaches a terminal status, pauses, or the context ends. Returns
// ErrLockNotAcquired when another engine holds the instance.
func (e *Engine) ExecuteInstance(ctx context.Context, instanceID int64) error {
	instance, err := e.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance %d: %w", instanceID, err)
	}

	if instance == nil {
		return persistence.NewInstanceError("Execute", instanceID, persistence.ErrInstanceNotFound)
	}

	if instance.IsTerminal() {
		return nil
	}

	definition, err := e.persistence.Definitions().GetByID(ctx, instance.DefinitionID)
	if err != nil {
		return fmt.Errorf("failed to load definition %s: %w", instance.DefinitionID, err)
	}

	if definition == nil {
		message := fmt.Sprintf("workflow definition %s not found", instance.DefinitionID)
		e.failInstance(ctx, instance, "", message, nil)

		return fmt.Errorf("%s for instance %d", message, instanceID)
	}

	lockKey := models.InstanceLockKey(instance.ID)

	acquired, err := e.locks.Acquire(ctx, lockKey, e.config.EngineID, e.config.LeaseTTL)
	if err != nil {
		return err
	}

	if !acquired {
		return fmt.Errorf("instance %d: %w", instance.ID, ErrLockNotAcquired)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := e.startKeepalive(runCtx, cancel, instance.ID, lockKey)

	defer func() {
		cancel()
		<-done

		releaseCtx := context.WithoutCancel(ctx)
		if _, err := e.locks.Release(releaseCtx, lockKey, e.config.EngineID); err != nil {
			e.logger.ErrorContext(releaseCtx, "failed to release execution lease",
				"instance_id", instance.ID, "error", err)
		}
	}()

	spanCtx, span := otelhelper.StartSpan(runCtx, tracer, "workflow.execute",
		attribute.String(otelhelper.DefinitionIDKey, definition.ID),
		attribute.String(otelhelper.DefinitionNameKey, definition.Name),
		attribute.String(otelhelper.DefinitionVersionKey, definition.Version),
		attribute.Int64(otelhelper.InstanceIDKey, instance.ID),
		attribute.String(otelhelper.ExternalIDKey, instance.ExternalID),
		attribute.String(otelhelper.EngineIDKey, e.config.EngineID),
	)

	err = e.runLoop(spanCtx, definition, instance)
	otelhelper.EndSpan(span, err)

	return err
}

// startKeepalive renews the lease and records heartbeats on a ticker. Losing
// the lease cancels the run context, which the run loop observes at its next
// iteration. The returned channel closes when the goroutine exits.
func (e *Engine) startKeepalive(ctx context.Context, cancel context.CancelFunc, instanceID int64, lockKey string) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(e.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				renewed, err := e.locks.Renew(ctx, lockKey, e.config.EngineID, e.config.LeaseTTL)
				if err != nil {
					if ctx.Err() == nil {
						e.logger.ErrorContext(ctx, "lease renewal failed, aborting run",
							"instance_id", instanceID, "error", err)
					}

					cancel()

					return
				}

				if !renewed {
					cancel()

					return
				}

				if err := e.persistence.Instances().UpdateHeartbeat(ctx, instanceID, e.config.EngineID); err != nil && ctx.Err() == nil {
					e.logger.WarnContext(ctx, "failed to record heartbeat",
						"instance_id", instanceID, "error", err)
				}
			}
		}
	}()

	return done
}

// runLoop walks the graph from the instance's cursor, executing one node at a
// time and checkpointing after each. The instance status is re-read every
// iteration so external stops and pauses take effect between nodes.
func (e *Engine) runLoop(ctx context.Context, definition *models.WorkflowDefinition, instance *models.WorkflowInstance) error {
	resumed := instance.StartedAt != nil

	ok, err := e.persistence.Instances().UpdateStatus(ctx, instance.ID, persistence.StatusUpdate{
		From:     models.NonTerminalInstanceStatuses,
		To:       models.InstanceStatusRunning,
		EngineID: e.config.EngineID,
	})
	if err != nil {
		return fmt.Errorf("failed to mark instance %d running: %w", instance.ID, err)
	}

	if !ok {
		e.logger.InfoContext(ctx, "instance reached a terminal status before execution began",
			"instance_id", instance.ID)

		return nil
	}

	if err := e.persistence.Instances().UpdateHeartbeat(ctx, instance.ID, e.config.EngineID); err != nil {
		e.logger.WarnContext(ctx, "failed to record initial heartbeat",
			"instance_id", instance.ID, "error", err)
	}

	fresh, err := e.persistence.Instances().GetByID(ctx, instance.ID)
	if err != nil {
		return fmt.Errorf("failed to reload instance %d: %w", instance.ID, err)
	}

	if fresh == nil {
		return persistence.NewInstanceError("Execute", instance.ID, persistence.ErrInstanceNotFound)
	}

	if resumed {
		e.publisher.WorkflowResumed(ctx, fresh)
	} else {
		e.publisher.WorkflowStarted(ctx, fresh)
	}

	var current *models.NodeInstance

	if fresh.CurrentNodeID != "" {
		current, err = e.persistence.NodeInstances().GetByInstanceAndNodeID(ctx, fresh.ID, fresh.CurrentNodeID)
		if err != nil {
			return fmt.Errorf("failed to load current node %s: %w", fresh.CurrentNodeID, err)
		}

		if current == nil {
			return fmt.Errorf("current node %s of instance %d has no node instance", fresh.CurrentNodeID, fresh.ID)
		}
	}

	deadline, hasDeadline := definition.Deadline(startedAtOf(fresh))
	nodesExecuted := 0

	for {
		// A cancelled run context means the lease or the process is going
		// away. Leave the instance running; recovery resumes it elsewhere.
		if err := ctx.Err(); err != nil {
			return err
		}

		fresh, err = e.persistence.Instances().GetByID(ctx, fresh.ID)
		if err != nil {
			return fmt.Errorf("failed to reload instance %d: %w", instance.ID, err)
		}

		if fresh == nil {
			return persistence.NewInstanceError("Execute", instance.ID, persistence.ErrInstanceNotFound)
		}

		if fresh.IsTerminal() {
			e.logger.InfoContext(ctx, "instance reached a terminal status externally",
				"instance_id", fresh.ID, "status", fresh.Status)

			return nil
		}

		if fresh.Status == models.InstanceStatusPaused {
			e.logger.InfoContext(ctx, "instance paused, suspending execution", "instance_id", fresh.ID)

			return nil
		}

		if hasDeadline && time.Now().UTC().After(deadline) {
			message := fmt.Sprintf("workflow deadline of %ds exceeded", definition.TimeoutSeconds)
			e.failInstance(ctx, fresh, fresh.CurrentNodeID, message, nil)

			return nil
		}

		next, err := e.instances.GetNextNode(ctx, definition, fresh, current)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				e.failInstance(ctx, fresh, fresh.CurrentNodeID, err.Error(), nil)

				return nil
			}

			return err
		}

		if next == nil {
			return e.completeInstance(ctx, fresh, nodesExecuted)
		}

		ectx := models.ExecutionContext{
			InstanceID:   fresh.ID,
			DefinitionID: definition.ID,
			ExternalID:   fresh.ExternalID,
			BusinessKey:  fresh.BusinessKey,
			Checkpoint:   fresh.CheckpointData,
			Variables:    fresh.Variables,
			Logger:       e.logger.With("instance_id", fresh.ID),
		}

		result, err := e.nodes.Execute(ctx, definition, fresh, next, ectx)
		if err != nil {
			if errors.Is(err, ErrInstanceNotRunning) {
				e.logger.InfoContext(ctx, "instance was stopped mid-execution", "instance_id", fresh.ID)

				return nil
			}

			// A structurally invalid definition cannot improve on retry.
			var verr *ValidationError
			if errors.As(err, &verr) {
				e.failInstance(ctx, fresh, next.NodeID, err.Error(), nil)

				return nil
			}

			return fmt.Errorf("failed to execute node %s: %w", next.NodeID, err)
		}

		if !result.Success {
			e.failInstance(ctx, fresh, next.NodeID, result.ErrorMessage, result.ErrorDetails)

			return nil
		}

		nodesExecuted++

		checkpoint := fresh.CheckpointData
		if len(result.Checkpoint) > 0 {
			checkpoint = result.Checkpoint
		}

		if err := e.persistence.Instances().UpdateCurrentNode(ctx, fresh.ID, next.NodeID, checkpoint); err != nil {
			return fmt.Errorf("failed to checkpoint node %s: %w", next.NodeID, err)
		}

		current = next
	}
}

func (e *Engine) completeInstance(ctx context.Context, instance *models.WorkflowInstance, nodesExecuted int) error {
	ok, err := e.persistence.Instances().UpdateStatus(ctx, instance.ID, persistence.StatusUpdate{
		From: []models.InstanceStatus{models.InstanceStatusRunning},
		To:   models.InstanceStatusCompleted,
	})
	if err != nil {
		return fmt.Errorf("failed to complete instance %d: %w", instance.ID, err)
	}

	if !ok {
		// Someone else finalized it between the status re-read and here.
		return nil
	}

	e.publisher.WorkflowCompleted(ctx, instance, nodesExecuted)
	e.logger.InfoContext(ctx, "workflow instance completed",
		"instance_id", instance.ID, "nodes_executed", nodesExecuted)

	return nil
}

// failInstance records a terminal failure. A refused transition means the
// instance was finalized elsewhere, which is not an error here.
func (e *Engine) failInstance(ctx context.Context, instance *models.WorkflowInstance, nodeID, message string, details map[string]any) {
	ok, err := e.persistence.Instances().UpdateStatus(ctx, instance.ID, persistence.StatusUpdate{
		From:         models.NonTerminalInstanceStatuses,
		To:           models.InstanceStatusFailed,
		ErrorMessage: message,
		ErrorDetails: marshalDetails(details),
		FailedNodeID: nodeID,
	})
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to record workflow failure",
			"instance_id", instance.ID, "error", err)

		return
	}

	if !ok {
		e.logger.WarnContext(ctx, "failure transition refused, instance already terminal",
			"instance_id", instance.ID)

		return
	}

	e.publisher.WorkflowFailed(ctx, instance, nodeID, message, details)
}

// ResumeWorkflow re-executes an interrupted instance under this engine.
// Actively driven instances are refused with ErrLockNotAcquired so sweepers
// on other engines back off without treating it as a failure.
func (e *Engine) ResumeWorkflow(ctx context.Context, instanceID int64) error {
	instance, err := e.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance %d: %w", instanceID, err)
	}

	if instance == nil {
		return persistence.NewInstanceError("Resume", instanceID, persistence.ErrInstanceNotFound)
	}

	if instance.IsTerminal() {
		return nil
	}

	if !instance.IsInterrupted(e.config.StaleThreshold, time.Now().UTC()) {
		return fmt.Errorf("instance %d is actively owned: %w", instanceID, ErrLockNotAcquired)
	}

	return e.ExecuteInstance(ctx, instanceID)
}

// StopWorkflow cancels a non-terminal instance. The driving engine observes
// the cancelled status at its next loop iteration and exits cleanly; stopping
// an already terminal instance is a no-op.
func (e *Engine) StopWorkflow(ctx context.Context, instanceID int64, reason string) error {
	instance, err := e.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance %d: %w", instanceID, err)
	}

	if instance == nil {
		return persistence.NewInstanceError("Stop", instanceID, persistence.ErrInstanceNotFound)
	}

	if instance.IsTerminal() {
		return nil
	}

	ok, err := e.persistence.Instances().UpdateStatus(ctx, instanceID, persistence.StatusUpdate{
		From:         models.NonTerminalInstanceStatuses,
		To:           models.InstanceStatusCancelled,
		ErrorMessage: reason,
	})
	if err != nil {
		return fmt.Errorf("failed to cancel instance %d: %w", instanceID, err)
	}

	if !ok {
		return nil
	}

	e.publisher.WorkflowCancelled(ctx, instance, reason)
	e.logger.InfoContext(ctx, "workflow instance cancelled",
		"instance_id", instanceID, "reason", reason)

	return nil
}

// PauseWorkflow suspends a pending or running instance. The recovery sweeper
// treats paused instances as resumable, so a pause without a matching resume
// lasts at most one sweep interval unless the sweeper is disabled.
func (e *Engine) PauseWorkflow(ctx context.Context, instanceID int64, reason string) error {
	instance, err := e.persistence.Instances().GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("failed to load instance %d: %w", instanceID, err)
	}

	if instance == nil {
		return persistence.NewInstanceError("Pause", instanceID, persistence.ErrInstanceNotFound)
	}

	if instance.IsTerminal() {
		return nil
	}

	ok, err := e.persistence.Instances().UpdateStatus(ctx, instanceID, persistence.StatusUpdate{
		From:         []models.InstanceStatus{models.InstanceStatusPending, models.InstanceStatusRunning},
		To:           models.InstanceStatusPaused,
		ErrorMessage: reason,
	})
	if err != nil {
		return fmt.Errorf("failed to pause instance %d: %w", instanceID, err)
	}

	if !ok {
		return nil
	}

	e.publisher.WorkflowPaused(ctx, instance, reason)

	return nil
}

func startedAtOf(instance *models.WorkflowInstance) time.Time {
	if instance.StartedAt != nil {
		return *instance.StartedAt
	}

	return instance.CreatedAt
}
