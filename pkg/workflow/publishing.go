package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/nornlabs/norn/pkg/eventbus"
	"github.com/nornlabs/norn/pkg/events"
	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
)

// Publisher fans every lifecycle transition out to the append-only execution
// log and, when a bus is wired, to the event bus. Publishing is best effort:
// a failure is logged and the transition stands, because the store is the
// source of truth and events are derived notifications.
type Publisher struct {
	logs     persistence.ExecutionLogRepository
	bus      eventbus.EventPublisher
	engineID string
	logger   *slog.Logger
}

// NewPublisher creates a publisher. A nil bus disables event publishing; the
// execution log is always written.
func NewPublisher(logs persistence.ExecutionLogRepository, bus eventbus.EventPublisher, engineID string, logger *slog.Logger) *Publisher {
	return &Publisher{
		logs:     logs,
		bus:      bus,
		engineID: engineID,
		logger:   logger.With("module", "workflow_publisher"),
	}
}

// WorkflowStarted records a fresh instance entering execution.
func (p *Publisher) WorkflowStarted(ctx context.Context, instance *models.WorkflowInstance) {
	event := events.WorkflowStarted{
		BaseEvent:   p.base(events.WorkflowStartedEvent, instance),
		ExternalID:  instance.ExternalID,
		BusinessKey: instance.BusinessKey,
		Variables:   instance.Variables,
	}

	p.emit(ctx, instance.ID, event, &models.ExecutionLogEntry{
		WorkflowInstanceID: instance.ID,
		Level:              "info",
		Event:              string(events.WorkflowStartedEvent),
		Message:            "workflow execution started",
	})
}

// WorkflowResumed records an interrupted instance re-entering execution.
func (p *Publisher) WorkflowResumed(ctx context.Context, instance *models.WorkflowInstance) {
	event := events.WorkflowResumed{
		BaseEvent:     p.base(events.WorkflowResumedEvent, instance),
		ExternalID:    instance.ExternalID,
		ResumedAtNode: instance.CurrentNodeID,
	}

	p.emit(ctx, instance.ID, event, &models.ExecutionLogEntry{
		WorkflowInstanceID: instance.ID,
		NodeID:             instance.CurrentNodeID,
		Level:              "info",
		Event:              string(events.WorkflowResumedEvent),
		Message:            "workflow execution resumed",
	})
}

// WorkflowCompleted records a successful terminal transition.
func (p *Publisher) WorkflowCompleted(ctx context.Context, instance *models.WorkflowInstance, nodesExecuted int) {
	event := events.WorkflowCompleted{
		BaseEvent:     p.base(events.WorkflowCompletedEvent, instance),
		ExternalID:    instance.ExternalID,
		DurationMs:    durationSince(instance.StartedAt),
		NodesExecuted: nodesExecuted,
	}

	p.emit(ctx, instance.ID, event, &models.ExecutionLogEntry{
		WorkflowInstanceID: instance.ID,
		Level:              "info",
		Event:              string(events.WorkflowCompletedEvent),
		Message:            "workflow execution completed",
	})
}

// WorkflowFailed records a failed terminal transition.
func (p *Publisher) WorkflowFailed(ctx context.Context, instance *models.WorkflowInstance, nodeID, message string, details map[string]any) {
	event := events.WorkflowFailed{
		BaseEvent:  p.base(events.WorkflowFailedEvent, instance),
		ExternalID: instance.ExternalID,
		Error: events.WorkflowError{
			NodeID:  nodeID,
			Message: message,
			Details: details,
		},
		DurationMs: durationSince(instance.StartedAt),
	}

	p.emit(ctx, instance.ID, event, &models.ExecutionLogEntry{
		WorkflowInstanceID: instance.ID,
		NodeID:             nodeID,
		Level:              "error",
		Event:              string(events.WorkflowFailedEvent),
		Message:            message,
		Details:            marshalDetails(details),
	})
}

// WorkflowCancelled records an externally requested stop.
func (p *Publisher) WorkflowCancelled(ctx context.Context, instance *models.WorkflowInstance, reason string) {
	event := events.WorkflowCancelled{
		BaseEvent:   p.base(events.WorkflowCancelledEvent, instance),
		ExternalID:  instance.ExternalID,
		Reason:      reason,
		CancelledBy: p.engineID,
		DurationMs:  durationSince(instance.StartedAt),
	}

	p.emit(ctx, instance.ID, event, &models.ExecutionLogEntry{
		WorkflowInstanceID: instance.ID,
		Level:              "warn",
		Event:              string(events.WorkflowCancelledEvent),
		Message:            "workflow execution cancelled: " + reason,
	})
}

// WorkflowPaused records an instance parked mid-run, typically by a graceful
// shutdown.
func (p *Publisher) WorkflowPaused(ctx context.Context, instance *models.WorkflowInstance, reason string) {
	event := events.WorkflowPaused{
		BaseEvent:    p.base(events.WorkflowPausedEvent, instance),
		ExternalID:   instance.ExternalID,
		PausedAtNode: instance.CurrentNodeID,
		Reason:       reason,
	}

	p.emit(ctx, instance.ID, event, &models.ExecutionLogEntry{
		WorkflowInstanceID: instance.ID,
		NodeID:             instance.CurrentNodeID,
		Level:              "warn",
		Event:              string(events.WorkflowPausedEvent),
		Message:            "workflow execution paused: " + reason,
	})
}

// NodeStarted records one execution attempt beginning on a node.
func (p *Publisher) NodeStarted(ctx context.Context, instance *models.WorkflowInstance, node *models.NodeInstance, attempt int) {
	event := events.NodeStarted{
		BaseEvent: p.base(events.NodeStartedEvent, instance),
		NodeID:    node.NodeID,
		NodeType:  node.Type,
		Attempt:   attempt,
	}

	p.emit(ctx, instance.ID, event, &models.ExecutionLogEntry{
		WorkflowInstanceID: instance.ID,
		NodeInstanceID:     &node.ID,
		NodeID:             node.NodeID,
		Level:              "info",
		Event:              string(events.NodeStartedEvent),
		Message:            "node execution started",
		Details:            marshalDetails(map[string]any{"attempt": attempt}),
	})
}

// NodeCompleted records a node reaching its successful terminal state.
func (p *Publisher) NodeCompleted(ctx context.Context, instance *models.WorkflowInstance, node *models.NodeInstance, startedAt time.Time, output map[string]any) {
	event := events.NodeCompleted{
		BaseEvent:  p.base(events.NodeCompletedEvent, instance),
		NodeID:     node.NodeID,
		NodeType:   node.Type,
		DurationMs: time.Since(startedAt).Milliseconds(),
		OutputData: output,
	}

	p.emit(ctx, instance.ID, event, &models.ExecutionLogEntry{
		WorkflowInstanceID: instance.ID,
		NodeInstanceID:     &node.ID,
		NodeID:             node.NodeID,
		Level:              "info",
		Event:              string(events.NodeCompletedEvent),
		Message:            "node execution completed",
	})
}

// NodeFailed records a node exhausting its attempts or failing permanently.
func (p *Publisher) NodeFailed(ctx context.Context, instance *models.WorkflowInstance, node *models.NodeInstance, errorMessage string, attempt int, permanent bool, startedAt time.Time) {
	event := events.NodeFailed{
		BaseEvent:  p.base(events.NodeFailedEvent, instance),
		NodeID:     node.NodeID,
		NodeType:   node.Type,
		Error:      errorMessage,
		Attempt:    attempt,
		Permanent:  permanent,
		DurationMs: time.Since(startedAt).Milliseconds(),
	}

	p.emit(ctx, instance.ID, event, &models.ExecutionLogEntry{
		WorkflowInstanceID: instance.ID,
		NodeInstanceID:     &node.ID,
		NodeID:             node.NodeID,
		Level:              "error",
		Event:              string(events.NodeFailedEvent),
		Message:            errorMessage,
		Details:            marshalDetails(map[string]any{"attempt": attempt, "permanent": permanent}),
	})
}

// NodeRetrying records the gap between a failed attempt and the next one.
func (p *Publisher) NodeRetrying(ctx context.Context, instance *models.WorkflowInstance, node *models.NodeInstance, attempt int, nextDelay time.Duration, errorMessage string) {
	event := events.NodeRetrying{
		BaseEvent:   p.base(events.NodeRetryingEvent, instance),
		NodeID:      node.NodeID,
		Attempt:     attempt,
		NextDelayMs: nextDelay.Milliseconds(),
		Error:       errorMessage,
	}

	p.emit(ctx, instance.ID, event, &models.ExecutionLogEntry{
		WorkflowInstanceID: instance.ID,
		NodeInstanceID:     &node.ID,
		NodeID:             node.NodeID,
		Level:              "warn",
		Event:              string(events.NodeRetryingEvent),
		Message:            "node attempt failed, retrying: " + errorMessage,
		Details:            marshalDetails(map[string]any{"attempt": attempt, "next_delay_ms": nextDelay.Milliseconds()}),
	})
}

// RecoveryPerformed summarizes one recovery sweep. It carries no instance, so
// the bus key falls back to the engine id.
func (p *Publisher) RecoveryPerformed(ctx context.Context, recovered int, locksCleaned int64) {
	event := events.RecoveryPerformed{
		BaseEvent:          events.NewBaseEvent(events.RecoveryPerformedEvent, 0, ""),
		InstancesRecovered: recovered,
		LocksCleaned:       locksCleaned,
	}
	event.EngineID = p.engineID

	if p.bus == nil {
		return
	}

	if err := p.bus.Publish(ctx, p.engineID, event); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish recovery event", "error", err)
	}
}

func (p *Publisher) base(eventType events.EventType, instance *models.WorkflowInstance) events.BaseEvent {
	base := events.NewBaseEvent(eventType, instance.ID, instance.DefinitionID)
	base.EngineID = p.engineID

	return base
}

func (p *Publisher) emit(ctx context.Context, instanceID int64, event eventbus.Event, entry *models.ExecutionLogEntry) {
	entry.EngineID = p.engineID
	entry.CreatedAt = time.Now().UTC()

	if err := p.logs.Append(ctx, entry); err != nil {
		p.logger.ErrorContext(ctx, "failed to append execution log entry",
			"event", entry.Event,
			"instance_id", entry.WorkflowInstanceID,
			"error", err)
	}

	if p.bus == nil {
		return
	}

	if err := p.bus.Publish(ctx, strconv.FormatInt(instanceID, 10), event); err != nil {
		p.logger.ErrorContext(ctx, "failed to publish event",
			"event_type", event.GetType(),
			"instance_id", instanceID,
			"error", err)
	}
}

// durationSince measures elapsed wall-clock time from an optional start.
func durationSince(startedAt *time.Time) int64 {
	if startedAt == nil {
		return 0
	}

	return time.Since(*startedAt).Milliseconds()
}

// marshalDetails encodes structured detail maps for log entries. Marshal
// failures degrade to nil rather than blocking the write.
func marshalDetails(details map[string]any) json.RawMessage {
	if len(details) == 0 {
		return nil
	}

	raw, err := json.Marshal(details)
	if err != nil {
		return nil
	}

	return raw
}
