package delay

import (
	"context"
	"errors"
	"time"

	"github.com/nornlabs/norn/pkg/models"
)

// DelayExecutor waits for a fixed duration. It exists for workflows that
// pace external systems, and for exercising cancellation in tests.
type DelayExecutor struct {
	duration time.Duration
}

// NewDelayExecutor creates a new delay executor.
func NewDelayExecutor(config map[string]any) (*DelayExecutor, error) {
	seconds, ok := config["seconds"].(float64)
	if !ok {
		return nil, errors.New("missing required field 'seconds'")
	}

	if seconds < 0 {
		return nil, errors.New("'seconds' cannot be negative")
	}

	return &DelayExecutor{duration: time.Duration(seconds * float64(time.Second))}, nil
}

// Execute waits out the configured duration or returns early when ctx is
// cancelled.
func (e *DelayExecutor) Execute(ctx context.Context, execCtx models.ExecutionContext) (*models.ExecutionResult, error) {
	timer := time.NewTimer(e.duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	return &models.ExecutionResult{
		Success: true,
		Data:    map[string]any{"delayed_seconds": e.duration.Seconds()},
	}, nil
}
