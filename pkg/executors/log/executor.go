package log

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nornlabs/norn/pkg/models"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// LogExecutor logs a configured message with the execution context attached.
type LogExecutor struct {
	message string
	level   string
}

// NewLogExecutor creates a new logging executor.
func NewLogExecutor(config map[string]any) (*LogExecutor, error) {
	message, ok := config["message"].(string)
	if !ok {
		return nil, errors.New("missing required field 'message'")
	}

	level := "info"

	if name, ok := config["level"].(string); ok {
		if _, known := logLevels[name]; !known {
			return nil, fmt.Errorf("invalid log level '%s' (must be debug, info, warn, or error)", name)
		}

		level = name
	}

	return &LogExecutor{message: message, level: level}, nil
}

// Execute logs the message at the configured level.
func (e *LogExecutor) Execute(ctx context.Context, execCtx models.ExecutionContext) (*models.ExecutionResult, error) {
	logger := execCtx.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger.Log(ctx, logLevels[e.level], e.message,
		"instance_id", execCtx.InstanceID,
		"node_id", execCtx.NodeID,
	)

	return &models.ExecutionResult{
		Success: true,
		Data: map[string]any{
			"message": e.message,
			"level":   e.level,
			"logged":  true,
		},
	}, nil
}
