package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nornlabs/norn/pkg/models"
)

// ExecutionLogRepository appends to and reads the audit trail.
type ExecutionLogRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewExecutionLogRepository creates a new execution log repository.
func NewExecutionLogRepository(db *sql.DB, logger *slog.Logger) *ExecutionLogRepository {
	return &ExecutionLogRepository{db: db, logger: logger}
}

// Append writes one audit record. The log is insert-only; there is no update
// path.
func (r *ExecutionLogRepository) Append(ctx context.Context, entry *models.ExecutionLogEntry) error {
	query := `
		INSERT INTO execution_log
			(workflow_instance_id, node_instance_id, node_id, level, event, message, details, engine_id)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, NULLIF($8, ''))
		RETURNING id, created_at
	`

	err := r.db.QueryRowContext(ctx, query,
		entry.WorkflowInstanceID,
		entry.NodeInstanceID,
		entry.NodeID,
		entry.Level,
		entry.Event,
		entry.Message,
		[]byte(entry.Details),
		entry.EngineID,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append execution log entry: %w", err)
	}

	return nil
}

// ListByInstance returns an instance's audit records oldest first, up to
// limit when positive.
func (r *ExecutionLogRepository) ListByInstance(ctx context.Context, instanceID int64, limit int) ([]*models.ExecutionLogEntry, error) {
	query := `
		SELECT
			id
		  , workflow_instance_id
		  , node_instance_id
		  , node_id
		  , level
		  , event
		  , message
		  , details
		  , engine_id
		  , created_at
		FROM execution_log
		WHERE workflow_instance_id = $1
		ORDER BY id
	`

	args := []any{instanceID}

	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution log: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	entries := make([]*models.ExecutionLogEntry, 0)

	for rows.Next() {
		var (
			entry            models.ExecutionLogEntry
			nodeID, engineID sql.NullString
			detailsJSON      []byte
		)

		err := rows.Scan(
			&entry.ID,
			&entry.WorkflowInstanceID,
			&entry.NodeInstanceID,
			&nodeID,
			&entry.Level,
			&entry.Event,
			&entry.Message,
			&detailsJSON,
			&engineID,
			&entry.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution log entry: %w", err)
		}

		entry.NodeID = nodeID.String
		entry.EngineID = engineID.String
		entry.Details = detailsJSON

		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating execution log: %w", err)
	}

	return entries, nil
}
