package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
)

const instanceColumns = `
	id
  , definition_id
  , external_id
  , business_key
  , mutex_key
  , status
  , current_node_id
  , checkpoint_data
  , variables
  , engine_id
  , last_heartbeat_at
  , error_message
  , error_details
  , failed_node_id
  , started_at
  , finished_at
  , created_at
  , updated_at
`

// InstanceRepository handles workflow instance database operations.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new workflow instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

// Create inserts a new instance and backfills its generated ID. A duplicate
// external ID returns ErrInstanceExists so callers can fetch the winner of
// the race instead.
func (r *InstanceRepository) Create(ctx context.Context, instance *models.WorkflowInstance) error {
	now := time.Now().UTC()

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now

	variablesJSON, err := json.Marshal(instance.Variables)
	if err != nil {
		return fmt.Errorf("failed to marshal variables: %w", err)
	}

	query := `
		INSERT INTO workflow_instances
			(definition_id, external_id, business_key, mutex_key, status,
			 current_node_id, checkpoint_data, variables, engine_id, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, NULLIF($6, ''), $7, $8, NULLIF($9, ''), $10, $11)
		ON CONFLICT (external_id) DO NOTHING
		RETURNING id
	`

	err = r.db.QueryRowContext(ctx, query,
		instance.DefinitionID,
		instance.ExternalID,
		instance.BusinessKey,
		instance.MutexKey,
		instance.Status,
		instance.CurrentNodeID,
		[]byte(instance.CheckpointData),
		variablesJSON,
		instance.EngineID,
		instance.CreatedAt,
		instance.UpdatedAt,
	).Scan(&instance.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.ErrInstanceExists
		}

		return fmt.Errorf("failed to create instance: %w", err)
	}

	return nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id int64) (*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE id = $1`

	instance, err := r.scanInstance(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

func (r *InstanceRepository) GetByExternalID(ctx context.Context, externalID string) (*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE external_id = $1`

	instance, err := r.scanInstance(r.db.QueryRowContext(ctx, query, externalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

func (r *InstanceRepository) FindByBusinessKey(ctx context.Context, businessKey string) ([]*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE business_key = $1 ORDER BY created_at DESC`

	return r.queryInstances(ctx, query, businessKey)
}

func (r *InstanceRepository) FindByMutexKey(ctx context.Context, mutexKey string) ([]*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE mutex_key = $1 ORDER BY created_at DESC`

	return r.queryInstances(ctx, query, mutexKey)
}

// CheckInstanceLock returns a non-terminal instance holding the mutex key, or
// nil. Terminal instances release the key implicitly.
func (r *InstanceRepository) CheckInstanceLock(ctx context.Context, mutexKey string) (*models.WorkflowInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE mutex_key = $1 AND status IN ('pending', 'running', 'paused')
		ORDER BY created_at
		LIMIT 1
	`

	instance, err := r.scanInstance(r.db.QueryRowContext(ctx, query, mutexKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

// CheckBusinessInstanceLock returns any instance recorded for the business
// key regardless of status, or nil. A completed run still holds its business
// key; this is what makes business keys once-ever rather than once-at-a-time.
func (r *InstanceRepository) CheckBusinessInstanceLock(ctx context.Context, businessKey string) (*models.WorkflowInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE business_key = $1
		ORDER BY created_at
		LIMIT 1
	`

	instance, err := r.scanInstance(r.db.QueryRowContext(ctx, query, businessKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan instance: %w", err)
	}

	return instance, nil
}

// FindInterrupted lists resumable instances: paused, or running with a
// heartbeat missing or older than heartbeatTimeout.
func (r *InstanceRepository) FindInterrupted(ctx context.Context, heartbeatTimeout time.Duration) ([]*models.WorkflowInstance, error) {
	staleBefore := time.Now().UTC().Add(-heartbeatTimeout)

	query := `
		SELECT ` + instanceColumns + `
		FROM workflow_instances
		WHERE status = 'paused'
		   OR (status = 'running' AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1))
		ORDER BY created_at
	`

	return r.queryInstances(ctx, query, staleBefore)
}

// UpdateStatus applies a guarded status transition and reports whether it
// happened. Losing the guard is expected under contention, not an error.
func (r *InstanceRepository) UpdateStatus(ctx context.Context, id int64, update persistence.StatusUpdate) (bool, error) {
	query := `
		UPDATE workflow_instances SET
			status = $2,
			engine_id = CASE WHEN $3 <> '' THEN $3 ELSE engine_id END,
			error_message = CASE WHEN $4 <> '' THEN $4 ELSE error_message END,
			error_details = CASE WHEN $5::jsonb IS NOT NULL THEN $5::jsonb ELSE error_details END,
			failed_node_id = CASE WHEN $6 <> '' THEN $6 ELSE failed_node_id END,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('completed', 'failed', 'cancelled') THEN NOW() ELSE finished_at END,
			updated_at = NOW()
		WHERE id = $1
	`

	args := []any{id, update.To, update.EngineID, update.ErrorMessage, update.ErrorDetails, update.FailedNodeID}

	if len(update.From) > 0 {
		placeholders := make([]string, 0, len(update.From))

		for _, status := range update.From {
			args = append(args, status)
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}

		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update instance status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected > 0, nil
}

// BatchUpdateStatus transitions every listed instance currently in the from
// status and returns how many moved.
func (r *InstanceRepository) BatchUpdateStatus(ctx context.Context, ids []int64, from, to models.InstanceStatus) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	args := []any{from, to}
	placeholders := make([]string, 0, len(ids))

	for _, id := range ids {
		args = append(args, id)
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	query := `
		UPDATE workflow_instances SET status = $2, updated_at = NOW()
		WHERE status = $1 AND id IN (` + strings.Join(placeholders, ", ") + `)`

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to batch update instance status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// UpdateCurrentNode checkpoints the execution cursor and the opaque
// resumption state in one write.
func (r *InstanceRepository) UpdateCurrentNode(ctx context.Context, id int64, currentNodeID string, checkpoint []byte) error {
	query := `
		UPDATE workflow_instances SET
			current_node_id = NULLIF($2, ''),
			checkpoint_data = $3,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, currentNodeID, checkpoint)
	if err != nil {
		return fmt.Errorf("failed to update current node: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrInstanceNotFound
	}

	return nil
}

// UpdateHeartbeat stamps liveness for the engine currently driving the
// instance.
func (r *InstanceRepository) UpdateHeartbeat(ctx context.Context, id int64, engineID string) error {
	query := `
		UPDATE workflow_instances SET
			engine_id = $2,
			last_heartbeat_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, engineID)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrInstanceNotFound
	}

	return nil
}

// List returns instances matching the filter, newest first.
func (r *InstanceRepository) List(ctx context.Context, filter persistence.InstanceFilter) ([]*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances WHERE 1 = 1`

	args := make([]any, 0, 4)

	if filter.DefinitionID != "" {
		args = append(args, filter.DefinitionID)
		query += fmt.Sprintf(" AND definition_id = $%d", len(args))
	}

	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	if filter.BusinessKey != "" {
		args = append(args, filter.BusinessKey)
		query += fmt.Sprintf(" AND business_key = $%d", len(args))
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	return r.queryInstances(ctx, query, args...)
}

func (r *InstanceRepository) queryInstances(ctx context.Context, query string, args ...any) ([]*models.WorkflowInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		instance, err := r.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

func (r *InstanceRepository) scanInstance(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowInstance, error) {
	var (
		instance                      models.WorkflowInstance
		businessKey, mutexKey         sql.NullString
		currentNodeID, engineID       sql.NullString
		errorMessage, failedNodeID    sql.NullString
		checkpointJSON, variablesJSON []byte
		errorDetailsJSON              []byte
	)

	err := scanner.Scan(
		&instance.ID,
		&instance.DefinitionID,
		&instance.ExternalID,
		&businessKey,
		&mutexKey,
		&instance.Status,
		&currentNodeID,
		&checkpointJSON,
		&variablesJSON,
		&engineID,
		&instance.LastHeartbeatAt,
		&errorMessage,
		&errorDetailsJSON,
		&failedNodeID,
		&instance.StartedAt,
		&instance.FinishedAt,
		&instance.CreatedAt,
		&instance.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.BusinessKey = businessKey.String
	instance.MutexKey = mutexKey.String
	instance.CurrentNodeID = currentNodeID.String
	instance.EngineID = engineID.String
	instance.ErrorMessage = errorMessage.String
	instance.FailedNodeID = failedNodeID.String
	instance.CheckpointData = checkpointJSON
	instance.ErrorDetails = errorDetailsJSON

	if variablesJSON != nil {
		err := json.Unmarshal(variablesJSON, &instance.Variables)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal variables: %w", err)
		}
	}

	return &instance, nil
}
