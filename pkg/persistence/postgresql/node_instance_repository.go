package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
)

const nodeInstanceColumns = `
	id
  , workflow_instance_id
  , node_id
  , parent_id
  , node_type
  , status
  , progress
  , item
  , attempt
  , error_message
  , error_details
  , started_at
  , finished_at
  , created_at
  , updated_at
`

const insertNodeInstanceQuery = `
	INSERT INTO node_instances
		(workflow_instance_id, node_id, parent_id, node_type, status, progress, item, attempt, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	ON CONFLICT (workflow_instance_id, node_id) DO NOTHING
	RETURNING id
`

// NodeInstanceRepository handles node instance database operations.
type NodeInstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewNodeInstanceRepository creates a new node instance repository.
func NewNodeInstanceRepository(db *sql.DB, logger *slog.Logger) *NodeInstanceRepository {
	return &NodeInstanceRepository{db: db, logger: logger}
}

// Create inserts a node instance and backfills its generated ID. A duplicate
// instance and node id pair returns ErrNodeInstanceExists so callers can
// fall back to the existing row.
func (r *NodeInstanceRepository) Create(ctx context.Context, node *models.NodeInstance) error {
	progressJSON, err := marshalProgress(node.Progress)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}

	node.UpdatedAt = now

	err = r.db.QueryRowContext(ctx, insertNodeInstanceQuery,
		node.WorkflowInstanceID,
		node.NodeID,
		node.ParentID,
		node.Type,
		node.Status,
		progressJSON,
		[]byte(node.Item),
		node.Attempt,
		node.CreatedAt,
		node.UpdatedAt,
	).Scan(&node.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.ErrNodeInstanceExists
		}

		return fmt.Errorf("failed to create node instance: %w", err)
	}

	return nil
}

// CreateMany inserts node instances in one transaction. Existing rows for the
// same instance and node id are left untouched.
func (r *NodeInstanceRepository) CreateMany(ctx context.Context, nodes []*models.NodeInstance) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = r.insertNodeInstances(ctx, tx, nodes)
	if err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// CreateLoopChildren persists generated loop children and stamps the parent's
// progress in the same transaction, so a crash between collection fetch and
// first child execution resumes without re-fetching the collection.
func (r *NodeInstanceRepository) CreateLoopChildren(ctx context.Context, parentID int64, children []*models.NodeInstance, progress *models.LoopProgress) error {
	progressJSON, err := marshalProgress(progress)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = r.insertNodeInstances(ctx, tx, children)
	if err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE node_instances SET progress = $2, updated_at = NOW() WHERE id = $1`,
		parentID, progressJSON)
	if err != nil {
		return fmt.Errorf("failed to update parent progress: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		err = persistence.ErrNodeInstanceNotFound

		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetByInstanceAndNodeID returns (nil, nil) when the node was not yet
// reached.
func (r *NodeInstanceRepository) GetByInstanceAndNodeID(ctx context.Context, instanceID int64, nodeID string) (*models.NodeInstance, error) {
	query := `SELECT ` + nodeInstanceColumns + ` FROM node_instances WHERE workflow_instance_id = $1 AND node_id = $2`

	node, err := r.scanNodeInstance(r.db.QueryRowContext(ctx, query, instanceID, nodeID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan node instance: %w", err)
	}

	return node, nil
}

func (r *NodeInstanceRepository) GetByID(ctx context.Context, id int64) (*models.NodeInstance, error) {
	query := `SELECT ` + nodeInstanceColumns + ` FROM node_instances WHERE id = $1`

	node, err := r.scanNodeInstance(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan node instance: %w", err)
	}

	return node, nil
}

// UpdateStatus transitions a node instance, stamping started_at on the first
// move to running and finished_at on terminal statuses.
func (r *NodeInstanceRepository) UpdateStatus(ctx context.Context, id int64, status models.NodeStatus, errorMessage string, errorDetails []byte) error {
	query := `
		UPDATE node_instances SET
			status = $2,
			error_message = CASE WHEN $3 <> '' THEN $3 ELSE error_message END,
			error_details = CASE WHEN $4::jsonb IS NOT NULL THEN $4::jsonb ELSE error_details END,
			started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN NOW() ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('completed', 'failed') THEN NOW() ELSE finished_at END,
			updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query, id, status, errorMessage, errorDetails)
	if err != nil {
		return fmt.Errorf("failed to update node instance status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrNodeInstanceNotFound
	}

	return nil
}

// UpdateLoopProgress rewrites the parent's fan-out progress blob.
func (r *NodeInstanceRepository) UpdateLoopProgress(ctx context.Context, id int64, progress *models.LoopProgress) error {
	progressJSON, err := marshalProgress(progress)
	if err != nil {
		return err
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE node_instances SET progress = $2, updated_at = NOW() WHERE id = $1`,
		id, progressJSON)
	if err != nil {
		return fmt.Errorf("failed to update loop progress: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrNodeInstanceNotFound
	}

	return nil
}

// IncrementAttempt bumps the retry counter before a new attempt runs.
func (r *NodeInstanceRepository) IncrementAttempt(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE node_instances SET attempt = attempt + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to increment attempt: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrNodeInstanceNotFound
	}

	return nil
}

// FindPendingChildren returns a parent's unfinished children in collection
// order. Running children are included: a crashed engine leaves its in-flight
// child in running, and resumption must pick it back up.
func (r *NodeInstanceRepository) FindPendingChildren(ctx context.Context, parentID int64) ([]*models.NodeInstance, error) {
	query := `SELECT ` + nodeInstanceColumns + ` FROM node_instances WHERE parent_id = $1 AND status IN ('pending', 'running') ORDER BY id`

	return r.queryNodeInstances(ctx, query, parentID)
}

// FindChildren returns all of a parent's children in collection order.
func (r *NodeInstanceRepository) FindChildren(ctx context.Context, parentID int64) ([]*models.NodeInstance, error) {
	query := `SELECT ` + nodeInstanceColumns + ` FROM node_instances WHERE parent_id = $1 ORDER BY id`

	return r.queryNodeInstances(ctx, query, parentID)
}

// ListByInstance returns every node instance of a workflow instance in
// creation order.
func (r *NodeInstanceRepository) ListByInstance(ctx context.Context, instanceID int64) ([]*models.NodeInstance, error) {
	query := `SELECT ` + nodeInstanceColumns + ` FROM node_instances WHERE workflow_instance_id = $1 ORDER BY id`

	return r.queryNodeInstances(ctx, query, instanceID)
}

func (r *NodeInstanceRepository) insertNodeInstances(ctx context.Context, tx *sql.Tx, nodes []*models.NodeInstance) error {
	now := time.Now().UTC()

	for _, node := range nodes {
		progressJSON, err := marshalProgress(node.Progress)
		if err != nil {
			return err
		}

		if node.CreatedAt.IsZero() {
			node.CreatedAt = now
		}

		node.UpdatedAt = now

		err = tx.QueryRowContext(ctx, insertNodeInstanceQuery,
			node.WorkflowInstanceID,
			node.NodeID,
			node.ParentID,
			node.Type,
			node.Status,
			progressJSON,
			[]byte(node.Item),
			node.Attempt,
			node.CreatedAt,
			node.UpdatedAt,
		).Scan(&node.ID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				// Row already there from an earlier attempt; reuse it.
				err = tx.QueryRowContext(ctx,
					`SELECT id FROM node_instances WHERE workflow_instance_id = $1 AND node_id = $2`,
					node.WorkflowInstanceID, node.NodeID).Scan(&node.ID)
				if err != nil {
					return fmt.Errorf("failed to load existing node instance: %w", err)
				}

				continue
			}

			return fmt.Errorf("failed to insert node instance: %w", err)
		}
	}

	return nil
}

func (r *NodeInstanceRepository) queryNodeInstances(ctx context.Context, query string, args ...any) ([]*models.NodeInstance, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query node instances: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	nodes := make([]*models.NodeInstance, 0)

	for rows.Next() {
		node, err := r.scanNodeInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node instance: %w", err)
		}

		nodes = append(nodes, node)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node instances: %w", err)
	}

	return nodes, nil
}

func (r *NodeInstanceRepository) scanNodeInstance(scanner interface {
	Scan(dest ...any) error
}) (*models.NodeInstance, error) {
	var (
		node                   models.NodeInstance
		progressJSON, itemJSON []byte
		errorMessage           sql.NullString
		errorDetailsJSON       []byte
	)

	err := scanner.Scan(
		&node.ID,
		&node.WorkflowInstanceID,
		&node.NodeID,
		&node.ParentID,
		&node.Type,
		&node.Status,
		&progressJSON,
		&itemJSON,
		&node.Attempt,
		&errorMessage,
		&errorDetailsJSON,
		&node.StartedAt,
		&node.FinishedAt,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	node.ErrorMessage = errorMessage.String
	node.Item = itemJSON
	node.ErrorDetails = errorDetailsJSON

	if progressJSON != nil {
		err := json.Unmarshal(progressJSON, &node.Progress)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal loop progress: %w", err)
		}
	}

	return &node, nil
}

func marshalProgress(progress *models.LoopProgress) ([]byte, error) {
	if progress == nil {
		return nil, nil
	}

	progressJSON, err := json.Marshal(progress)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal loop progress: %w", err)
	}

	return progressJSON, nil
}
