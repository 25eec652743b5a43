package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
)

const definitionColumns = `
	id
  , name
  , version
  , description
  , category
  , tags
  , definition
  , status
  , timeout_seconds
  , max_retries
  , retry_delay_seconds
  , created_at
  , updated_at
`

// DefinitionRepository handles workflow definition database operations.
type DefinitionRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewDefinitionRepository creates a new workflow definition repository.
func NewDefinitionRepository(db *sql.DB, logger *slog.Logger) *DefinitionRepository {
	return &DefinitionRepository{db: db, logger: logger}
}

// Create inserts a new definition version. A duplicate name and version pair
// returns ErrDefinitionExists.
func (r *DefinitionRepository) Create(ctx context.Context, definition *models.WorkflowDefinition) error {
	now := time.Now().UTC()

	if definition.CreatedAt.IsZero() {
		definition.CreatedAt = now
	}

	definition.UpdatedAt = now

	if definition.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate definition ID: %w", err)
		}

		definition.ID = id.String()
	}

	tagsJSON, definitionJSON, err := marshalDefinitionFields(definition)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_definitions
			(id, name, version, description, category, tags, definition, status,
			 timeout_seconds, max_retries, retry_delay_seconds, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (name, version) DO NOTHING
	`

	result, err := r.db.ExecContext(ctx, query,
		definition.ID,
		definition.Name,
		definition.Version,
		definition.Description,
		definition.Category,
		tagsJSON,
		definitionJSON,
		definition.Status,
		definition.TimeoutSeconds,
		definition.MaxRetries,
		definition.RetryDelaySeconds,
		definition.CreatedAt,
		definition.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create definition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrDefinitionExists
	}

	return nil
}

// Update rewrites a definition in place. Missing definitions return
// ErrDefinitionNotFound.
func (r *DefinitionRepository) Update(ctx context.Context, definition *models.WorkflowDefinition) error {
	definition.UpdatedAt = time.Now().UTC()

	tagsJSON, definitionJSON, err := marshalDefinitionFields(definition)
	if err != nil {
		return err
	}

	query := `
		UPDATE workflow_definitions SET
			description = $2,
			category = $3,
			tags = $4,
			definition = $5,
			status = $6,
			timeout_seconds = $7,
			max_retries = $8,
			retry_delay_seconds = $9,
			updated_at = $10
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		definition.ID,
		definition.Description,
		definition.Category,
		tagsJSON,
		definitionJSON,
		definition.Status,
		definition.TimeoutSeconds,
		definition.MaxRetries,
		definition.RetryDelaySeconds,
		definition.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update definition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrDefinitionNotFound
	}

	return nil
}

// Delete removes a definition. Instances keep their foreign key, so deletion
// fails while instances reference the definition.
func (r *DefinitionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workflow_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete definition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return persistence.ErrDefinitionNotFound
	}

	return nil
}

func (r *DefinitionRepository) GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE id = $1`

	definition, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}

	return definition, nil
}

func (r *DefinitionRepository) GetByNameAndVersion(ctx context.Context, name, version string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE name = $1 AND version = $2`

	definition, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, name, version))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}

	return definition, nil
}

// GetActiveByName returns the single active version of a named workflow, or
// nil when no version is active.
func (r *DefinitionRepository) GetActiveByName(ctx context.Context, name string) (*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE name = $1 AND status = $2`

	definition, err := r.scanDefinition(r.db.QueryRowContext(ctx, query, name, models.DefinitionStatusActive))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to scan definition: %w", err)
	}

	return definition, nil
}

// ListByName returns all versions of a named workflow, newest first.
func (r *DefinitionRepository) ListByName(ctx context.Context, name string) ([]*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions WHERE name = $1 ORDER BY created_at DESC`

	return r.queryDefinitions(ctx, query, name)
}

// List returns all definitions, newest first.
func (r *DefinitionRepository) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions ORDER BY created_at DESC`

	return r.queryDefinitions(ctx, query)
}

// Activate marks the definition active and demotes any other active version
// of the same name to deprecated, in one transaction.
func (r *DefinitionRepository) Activate(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	demoteQuery := `
		UPDATE workflow_definitions SET status = $1, updated_at = NOW()
		WHERE name = (SELECT name FROM workflow_definitions WHERE id = $2)
		  AND status = $3
		  AND id <> $2
	`

	_, err = tx.ExecContext(ctx, demoteQuery, models.DefinitionStatusDeprecated, id, models.DefinitionStatusActive)
	if err != nil {
		return fmt.Errorf("failed to demote active definitions: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE workflow_definitions SET status = $1, updated_at = NOW() WHERE id = $2`,
		models.DefinitionStatusActive, id)
	if err != nil {
		return fmt.Errorf("failed to activate definition: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		err = persistence.ErrDefinitionNotFound

		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

func (r *DefinitionRepository) queryDefinitions(ctx context.Context, query string, args ...any) ([]*models.WorkflowDefinition, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query definitions: %w", err)
	}

	defer func() {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	definitions := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		definition, err := r.scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}

		definitions = append(definitions, definition)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return definitions, nil
}

func (r *DefinitionRepository) scanDefinition(scanner interface {
	Scan(dest ...any) error
}) (*models.WorkflowDefinition, error) {
	var (
		definition               models.WorkflowDefinition
		tagsJSON, definitionJSON []byte
		description, category    sql.NullString
	)

	err := scanner.Scan(
		&definition.ID,
		&definition.Name,
		&definition.Version,
		&description,
		&category,
		&tagsJSON,
		&definitionJSON,
		&definition.Status,
		&definition.TimeoutSeconds,
		&definition.MaxRetries,
		&definition.RetryDelaySeconds,
		&definition.CreatedAt,
		&definition.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	definition.Description = description.String
	definition.Category = category.String

	if tagsJSON != nil {
		err := json.Unmarshal(tagsJSON, &definition.Tags)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
		}
	}

	if definitionJSON != nil {
		err := json.Unmarshal(definitionJSON, &definition.Definition)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal graph definition: %w", err)
		}
	}

	return &definition, nil
}

func marshalDefinitionFields(definition *models.WorkflowDefinition) ([]byte, []byte, error) {
	tagsJSON, err := json.Marshal(definition.Tags)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal tags: %w", err)
	}

	definitionJSON, err := json.Marshal(definition.Definition)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal graph definition: %w", err)
	}

	return tagsJSON, definitionJSON, nil
}
