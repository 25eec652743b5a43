// Package postgresql provides PostgreSQL persistence for workflow definitions,
// instances, node instances, execution leases, and the execution log.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"

	"github.com/nornlabs/norn/pkg/persistence"
	"github.com/nornlabs/norn/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db               *sql.DB
	logger           *slog.Logger
	definitionRepo   *DefinitionRepository
	instanceRepo     *InstanceRepository
	nodeInstanceRepo *NodeInstanceRepository
	lockRepo         *LockRepository
	executionLogRepo *ExecutionLogRepository
}

// NewPersistence connects to PostgreSQL and runs pending schema migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:               database,
		logger:           logger,
		definitionRepo:   NewDefinitionRepository(database, logger),
		instanceRepo:     NewInstanceRepository(database, logger),
		nodeInstanceRepo: NewNodeInstanceRepository(database, logger),
		lockRepo:         NewLockRepository(database, logger),
		executionLogRepo: NewExecutionLogRepository(database, logger),
	}, nil
}

// Definitions returns the workflow definition repository.
func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return p.definitionRepo
}

// Instances returns the workflow instance repository.
func (p *Persistence) Instances() persistence.InstanceRepository {
	return p.instanceRepo
}

// NodeInstances returns the node instance repository.
func (p *Persistence) NodeInstances() persistence.NodeInstanceRepository {
	return p.nodeInstanceRepo
}

// Locks returns the execution lease repository.
func (p *Persistence) Locks() persistence.LockRepository {
	return p.lockRepo
}

// ExecutionLog returns the append-only execution log repository.
func (p *Persistence) ExecutionLog() persistence.ExecutionLogRepository {
	return p.executionLogRepo
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
