package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
	"github.com/nornlabs/norn/pkg/persistence/postgresql"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{"execution_log", "execution_locks", "node_instances", "workflow_instances", "workflow_definitions", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("norn_test"),
			postgres.WithUsername("norn"),
			postgres.WithPassword("norn"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func testGraph() *models.WorkflowGraph {
	return &models.WorkflowGraph{
		StartNodeID: "greet",
		Nodes: []*models.NodeDefinition{
			{
				ID:   "greet",
				Name: "Greet",
				Type: models.NodeTypeSimple,
				Simple: &models.SimpleNodeConfig{
					Executor: "log",
					Config:   map[string]any{"message": "hello"},
				},
			},
		},
	}
}

func createTestDefinition(ctx context.Context, t *testing.T, p *postgresql.Persistence, name, version string) *models.WorkflowDefinition {
	t.Helper()

	definition := &models.WorkflowDefinition{
		Name:       name,
		Version:    version,
		Definition: testGraph(),
		Status:     models.DefinitionStatusActive,
	}

	err := p.Definitions().Create(ctx, definition)
	require.NoError(t, err)

	return definition
}

func createTestInstance(ctx context.Context, t *testing.T, p *postgresql.Persistence, definitionID, externalID string) *models.WorkflowInstance {
	t.Helper()

	instance := &models.WorkflowInstance{
		DefinitionID: definitionID,
		ExternalID:   externalID,
		Status:       models.InstanceStatusPending,
	}

	err := p.Instances().Create(ctx, instance)
	require.NoError(t, err)

	return instance
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() {
		err := db.Close()
		require.NoError(t, err)
	}()

	var exists bool

	for _, table := range []string{"workflow_definitions", "workflow_instances", "node_instances", "execution_locks", "execution_log", "schema_migrations"} {
		err = db.QueryRowContext(ctx, `SELECT EXISTS (SELECT FROM
information_schema.tables WHERE table_name = $1)`, table).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "%s table should exist", table)
	}

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
}

func TestNewPersistence_HealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	err := p.HealthCheck(ctx)
	assert.NoError(t, err)
}

func TestDefinitionRepository_CreateAndGet(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := &models.WorkflowDefinition{
		Name:        "order-fulfillment",
		Version:     "1.0.0",
		Description: "Fulfills paid orders",
		Category:    "orders",
		Tags:        []string{"orders", "billing"},
		Definition:  testGraph(),
		Status:      models.DefinitionStatusDraft,
		MaxRetries:  2,
	}

	err := p.Definitions().Create(ctx, definition)
	require.NoError(t, err)
	assert.NotEmpty(t, definition.ID)
	assert.False(t, definition.CreatedAt.IsZero())

	retrieved, err := p.Definitions().GetByID(ctx, definition.ID)
	require.NoError(t, err)
	require.NotNil(t, retrieved)

	assert.Equal(t, definition.Name, retrieved.Name)
	assert.Equal(t, definition.Version, retrieved.Version)
	assert.Equal(t, definition.Tags, retrieved.Tags)
	assert.Equal(t, 2, retrieved.MaxRetries)
	require.NotNil(t, retrieved.Definition)
	assert.Equal(t, "greet", retrieved.Definition.StartNodeID)

	byName, err := p.Definitions().GetByNameAndVersion(ctx, "order-fulfillment", "1.0.0")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, definition.ID, byName.ID)

	missing, err := p.Definitions().GetByNameAndVersion(ctx, "order-fulfillment", "9.9.9")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestDefinitionRepository_DuplicateVersion(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")

	duplicate := &models.WorkflowDefinition{
		Name:       "order-fulfillment",
		Version:    "1.0.0",
		Definition: testGraph(),
		Status:     models.DefinitionStatusDraft,
	}

	err := p.Definitions().Create(ctx, duplicate)
	assert.ErrorIs(t, err, persistence.ErrDefinitionExists)
}

func TestDefinitionRepository_Activate(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	v1 := createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")

	v2 := &models.WorkflowDefinition{
		Name:       "order-fulfillment",
		Version:    "2.0.0",
		Definition: testGraph(),
		Status:     models.DefinitionStatusDraft,
	}
	require.NoError(t, p.Definitions().Create(ctx, v2))

	err := p.Definitions().Activate(ctx, v2.ID)
	require.NoError(t, err)

	active, err := p.Definitions().GetActiveByName(ctx, "order-fulfillment")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v2.ID, active.ID)

	demoted, err := p.Definitions().GetByID(ctx, v1.ID)
	require.NoError(t, err)
	require.NotNil(t, demoted)
	assert.Equal(t, models.DefinitionStatusDeprecated, demoted.Status)

	versions, err := p.Definitions().ListByName(ctx, "order-fulfillment")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestInstanceRepository_CreateAndGet(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")

	instance := &models.WorkflowInstance{
		DefinitionID: definition.ID,
		ExternalID:   "order-1042",
		BusinessKey:  "order-1042",
		MutexKey:     "customer-77",
		Status:       models.InstanceStatusPending,
		Variables:    map[string]any{"total": 99.5},
	}

	err := p.Instances().Create(ctx, instance)
	require.NoError(t, err)
	assert.Positive(t, instance.ID)

	retrieved, err := p.Instances().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.Equal(t, "order-1042", retrieved.ExternalID)
	assert.Equal(t, "customer-77", retrieved.MutexKey)
	assert.Equal(t, models.InstanceStatusPending, retrieved.Status)
	assert.InDelta(t, 99.5, retrieved.Variables["total"], 0.001)
	assert.Nil(t, retrieved.StartedAt)
	assert.Nil(t, retrieved.LastHeartbeatAt)

	byExternal, err := p.Instances().GetByExternalID(ctx, "order-1042")
	require.NoError(t, err)
	require.NotNil(t, byExternal)
	assert.Equal(t, instance.ID, byExternal.ID)

	missing, err := p.Instances().GetByID(ctx, 999999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestInstanceRepository_DuplicateExternalID(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")
	createTestInstance(ctx, t, p, definition.ID, "order-1042")

	duplicate := &models.WorkflowInstance{
		DefinitionID: definition.ID,
		ExternalID:   "order-1042",
		Status:       models.InstanceStatusPending,
	}

	err := p.Instances().Create(ctx, duplicate)
	assert.ErrorIs(t, err, persistence.ErrInstanceExists)
}

func TestInstanceRepository_GuardedStatusUpdate(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")
	instance := createTestInstance(ctx, t, p, definition.ID, "order-1042")

	moved, err := p.Instances().UpdateStatus(ctx, instance.ID, persistence.StatusUpdate{
		From:     []models.InstanceStatus{models.InstanceStatusPending},
		To:       models.InstanceStatusRunning,
		EngineID: "engine-a",
	})
	require.NoError(t, err)
	assert.True(t, moved)

	// Same guard again: the instance left pending, so the transition loses.
	moved, err = p.Instances().UpdateStatus(ctx, instance.ID, persistence.StatusUpdate{
		From: []models.InstanceStatus{models.InstanceStatusPending},
		To:   models.InstanceStatusRunning,
	})
	require.NoError(t, err)
	assert.False(t, moved)

	running, err := p.Instances().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusRunning, running.Status)
	assert.Equal(t, "engine-a", running.EngineID)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.FinishedAt)

	moved, err = p.Instances().UpdateStatus(ctx, instance.ID, persistence.StatusUpdate{
		From:         []models.InstanceStatus{models.InstanceStatusRunning},
		To:           models.InstanceStatusFailed,
		ErrorMessage: "executor exploded",
		FailedNodeID: "greet",
	})
	require.NoError(t, err)
	assert.True(t, moved)

	failed, err := p.Instances().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusFailed, failed.Status)
	assert.Equal(t, "executor exploded", failed.ErrorMessage)
	assert.Equal(t, "greet", failed.FailedNodeID)
	require.NotNil(t, failed.FinishedAt)
}

func TestInstanceRepository_MutexAndBusinessKeyScoping(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")

	instance := &models.WorkflowInstance{
		DefinitionID: definition.ID,
		ExternalID:   "order-1042",
		BusinessKey:  "order-1042",
		MutexKey:     "customer-77",
		Status:       models.InstanceStatusRunning,
	}
	require.NoError(t, p.Instances().Create(ctx, instance))

	holder, err := p.Instances().CheckInstanceLock(ctx, "customer-77")
	require.NoError(t, err)
	require.NotNil(t, holder)
	assert.Equal(t, instance.ID, holder.ID)

	owner, err := p.Instances().CheckBusinessInstanceLock(ctx, "order-1042")
	require.NoError(t, err)
	require.NotNil(t, owner)

	_, err = p.Instances().UpdateStatus(ctx, instance.ID, persistence.StatusUpdate{
		To: models.InstanceStatusCompleted,
	})
	require.NoError(t, err)

	// Mutex keys are held only while non-terminal; business keys are forever.
	holder, err = p.Instances().CheckInstanceLock(ctx, "customer-77")
	require.NoError(t, err)
	assert.Nil(t, holder)

	owner, err = p.Instances().CheckBusinessInstanceLock(ctx, "order-1042")
	require.NoError(t, err)
	require.NotNil(t, owner)
	assert.Equal(t, instance.ID, owner.ID)
}

func TestInstanceRepository_FindInterrupted(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")

	paused := createTestInstance(ctx, t, p, definition.ID, "order-paused")
	_, err := p.Instances().UpdateStatus(ctx, paused.ID, persistence.StatusUpdate{To: models.InstanceStatusPaused})
	require.NoError(t, err)

	noHeartbeat := createTestInstance(ctx, t, p, definition.ID, "order-dead")
	_, err = p.Instances().UpdateStatus(ctx, noHeartbeat.ID, persistence.StatusUpdate{To: models.InstanceStatusRunning})
	require.NoError(t, err)

	alive := createTestInstance(ctx, t, p, definition.ID, "order-alive")
	_, err = p.Instances().UpdateStatus(ctx, alive.ID, persistence.StatusUpdate{To: models.InstanceStatusRunning})
	require.NoError(t, err)
	require.NoError(t, p.Instances().UpdateHeartbeat(ctx, alive.ID, "engine-a"))

	done := createTestInstance(ctx, t, p, definition.ID, "order-done")
	_, err = p.Instances().UpdateStatus(ctx, done.ID, persistence.StatusUpdate{To: models.InstanceStatusCompleted})
	require.NoError(t, err)

	interrupted, err := p.Instances().FindInterrupted(ctx, time.Hour)
	require.NoError(t, err)

	ids := make([]int64, 0, len(interrupted))
	for _, instance := range interrupted {
		ids = append(ids, instance.ID)
	}

	assert.ElementsMatch(t, []int64{paused.ID, noHeartbeat.ID}, ids)

	// With a zero threshold even the fresh heartbeat counts as stale.
	time.Sleep(10 * time.Millisecond)

	interrupted, err = p.Instances().FindInterrupted(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, interrupted, 3)
}

func TestInstanceRepository_UpdateCurrentNode(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")
	instance := createTestInstance(ctx, t, p, definition.ID, "order-1042")

	err := p.Instances().UpdateCurrentNode(ctx, instance.ID, "greet", []byte(`{"cursor":3}`))
	require.NoError(t, err)

	retrieved, err := p.Instances().GetByID(ctx, instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "greet", retrieved.CurrentNodeID)
	assert.JSONEq(t, `{"cursor":3}`, string(retrieved.CheckpointData))

	err = p.Instances().UpdateCurrentNode(ctx, 999999, "greet", nil)
	assert.ErrorIs(t, err, persistence.ErrInstanceNotFound)
}

func TestInstanceRepository_List(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")
	other := createTestDefinition(ctx, t, p, "invoice-sync", "1.0.0")

	createTestInstance(ctx, t, p, definition.ID, "order-1")
	createTestInstance(ctx, t, p, definition.ID, "order-2")
	createTestInstance(ctx, t, p, other.ID, "invoice-1")

	all, err := p.Instances().List(ctx, persistence.InstanceFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	scoped, err := p.Instances().List(ctx, persistence.InstanceFilter{DefinitionID: definition.ID})
	require.NoError(t, err)
	assert.Len(t, scoped, 2)

	limited, err := p.Instances().List(ctx, persistence.InstanceFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestNodeInstanceRepository_CreateAndGet(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")
	instance := createTestInstance(ctx, t, p, definition.ID, "order-1042")

	node := &models.NodeInstance{
		WorkflowInstanceID: instance.ID,
		NodeID:             "greet",
		Type:               models.NodeTypeSimple,
		Status:             models.NodeStatusPending,
	}

	err := p.NodeInstances().Create(ctx, node)
	require.NoError(t, err)
	assert.Positive(t, node.ID)

	duplicate := &models.NodeInstance{
		WorkflowInstanceID: instance.ID,
		NodeID:             "greet",
		Type:               models.NodeTypeSimple,
		Status:             models.NodeStatusPending,
	}

	err = p.NodeInstances().Create(ctx, duplicate)
	assert.ErrorIs(t, err, persistence.ErrNodeInstanceExists)

	retrieved, err := p.NodeInstances().GetByInstanceAndNodeID(ctx, instance.ID, "greet")
	require.NoError(t, err)
	require.NotNil(t, retrieved)
	assert.Equal(t, node.ID, retrieved.ID)

	unreached, err := p.NodeInstances().GetByInstanceAndNodeID(ctx, instance.ID, "never-ran")
	require.NoError(t, err)
	assert.Nil(t, unreached)
}

func TestNodeInstanceRepository_StatusAndAttempts(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")
	instance := createTestInstance(ctx, t, p, definition.ID, "order-1042")

	node := &models.NodeInstance{
		WorkflowInstanceID: instance.ID,
		NodeID:             "greet",
		Type:               models.NodeTypeSimple,
		Status:             models.NodeStatusPending,
	}
	require.NoError(t, p.NodeInstances().Create(ctx, node))

	require.NoError(t, p.NodeInstances().UpdateStatus(ctx, node.ID, models.NodeStatusRunning, "", nil))
	require.NoError(t, p.NodeInstances().IncrementAttempt(ctx, node.ID))

	running, err := p.NodeInstances().GetByID(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusRunning, running.Status)
	assert.Equal(t, 1, running.Attempt)
	require.NotNil(t, running.StartedAt)
	assert.Nil(t, running.FinishedAt)

	require.NoError(t, p.NodeInstances().UpdateStatus(ctx, node.ID, models.NodeStatusFailed, "boom", []byte(`{"code":500}`)))

	failed, err := p.NodeInstances().GetByID(ctx, node.ID)
	require.NoError(t, err)
	assert.Equal(t, models.NodeStatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.ErrorMessage)
	assert.JSONEq(t, `{"code":500}`, string(failed.ErrorDetails))
	require.NotNil(t, failed.FinishedAt)
}

func TestNodeInstanceRepository_LoopChildren(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")
	instance := createTestInstance(ctx, t, p, definition.ID, "order-1042")

	parent := &models.NodeInstance{
		WorkflowInstanceID: instance.ID,
		NodeID:             "sync-items",
		Type:               models.NodeTypeLoop,
		Status:             models.NodeStatusRunning,
	}
	require.NoError(t, p.NodeInstances().Create(ctx, parent))

	children := make([]*models.NodeInstance, 0, 3)
	for i, item := range []string{`{"sku":"a"}`, `{"sku":"b"}`, `{"sku":"c"}`} {
		children = append(children, &models.NodeInstance{
			WorkflowInstanceID: instance.ID,
			NodeID:             models.LoopChildNodeID("sync-items", i),
			ParentID:           &parent.ID,
			Type:               models.NodeTypeSimple,
			Status:             models.NodeStatusPending,
			Item:               []byte(item),
		})
	}

	progress := &models.LoopProgress{Total: 3}

	err := p.NodeInstances().CreateLoopChildren(ctx, parent.ID, children, progress)
	require.NoError(t, err)

	// Re-running the creation phase reuses the persisted children.
	err = p.NodeInstances().CreateLoopChildren(ctx, parent.ID, children, progress)
	require.NoError(t, err)

	pending, err := p.NodeInstances().FindPendingChildren(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "sync-items[0]", pending[0].NodeID)
	assert.Equal(t, "sync-items[2]", pending[2].NodeID)
	assert.JSONEq(t, `{"sku":"a"}`, string(pending[0].Item))

	stored, err := p.NodeInstances().GetByID(ctx, parent.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Progress)
	assert.Equal(t, 3, stored.Progress.Total)

	progress.Record("sync-items[0]", models.NodeStatusCompleted)
	require.NoError(t, p.NodeInstances().UpdateStatus(ctx, pending[0].ID, models.NodeStatusCompleted, "", nil))
	require.NoError(t, p.NodeInstances().UpdateLoopProgress(ctx, parent.ID, progress))

	pending, err = p.NodeInstances().FindPendingChildren(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := p.NodeInstances().FindChildren(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	stored, err = p.NodeInstances().GetByID(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.Progress.Completed)
}

func TestLockRepository_AcquireRenewRelease(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	key := models.InstanceLockKey(42)

	acquired, err := p.Locks().AcquireLock(ctx, key, "engine-a", models.LockTypeInstance, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Contention answers false, never an error.
	acquired, err = p.Locks().AcquireLock(ctx, key, "engine-b", models.LockTypeInstance, time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)

	// Reacquiring your own lease refreshes it.
	acquired, err = p.Locks().AcquireLock(ctx, key, "engine-a", models.LockTypeInstance, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	renewed, err := p.Locks().RenewLock(ctx, key, "engine-a", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	renewed, err = p.Locks().RenewLock(ctx, key, "engine-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)

	lock, err := p.Locks().CheckLock(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "engine-a", lock.Owner)
	assert.Equal(t, models.LockTypeInstance, lock.Type)
	assert.False(t, lock.IsExpired(time.Now().UTC()))

	released, err := p.Locks().ReleaseLock(ctx, key, "engine-b")
	require.NoError(t, err)
	assert.False(t, released)

	released, err = p.Locks().ReleaseLock(ctx, key, "engine-a")
	require.NoError(t, err)
	assert.True(t, released)

	lock, err = p.Locks().CheckLock(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, lock)
}

func TestLockRepository_ExpiredLeaseIsFree(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	key := models.WorkflowLockKey("def-1")

	acquired, err := p.Locks().AcquireLock(ctx, key, "engine-a", models.LockTypeWorkflow, 30*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, acquired)

	time.Sleep(50 * time.Millisecond)

	// The dead owner's lease expired, so another engine takes over.
	acquired, err = p.Locks().AcquireLock(ctx, key, "engine-b", models.LockTypeWorkflow, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	renewed, err := p.Locks().RenewLock(ctx, key, "engine-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestLockRepository_CleanupExpiredLocks(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	acquired, err := p.Locks().AcquireLock(ctx, "instance:1", "engine-a", models.LockTypeInstance, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	acquired, err = p.Locks().AcquireLock(ctx, "instance:2", "engine-a", models.LockTypeInstance, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(40 * time.Millisecond)

	removed, err := p.Locks().CleanupExpiredLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	remaining, err := p.Locks().CheckLock(ctx, "instance:2")
	require.NoError(t, err)
	require.NotNil(t, remaining)

	err = p.Locks().ForceReleaseLock(ctx, "instance:2")
	require.NoError(t, err)

	remaining, err = p.Locks().CheckLock(ctx, "instance:2")
	require.NoError(t, err)
	assert.Nil(t, remaining)
}

func TestExecutionLogRepository_AppendAndList(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	definition := createTestDefinition(ctx, t, p, "order-fulfillment", "1.0.0")
	instance := createTestInstance(ctx, t, p, definition.ID, "order-1042")

	first := &models.ExecutionLogEntry{
		WorkflowInstanceID: instance.ID,
		Level:              "info",
		Event:              "workflow.started",
		Message:            "workflow started",
		EngineID:           "engine-a",
	}
	require.NoError(t, p.ExecutionLog().Append(ctx, first))
	assert.Positive(t, first.ID)
	assert.False(t, first.CreatedAt.IsZero())

	second := &models.ExecutionLogEntry{
		WorkflowInstanceID: instance.ID,
		NodeID:             "greet",
		Level:              "info",
		Event:              "node.completed",
		Message:            "node completed",
		Details:            []byte(`{"duration_ms":12}`),
	}
	require.NoError(t, p.ExecutionLog().Append(ctx, second))

	entries, err := p.ExecutionLog().ListByInstance(ctx, instance.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "workflow.started", entries[0].Event)
	assert.Equal(t, "greet", entries[1].NodeID)
	assert.JSONEq(t, `{"duration_ms":12}`, string(entries[1].Details))

	limited, err := p.ExecutionLog().ListByInstance(ctx, instance.ID, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
