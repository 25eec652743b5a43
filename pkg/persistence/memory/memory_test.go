package memory

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
	"github.com/nornlabs/norn/pkg/testutil"
)

func newTestInstance(t *testing.T, p *Persistence, externalID string) *models.WorkflowInstance {
	t.Helper()

	instance := testutil.Instance("def-1", externalID)

	err := p.Instances().Create(t.Context(), instance)
	require.NoError(t, err)

	return instance
}

func TestPersistence_HealthCheckAndClose(t *testing.T) {
	p := NewPersistence()

	assert.NoError(t, p.HealthCheck(t.Context()))
	assert.NoError(t, p.Close(t.Context()))
}

func TestDefinitionRepository_CreateAndActivate(t *testing.T) {
	p := NewPersistence()

	v1 := testutil.Definition("order-fulfillment")
	require.NoError(t, p.Definitions().Create(t.Context(), v1))
	assert.NotEmpty(t, v1.ID)

	duplicate := testutil.Definition("order-fulfillment")
	err := p.Definitions().Create(t.Context(), duplicate)
	assert.ErrorIs(t, err, persistence.ErrDefinitionExists)

	v2 := testutil.Definition("order-fulfillment",
		testutil.WithVersion("2.0.0"),
		testutil.WithStatus(models.DefinitionStatusDraft))
	require.NoError(t, p.Definitions().Create(t.Context(), v2))

	require.NoError(t, p.Definitions().Activate(t.Context(), v2.ID))

	active, err := p.Definitions().GetActiveByName(t.Context(), "order-fulfillment")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, v2.ID, active.ID)

	demoted, err := p.Definitions().GetByID(t.Context(), v1.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusDeprecated, demoted.Status)
}

func TestInstanceRepository_CreateIsIdempotencyGuarded(t *testing.T) {
	p := NewPersistence()

	first := newTestInstance(t, p, "order-1042")
	assert.Equal(t, int64(1), first.ID)

	duplicate := &models.WorkflowInstance{
		DefinitionID: "def-1",
		ExternalID:   "order-1042",
		Status:       models.InstanceStatusPending,
	}

	err := p.Instances().Create(t.Context(), duplicate)
	assert.ErrorIs(t, err, persistence.ErrInstanceExists)

	existing, err := p.Instances().GetByExternalID(t.Context(), "order-1042")
	require.NoError(t, err)
	require.NotNil(t, existing)
	assert.Equal(t, first.ID, existing.ID)
}

func TestInstanceRepository_ReturnsCopies(t *testing.T) {
	p := NewPersistence()

	instance := newTestInstance(t, p, "order-1042")

	read, err := p.Instances().GetByID(t.Context(), instance.ID)
	require.NoError(t, err)

	// Mutating a returned snapshot must not leak into the store.
	read.Status = models.InstanceStatusFailed
	read.ExternalID = "tampered"

	fresh, err := p.Instances().GetByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InstanceStatusPending, fresh.Status)
	assert.Equal(t, "order-1042", fresh.ExternalID)
}

func TestInstanceRepository_GuardedTransitions(t *testing.T) {
	p := NewPersistence()

	instance := newTestInstance(t, p, "order-1042")

	moved, err := p.Instances().UpdateStatus(t.Context(), instance.ID, persistence.StatusUpdate{
		From:     []models.InstanceStatus{models.InstanceStatusPending},
		To:       models.InstanceStatusRunning,
		EngineID: "engine-a",
	})
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = p.Instances().UpdateStatus(t.Context(), instance.ID, persistence.StatusUpdate{
		From: []models.InstanceStatus{models.InstanceStatusPending},
		To:   models.InstanceStatusRunning,
	})
	require.NoError(t, err)
	assert.False(t, moved)

	running, err := p.Instances().GetByID(t.Context(), instance.ID)
	require.NoError(t, err)
	assert.Equal(t, "engine-a", running.EngineID)
	require.NotNil(t, running.StartedAt)

	moved, err = p.Instances().UpdateStatus(t.Context(), instance.ID, persistence.StatusUpdate{
		To:           models.InstanceStatusCancelled,
		ErrorMessage: "stopped by operator",
	})
	require.NoError(t, err)
	assert.True(t, moved)

	cancelled, err := p.Instances().GetByID(t.Context(), instance.ID)
	require.NoError(t, err)
	require.NotNil(t, cancelled.FinishedAt)
	assert.Equal(t, "stopped by operator", cancelled.ErrorMessage)
}

func TestInstanceRepository_MutexAndBusinessScoping(t *testing.T) {
	p := NewPersistence()

	instance := testutil.Instance("def-1", "order-1042",
		testutil.WithBusinessKey("order-1042"),
		testutil.WithMutexKey("customer-77"),
		testutil.WithInstanceStatus(models.InstanceStatusRunning))
	require.NoError(t, p.Instances().Create(t.Context(), instance))

	holder, err := p.Instances().CheckInstanceLock(t.Context(), "customer-77")
	require.NoError(t, err)
	require.NotNil(t, holder)

	_, err = p.Instances().UpdateStatus(t.Context(), instance.ID, persistence.StatusUpdate{To: models.InstanceStatusCompleted})
	require.NoError(t, err)

	holder, err = p.Instances().CheckInstanceLock(t.Context(), "customer-77")
	require.NoError(t, err)
	assert.Nil(t, holder)

	owner, err := p.Instances().CheckBusinessInstanceLock(t.Context(), "order-1042")
	require.NoError(t, err)
	require.NotNil(t, owner)

	// Instances without keys never hold them.
	unkeyed, err := p.Instances().CheckInstanceLock(t.Context(), "")
	require.NoError(t, err)
	assert.Nil(t, unkeyed)
}

func TestInstanceRepository_FindInterrupted(t *testing.T) {
	p := NewPersistence()

	paused := newTestInstance(t, p, "order-paused")
	_, err := p.Instances().UpdateStatus(t.Context(), paused.ID, persistence.StatusUpdate{To: models.InstanceStatusPaused})
	require.NoError(t, err)

	noHeartbeat := newTestInstance(t, p, "order-no-heartbeat")
	_, err = p.Instances().UpdateStatus(t.Context(), noHeartbeat.ID, persistence.StatusUpdate{To: models.InstanceStatusRunning})
	require.NoError(t, err)

	crashed := testutil.Instance("def-1", "order-crashed",
		testutil.WithInstanceStatus(models.InstanceStatusRunning),
		testutil.WithEngineID("engine-dead"),
		testutil.WithHeartbeatAt(time.Now().UTC().Add(-2*time.Hour)))
	require.NoError(t, p.Instances().Create(t.Context(), crashed))

	fresh := newTestInstance(t, p, "order-fresh")
	_, err = p.Instances().UpdateStatus(t.Context(), fresh.ID, persistence.StatusUpdate{To: models.InstanceStatusRunning})
	require.NoError(t, err)
	require.NoError(t, p.Instances().UpdateHeartbeat(t.Context(), fresh.ID, "engine-a"))

	interrupted, err := p.Instances().FindInterrupted(t.Context(), time.Hour)
	require.NoError(t, err)
	require.Len(t, interrupted, 3)
	assert.Equal(t, paused.ID, interrupted[0].ID)
	assert.Equal(t, noHeartbeat.ID, interrupted[1].ID)
	assert.Equal(t, crashed.ID, interrupted[2].ID)
}

func TestNodeInstanceRepository_LoopChildrenLifecycle(t *testing.T) {
	p := NewPersistence()

	instance := newTestInstance(t, p, "order-1042")

	parent := &models.NodeInstance{
		WorkflowInstanceID: instance.ID,
		NodeID:             "sync-items",
		Type:               models.NodeTypeLoop,
		Status:             models.NodeStatusRunning,
	}
	require.NoError(t, p.NodeInstances().Create(t.Context(), parent))

	children := []*models.NodeInstance{
		{WorkflowInstanceID: instance.ID, NodeID: "sync-items[0]", ParentID: &parent.ID, Type: models.NodeTypeSimple, Status: models.NodeStatusPending, Item: []byte(`1`)},
		{WorkflowInstanceID: instance.ID, NodeID: "sync-items[1]", ParentID: &parent.ID, Type: models.NodeTypeSimple, Status: models.NodeStatusPending, Item: []byte(`2`)},
	}

	require.NoError(t, p.NodeInstances().CreateLoopChildren(t.Context(), parent.ID, children, &models.LoopProgress{Total: 2}))

	// Second run backfills IDs instead of failing.
	require.NoError(t, p.NodeInstances().CreateLoopChildren(t.Context(), parent.ID, children, &models.LoopProgress{Total: 2}))
	assert.Positive(t, children[0].ID)

	pending, err := p.NodeInstances().FindPendingChildren(t.Context(), parent.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "sync-items[0]", pending[0].NodeID)

	require.NoError(t, p.NodeInstances().UpdateStatus(t.Context(), pending[0].ID, models.NodeStatusCompleted, "", nil))

	pending, err = p.NodeInstances().FindPendingChildren(t.Context(), parent.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	all, err := p.NodeInstances().FindChildren(t.Context(), parent.ID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, p.NodeInstances().IncrementAttempt(t.Context(), pending[0].ID))

	node, err := p.NodeInstances().GetByID(t.Context(), pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, node.Attempt)
}

func TestLockRepository_SingleWinnerUnderContention(t *testing.T) {
	p := NewPersistence()

	const contenders = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)

	for i := range contenders {
		wg.Add(1)

		go func(owner int) {
			defer wg.Done()

			acquired, err := p.Locks().AcquireLock(t.Context(),
				"instance:7", fmt.Sprintf("engine-%d", owner), models.LockTypeInstance, time.Minute)
			assert.NoError(t, err)

			if acquired {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one engine should win the lease")
}

func TestLockRepository_ExpiryAndCleanup(t *testing.T) {
	p := NewPersistence()

	acquired, err := p.Locks().AcquireLock(t.Context(), "instance:1", "engine-a", models.LockTypeInstance, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(20 * time.Millisecond)

	acquired, err = p.Locks().AcquireLock(t.Context(), "instance:1", "engine-b", models.LockTypeInstance, time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired, "expired lease should be free")

	renewed, err := p.Locks().RenewLock(t.Context(), "instance:1", "engine-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)

	released, err := p.Locks().ReleaseLock(t.Context(), "instance:1", "engine-b")
	require.NoError(t, err)
	assert.True(t, released)

	acquired, err = p.Locks().AcquireLock(t.Context(), "instance:2", "engine-a", models.LockTypeInstance, time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(10 * time.Millisecond)

	removed, err := p.Locks().CleanupExpiredLocks(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestExecutionLogRepository_AppendOnly(t *testing.T) {
	p := NewPersistence()

	instance := newTestInstance(t, p, "order-1042")

	for _, event := range []string{"workflow.started", "node.started", "node.completed"} {
		err := p.ExecutionLog().Append(t.Context(), &models.ExecutionLogEntry{
			WorkflowInstanceID: instance.ID,
			Level:              "info",
			Event:              event,
			Message:            event,
		})
		require.NoError(t, err)
	}

	entries, err := p.ExecutionLog().ListByInstance(t.Context(), instance.ID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "workflow.started", entries[0].Event)

	limited, err := p.ExecutionLog().ListByInstance(t.Context(), instance.ID, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
