package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nornlabs/norn/pkg/events"
	"github.com/nornlabs/norn/pkg/models"
)

func findRecoveryEvent(bus *recordingBus) (events.RecoveryPerformed, bool) {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	for _, event := range bus.events {
		if recovery, ok := event.(events.RecoveryPerformed); ok {
			return recovery, true
		}
	}

	return events.RecoveryPerformed{}, false
}

func TestRecoverySweeper_ResumesCrashedInstances(t *testing.T) {
	bus := &recordingBus{}
	h := newTestEngineWithBus(t, bus, newStubFactory("noop", succeedWith(nil)))
	h.createDefinition(t, newDefinition("def-sweep", "a", simpleNode("a", "", "noop")))

	crashed := h.seedCrashedInstance(t, "def-sweep", "sweep-crash-1", "")

	sweeper := NewRecoverySweeper(h.engine, newTestLogger())
	sweeper.Sweep(t.Context())

	final := h.getInstance(t, crashed.ID)
	assert.Equal(t, models.InstanceStatusCompleted, final.Status)
	assert.Equal(t, h.config.EngineID, final.EngineID, "the sweeping engine takes ownership")

	recovery, found := findRecoveryEvent(bus)
	require.True(t, found, "a sweep that recovered work must announce it")
	assert.Equal(t, 1, recovery.InstancesRecovered)
}

func TestRecoverySweeper_AdoptsParkedInstances(t *testing.T) {
	h := newTestEngine(t, newStubFactory("noop", succeedWith(nil)))
	h.createDefinition(t, newDefinition("def-parked", "a", simpleNode("a", "", "noop")))

	// A graceful shutdown parks running instances as paused; a peer's sweep
	// picks them up without waiting for a heartbeat to go stale.
	parked := &models.WorkflowInstance{
		DefinitionID: "def-parked",
		ExternalID:   "parked-1",
		Status:       models.InstanceStatusPaused,
		EngineID:     "engine-gone",
	}
	require.NoError(t, h.store.Instances().Create(t.Context(), parked))

	sweeper := NewRecoverySweeper(h.engine, newTestLogger())
	sweeper.Sweep(t.Context())

	assert.Equal(t, models.InstanceStatusCompleted, h.getInstance(t, parked.ID).Status)
}

func TestRecoverySweeper_SkipsContendedInstances(t *testing.T) {
	h := newTestEngine(t, newStubFactory("noop", succeedWith(nil)))
	h.createDefinition(t, newDefinition("def-contended", "a", simpleNode("a", "", "noop")))

	crashed := h.seedCrashedInstance(t, "def-contended", "contended-1", "")

	acquired, err := h.engine.locks.Acquire(t.Context(), models.InstanceLockKey(crashed.ID), "engine-other", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	sweeper := NewRecoverySweeper(h.engine, newTestLogger())
	sweeper.Sweep(t.Context())

	// Another engine is already on it; the sweep backs off silently.
	untouched := h.getInstance(t, crashed.ID)
	assert.Equal(t, models.InstanceStatusRunning, untouched.Status)
	assert.Equal(t, "engine-dead", untouched.EngineID)
}

func TestRecoverySweeper_CleansExpiredLeases(t *testing.T) {
	bus := &recordingBus{}
	h := newTestEngineWithBus(t, bus)

	acquired, err := h.engine.locks.Acquire(t.Context(), models.WorkflowLockKey("wf-orphan"), "engine-dead", 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, acquired)

	time.Sleep(50 * time.Millisecond)

	sweeper := NewRecoverySweeper(h.engine, newTestLogger())
	sweeper.Sweep(t.Context())

	recovery, found := findRecoveryEvent(bus)
	require.True(t, found)
	assert.Equal(t, int64(1), recovery.LocksCleaned)
	assert.Zero(t, recovery.InstancesRecovered)
}

func TestRecoverySweeper_StartSchedulesAndStops(t *testing.T) {
	h := newTestEngine(t)

	sweeper := NewRecoverySweeper(h.engine, newTestLogger())

	require.NoError(t, sweeper.Start(t.Context()))
	require.NoError(t, sweeper.Stop(t.Context()))
}

func TestRecoverySweeper_StopWithoutStart(t *testing.T) {
	h := newTestEngine(t)

	sweeper := NewRecoverySweeper(h.engine, newTestLogger())

	require.NoError(t, sweeper.Stop(t.Context()))
}

func TestRecoverySweeper_RejectsInvalidSchedule(t *testing.T) {
	h := newTestEngine(t)

	cfg := h.config
	cfg.RecoverySchedule = "whenever you feel like it"

	engine := NewEngine(cfg, h.store, h.engine.registry, nil, newTestLogger())
	sweeper := NewRecoverySweeper(engine, newTestLogger())

	err := sweeper.Start(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to schedule recovery sweep")
}
