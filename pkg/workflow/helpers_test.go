package workflow

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nornlabs/norn/pkg/eventbus"
	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence/memory"
	"github.com/nornlabs/norn/pkg/protocol"
	"github.com/nornlabs/norn/pkg/registry"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testConfig keeps the lease and heartbeat horizons far beyond test runtime
// so background renewal never interferes with assertions.
func testConfig() Config {
	return Config{
		EngineID:          "engine-test",
		LeaseTTL:          time.Minute,
		HeartbeatInterval: time.Minute,
		StaleThreshold:    30 * time.Second,
		RecoverySchedule:  "@every 1h",
		MaxConcurrency:    4,
	}.WithDefaults()
}

// executeFunc is the behavior of a stub executor; config is the node-level
// executor config the registry handed to Create.
type executeFunc func(ctx context.Context, execCtx models.ExecutionContext, config map[string]any) (*models.ExecutionResult, error)

type stubExecutor struct {
	config map[string]any
	fn     executeFunc
}

func (e *stubExecutor) Execute(ctx context.Context, execCtx models.ExecutionContext) (*models.ExecutionResult, error) {
	return e.fn(ctx, execCtx, e.config)
}

type stubFactory struct {
	id string
	fn executeFunc
}

func newStubFactory(id string, fn executeFunc) *stubFactory {
	return &stubFactory{id: id, fn: fn}
}

func (f *stubFactory) Create(_ context.Context, config map[string]any) (protocol.Executor, error) {
	return &stubExecutor{config: config, fn: f.fn}, nil
}

func (f *stubFactory) ID() string             { return f.id }
func (f *stubFactory) Name() string           { return f.id }
func (f *stubFactory) Description() string    { return "test executor" }
func (f *stubFactory) Schema() map[string]any { return map[string]any{} }

func succeedWith(data map[string]any) executeFunc {
	return func(context.Context, models.ExecutionContext, map[string]any) (*models.ExecutionResult, error) {
		return &models.ExecutionResult{Success: true, Data: data}, nil
	}
}

// callLog records executor invocations across goroutines.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(call string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, call)
}

func (c *callLog) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.calls...)
}

func (c *callLog) count(call string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0

	for _, recorded := range c.calls {
		if recorded == call {
			count++
		}
	}

	return count
}

// recording is a succeedWith that also notes each invocation on the log.
func recording(log *callLog, call string) executeFunc {
	return func(context.Context, models.ExecutionContext, map[string]any) (*models.ExecutionResult, error) {
		log.add(call)

		return &models.ExecutionResult{Success: true}, nil
	}
}

type testEngine struct {
	engine *Engine
	store  *memory.Persistence
	config Config
}

func newTestEngine(t *testing.T, factories ...protocol.ExecutorFactory) *testEngine {
	t.Helper()

	return newTestEngineWithBus(t, nil, factories...)
}

func newTestEngineWithBus(t *testing.T, bus eventbus.EventPublisher, factories ...protocol.ExecutorFactory) *testEngine {
	t.Helper()

	cfg := testConfig()
	store := memory.NewPersistence()
	reg := registry.NewRegistry(newTestLogger())

	for _, factory := range factories {
		reg.RegisterExecutor(factory)
	}

	return &testEngine{
		engine: NewEngine(cfg, store, reg, bus, newTestLogger()),
		store:  store,
		config: cfg,
	}
}

func (h *testEngine) createDefinition(t *testing.T, definition *models.WorkflowDefinition) {
	t.Helper()

	require.NoError(t, h.store.Definitions().Create(t.Context(), definition))
}

func (h *testEngine) getInstance(t *testing.T, id int64) *models.WorkflowInstance {
	t.Helper()

	instance, err := h.store.Instances().GetByID(t.Context(), id)
	require.NoError(t, err)
	require.NotNil(t, instance)

	return instance
}

func (h *testEngine) getNode(t *testing.T, instanceID int64, nodeID string) *models.NodeInstance {
	t.Helper()

	node, err := h.store.NodeInstances().GetByInstanceAndNodeID(t.Context(), instanceID, nodeID)
	require.NoError(t, err)
	require.NotNil(t, node)

	return node
}

// seedCrashedInstance persists an instance that looks abandoned: running
// under a dead engine with a heartbeat far past the staleness threshold.
func (h *testEngine) seedCrashedInstance(t *testing.T, definitionID, externalID, currentNodeID string) *models.WorkflowInstance {
	t.Helper()

	stale := time.Now().UTC().Add(-5 * time.Minute)
	instance := &models.WorkflowInstance{
		DefinitionID:    definitionID,
		ExternalID:      externalID,
		Status:          models.InstanceStatusRunning,
		CurrentNodeID:   currentNodeID,
		EngineID:        "engine-dead",
		LastHeartbeatAt: &stale,
		StartedAt:       &stale,
		CreatedAt:       stale,
	}

	require.NoError(t, h.store.Instances().Create(t.Context(), instance))

	return instance
}

// seedCompletedNode persists a node instance already in its successful
// terminal state, as a crashed engine would have left it.
func (h *testEngine) seedCompletedNode(t *testing.T, instance *models.WorkflowInstance, nodeDef *models.NodeDefinition) *models.NodeInstance {
	t.Helper()

	node := &models.NodeInstance{
		WorkflowInstanceID: instance.ID,
		NodeID:             nodeDef.ID,
		Type:               nodeDef.Type,
		Status:             models.NodeStatusPending,
	}

	require.NoError(t, h.store.NodeInstances().Create(t.Context(), node))
	require.NoError(t, h.store.NodeInstances().UpdateStatus(t.Context(), node.ID, models.NodeStatusCompleted, "", nil))

	node.Status = models.NodeStatusCompleted

	return node
}

func simpleNode(id, next, executor string) *models.NodeDefinition {
	return &models.NodeDefinition{
		ID:     id,
		Name:   id,
		Type:   models.NodeTypeSimple,
		Next:   next,
		Simple: &models.SimpleNodeConfig{Executor: executor},
	}
}

func loopNode(id, next string, cfg *models.LoopNodeConfig) *models.NodeDefinition {
	return &models.NodeDefinition{
		ID:   id,
		Name: id,
		Type: models.NodeTypeLoop,
		Next: next,
		Loop: cfg,
	}
}

func parallelNode(id, next string, cfg *models.ParallelNodeConfig) *models.NodeDefinition {
	return &models.NodeDefinition{
		ID:       id,
		Name:     id,
		Type:     models.NodeTypeParallel,
		Next:     next,
		Parallel: cfg,
	}
}

func subProcessNode(id, next string, cfg *models.SubProcessNodeConfig) *models.NodeDefinition {
	return &models.NodeDefinition{
		ID:         id,
		Name:       id,
		Type:       models.NodeTypeSubProcess,
		Next:       next,
		SubProcess: cfg,
	}
}

func newDefinition(id, start string, nodes ...*models.NodeDefinition) *models.WorkflowDefinition {
	return &models.WorkflowDefinition{
		ID:      id,
		Name:    id,
		Version: "1.0.0",
		Status:  models.DefinitionStatusActive,
		Definition: &models.WorkflowGraph{
			StartNodeID: start,
			Nodes:       nodes,
		},
	}
}
