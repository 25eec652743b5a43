package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
	"github.com/nornlabs/norn/pkg/workflow"
)

const shutdownTimeout = 30 * time.Second

// EngineManager ties the engine's background work to the process lifecycle:
// it runs the recovery sweeper until SIGINT/SIGTERM, then parks this
// engine's in-flight instances so a surviving engine adopts them.
type EngineManager struct {
	config      workflow.Config
	sweeper     *workflow.RecoverySweeper
	persistence persistence.Persistence
	logger      *slog.Logger
}

func NewEngineManager(cfg workflow.Config, engine *workflow.Engine, persist persistence.Persistence, logger *slog.Logger) *EngineManager {
	return &EngineManager{
		config:      cfg,
		sweeper:     workflow.NewRecoverySweeper(engine, logger),
		persistence: persist,
		logger:      logger.With("module", "engine_manager"),
	}
}

// Run blocks until a shutdown signal arrives or the context is cancelled.
func (m *EngineManager) Run(ctx context.Context) error {
	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.sweeper.Start(sweepCtx); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "engine running",
		"recovery_schedule", m.config.RecoverySchedule,
		"lease_ttl", m.config.LeaseTTL,
		"heartbeat_interval", m.config.HeartbeatInterval)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		m.logger.InfoContext(ctx, "shutting down", "signal", sig.String())
	case <-ctx.Done():
		m.logger.InfoContext(ctx, "shutting down", "reason", ctx.Err().Error())
	}

	// Abort in-flight sweep runs at their next cooperative boundary.
	cancel()

	return m.shutdown(context.WithoutCancel(ctx))
}

func (m *EngineManager) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	if err := m.sweeper.Stop(ctx); err != nil {
		m.logger.ErrorContext(ctx, "recovery sweeper did not stop cleanly", "error", err)
	}

	parked, err := m.parkOwnInstances(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to park in-flight instances", "error", err)

		return err
	}

	if parked > 0 {
		m.logger.InfoContext(ctx, "parked in-flight instances for adoption", "count", parked)
	}

	return nil
}

// parkOwnInstances moves instances still marked running under this engine to
// paused. Their leases lapse with the process; the next sweep of any engine
// resumes them from the last checkpoint.
func (m *EngineManager) parkOwnInstances(ctx context.Context) (int64, error) {
	running, err := m.persistence.Instances().List(ctx, persistence.InstanceFilter{
		Status: models.InstanceStatusRunning,
	})
	if err != nil {
		return 0, err
	}

	ids := make([]int64, 0, len(running))

	for _, instance := range running {
		if instance.EngineID == m.config.EngineID {
			ids = append(ids, instance.ID)
		}
	}

	if len(ids) == 0 {
		return 0, nil
	}

	return m.persistence.Instances().BatchUpdateStatus(ctx, ids,
		models.InstanceStatusRunning, models.InstanceStatusPaused)
}
