package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// RecoverySweeper periodically reclaims work abandoned by crashed engines:
// expired leases are cleaned up and interrupted instances are resumed on this
// engine. Instances already reclaimed by another sweeper are skipped without
// noise.
type RecoverySweeper struct {
	engine *Engine
	logger *slog.Logger
	cron   *cron.Cron
	ctx    context.Context
}

func NewRecoverySweeper(engine *Engine, logger *slog.Logger) *RecoverySweeper {
	return &RecoverySweeper{
		engine: engine,
		logger: logger.With("module", "recovery_sweeper"),
	}
}

// Start schedules sweeps on the engine's recovery schedule. Overlapping runs
// are skipped rather than queued, so a slow sweep never stacks up behind
// itself.
func (s *RecoverySweeper) Start(ctx context.Context) error {
	s.ctx = ctx
	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := s.cron.AddFunc(s.engine.config.RecoverySchedule, func() {
		s.Sweep(s.ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule recovery sweep: %w", err)
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "recovery sweeper started",
		"schedule", s.engine.config.RecoverySchedule)

	return nil
}

// Stop halts the schedule and waits for an in-flight sweep to finish, bounded
// by the context.
func (s *RecoverySweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}

	stopped := s.cron.Stop()

	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep performs one recovery pass. Lock contention on an instance means
// another engine got there first; that is the normal multi-engine case and
// is skipped silently.
func (s *RecoverySweeper) Sweep(ctx context.Context) {
	cleaned, err := s.engine.locks.CleanupExpired(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to clean up expired leases", "error", err)

		cleaned = 0
	}

	interrupted, err := s.engine.instances.FindInterrupted(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to find interrupted instances", "error", err)

		return
	}

	recovered := 0

	for _, instance := range interrupted {
		if ctx.Err() != nil {
			return
		}

		err := s.engine.ResumeWorkflow(ctx, instance.ID)

		switch {
		case err == nil:
			recovered++
		case IsLockContention(err):
			continue
		default:
			s.logger.ErrorContext(ctx, "failed to resume interrupted instance",
				"instance_id", instance.ID, "error", err)
		}
	}

	if recovered > 0 || cleaned > 0 {
		s.engine.publisher.RecoveryPerformed(ctx, recovered, cleaned)
		s.logger.InfoContext(ctx, "recovery sweep finished",
			"instances_recovered", recovered, "locks_cleaned", cleaned)
	}
}
