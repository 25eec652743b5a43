package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/nornlabs/norn/pkg/cmd"
	"github.com/nornlabs/norn/pkg/log"
	"github.com/nornlabs/norn/pkg/otelhelper"
	"github.com/nornlabs/norn/pkg/workflow"
)

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the engine: recovery sweeps, lease keepalive, event publishing",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "engine-id",
				Aliases: []string{"id"},
				Usage:   "Engine ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("NORN_ENGINE_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database URL (postgres:// or memory://)",
				Required: true,
				Sources:  cli.EnvVars("NORN_DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "locks-url",
				Usage:   "Optional redis:// URL hosting execution leases",
				Value:   "",
				Sources: cli.EnvVars("NORN_LOCKS_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel, none)",
				Value:   "none",
				Sources: cli.EnvVars("NORN_EVENT_BUS"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma-separated Kafka brokers (event-bus=kafka)",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("NORN_KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Directory containing executor plugins",
				Value:   "",
				Sources: cli.EnvVars("NORN_PLUGINS_PATH"),
			},
			&cli.DurationFlag{
				Name:    "lease-ttl",
				Usage:   "Execution lease lifetime",
				Value:   workflow.DefaultLeaseTTL,
				Sources: cli.EnvVars("NORN_LEASE_TTL"),
			},
			&cli.DurationFlag{
				Name:    "heartbeat-interval",
				Usage:   "Lease renewal and heartbeat period",
				Value:   workflow.DefaultHeartbeatInterval,
				Sources: cli.EnvVars("NORN_HEARTBEAT_INTERVAL"),
			},
			&cli.DurationFlag{
				Name:    "stale-threshold",
				Usage:   "Heartbeat age after which a running instance counts as abandoned",
				Value:   workflow.DefaultStaleThreshold,
				Sources: cli.EnvVars("NORN_STALE_THRESHOLD"),
			},
			&cli.StringFlag{
				Name:    "recovery-schedule",
				Usage:   "Cron schedule for recovery sweeps",
				Value:   workflow.DefaultRecoverySchedule,
				Sources: cli.EnvVars("NORN_RECOVERY_SCHEDULE"),
			},
			&cli.IntFlag{
				Name:    "max-concurrency",
				Usage:   "Upper bound on parallel fan-out within one instance",
				Value:   workflow.DefaultMaxConcurrency,
				Sources: cli.EnvVars("NORN_MAX_CONCURRENCY"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP spans (endpoint from OTEL_EXPORTER_OTLP_* env)",
				Value:   false,
				Sources: cli.EnvVars("NORN_TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("NORN_LOG_LEVEL"),
			},
		},
		Action: runEngine,
	}
}

func runEngine(ctx context.Context, command *cli.Command) error {
	logger := log.Setup(command.String("log-level"))

	cfg := workflow.Config{
		EngineID:          command.String("engine-id"),
		LeaseTTL:          command.Duration("lease-ttl"),
		HeartbeatInterval: command.Duration("heartbeat-interval"),
		StaleThreshold:    command.Duration("stale-threshold"),
		RecoverySchedule:  command.String("recovery-schedule"),
		MaxConcurrency:    command.Int("max-concurrency"),
	}.WithDefaults()

	logger = log.WithModule(logger, "norn-engine").With("engine_id", cfg.EngineID)
	logger.InfoContext(ctx, "initializing norn engine")

	if command.Bool("tracing") {
		shutdown, err := otelhelper.Setup(ctx, "norn-engine")
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}

		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				logger.Error("failed to flush spans", "error", err)
			}
		}()
	}

	reg, err := cmd.NewRegistry(logger, command.String("plugins-path"))
	if err != nil {
		return fmt.Errorf("failed to build executor registry: %w", err)
	}

	persist, err := cmd.NewPersistence(ctx, logger, command.String("database-url"), command.String("locks-url"))
	if err != nil {
		return fmt.Errorf("failed to initialize persistence: %w", err)
	}

	defer func() {
		if err := persist.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to close persistence", "error", err)
		}
	}()

	bus, err := cmd.NewEventBus(command.String("event-bus"), command.String("kafka-brokers"), "norn-engine", logger)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}

	if bus != nil {
		defer func() {
			if err := bus.Close(); err != nil {
				logger.Error("failed to close event bus", "error", err)
			}
		}()
	}

	engine := workflow.NewEngine(cfg, persist, reg, bus, logger)

	return NewEngineManager(cfg, engine, persist, logger).Run(ctx)
}
