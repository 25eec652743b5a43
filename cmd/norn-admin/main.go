package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/nornlabs/norn/pkg/cmd"
	"github.com/nornlabs/norn/pkg/log"
	"github.com/nornlabs/norn/pkg/persistence"
	"github.com/nornlabs/norn/pkg/registry"
	"github.com/nornlabs/norn/pkg/services"
	"github.com/nornlabs/norn/pkg/workflow"
)

func main() {
	root := &cli.Command{
		Name:                  "norn-admin",
		Usage:                 "Administer workflow definitions, instances, and leases",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
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
				Name:    "plugins-path",
				Usage:   "Directory containing executor plugins",
				Value:   "",
				Sources: cli.EnvVars("NORN_PLUGINS_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("NORN_LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			NewDefinitionCommand(),
			NewWorkflowCommand(),
			NewLocksCommand(),
			NewLogCommand(),
			NewExecutorsCommand(),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// adminContext bundles the handles every subcommand needs.
type adminContext struct {
	logger  *slog.Logger
	persist persistence.Persistence
	reg     *registry.Registry
}

func openAdmin(ctx context.Context, command *cli.Command) (*adminContext, func(), error) {
	logger := log.Setup(command.String("log-level"))

	reg, err := cmd.NewRegistry(logger, command.String("plugins-path"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build executor registry: %w", err)
	}

	persist, err := cmd.NewPersistence(ctx, logger, command.String("database-url"), command.String("locks-url"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize persistence: %w", err)
	}

	cleanup := func() {
		if err := persist.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to close persistence", "error", err)
		}
	}

	return &adminContext{logger: logger, persist: persist, reg: reg}, cleanup, nil
}

func (a *adminContext) definitions() *services.Definition {
	return services.NewDefinition(a.persist, a.reg)
}

// engine builds a short-lived engine for synchronous admin runs. Its
// generated engine id marks instances this process drives; if the CLI dies
// mid-run, the stale heartbeat hands them to the next recovery sweep.
func (a *adminContext) engine() *workflow.Engine {
	return workflow.NewEngine(workflow.Config{}, a.persist, a.reg, nil, a.logger)
}
