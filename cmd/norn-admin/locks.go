package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/nornlabs/norn/pkg/workflow"
)

func NewLocksCommand() *cli.Command {
	return &cli.Command{
		Name:  "locks",
		Usage: "Inspect and repair execution leases",
		Commands: []*cli.Command{
			newLocksCleanupCommand(),
			newLocksForceReleaseCommand(),
		},
	}
}

func newLocksCleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "Remove expired leases",
		Action: func(ctx context.Context, command *cli.Command) error {
			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			locks := workflow.NewLockService(admin.persist.Locks(), admin.logger)

			removed, err := locks.CleanupExpired(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Removed %d expired leases\n", removed)

			return nil
		},
	}
}

// force-release exists for operators staring at a wedged instance. It does
// not check ownership or expiry: releasing a live lease lets a second engine
// in, so only use it when the holder is known dead.
func newLocksForceReleaseCommand() *cli.Command {
	return &cli.Command{
		Name:      "force-release",
		Usage:     "Release a lease regardless of holder or expiry",
		ArgsUsage: "<lease-key>",
		Action: func(ctx context.Context, command *cli.Command) error {
			key := command.Args().First()
			if key == "" {
				return fmt.Errorf("lease key argument is required")
			}

			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			locks := workflow.NewLockService(admin.persist.Locks(), admin.logger)

			if err := locks.ForceRelease(ctx, key); err != nil {
				return err
			}

			fmt.Printf("Released lease %s\n", key)

			return nil
		},
	}
}
