package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/persistence"
	"github.com/nornlabs/norn/pkg/workflow"
)

func NewWorkflowCommand() *cli.Command {
	return &cli.Command{
		Name:    "workflow",
		Aliases: []string{"wf"},
		Usage:   "Start, inspect, and control workflow instances",
		Commands: []*cli.Command{
			newWorkflowStartCommand(),
			newWorkflowStopCommand(),
			newWorkflowResumeCommand(),
			newWorkflowListCommand(),
			newWorkflowShowCommand(),
		},
	}
}

func newWorkflowStartCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Start a workflow instance and run it to completion in this process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "definition",
				Aliases:  []string{"d"},
				Usage:    "Definition ID to run",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "external-id",
				Usage: "Idempotency key; generated when empty",
			},
			&cli.StringFlag{
				Name:  "business-key",
				Usage: "Domain uniqueness key; at most one instance ever exists per key",
			},
			&cli.StringFlag{
				Name:  "mutex-key",
				Usage: "Exclusivity key; at most one non-terminal instance per key",
			},
			&cli.StringFlag{
				Name:  "variables",
				Usage: "Initial variables as a JSON object",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			opts := workflow.StartOptions{
				ExternalID:  command.String("external-id"),
				BusinessKey: command.String("business-key"),
				MutexKey:    command.String("mutex-key"),
				Exclusive:   command.String("mutex-key") != "",
			}

			if raw := command.String("variables"); raw != "" {
				if err := json.Unmarshal([]byte(raw), &opts.Variables); err != nil {
					return fmt.Errorf("failed to parse --variables: %w", err)
				}
			}

			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			instance, err := admin.engine().StartWorkflow(ctx, command.String("definition"), opts)
			if err != nil {
				return err
			}

			fmt.Printf("Instance %d (%s) finished as %s\n", instance.ID, instance.ExternalID, instance.Status)

			if instance.Status == models.InstanceStatusFailed {
				return fmt.Errorf("workflow failed at node %s: %s", instance.FailedNodeID, instance.ErrorMessage)
			}

			return nil
		},
	}
}

func newWorkflowStopCommand() *cli.Command {
	return &cli.Command{
		Name:      "stop",
		Usage:     "Cancel a pending, running, or paused instance",
		ArgsUsage: "<instance-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "reason",
				Usage: "Cancellation reason recorded on the instance",
				Value: "stopped by norn-admin",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := parseInstanceID(command)
			if err != nil {
				return err
			}

			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := admin.engine().StopWorkflow(ctx, id, command.String("reason")); err != nil {
				return err
			}

			fmt.Printf("Instance %d cancelled\n", id)

			return nil
		},
	}
}

func newWorkflowResumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Resume a paused or abandoned instance and run it to completion",
		ArgsUsage: "<instance-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := parseInstanceID(command)
			if err != nil {
				return err
			}

			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := admin.engine().ResumeWorkflow(ctx, id); err != nil {
				return err
			}

			instance, err := admin.persist.Instances().GetByID(ctx, id)
			if err != nil {
				return fmt.Errorf("failed to reload instance %d: %w", id, err)
			}

			fmt.Printf("Instance %d (%s) finished as %s\n", instance.ID, instance.ExternalID, instance.Status)

			if instance.Status == models.InstanceStatusFailed {
				return fmt.Errorf("workflow failed at node %s: %s", instance.FailedNodeID, instance.ErrorMessage)
			}

			return nil
		},
	}
}

func newWorkflowListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List workflow instances",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "definition", Usage: "Filter by definition ID"},
			&cli.StringFlag{Name: "status", Usage: "Filter by status (pending, running, paused, completed, failed, cancelled)"},
			&cli.StringFlag{Name: "business-key", Usage: "Filter by business key"},
			&cli.IntFlag{Name: "limit", Usage: "Maximum rows", Value: 50},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			instances, err := admin.persist.Instances().List(ctx, persistence.InstanceFilter{
				DefinitionID: command.String("definition"),
				Status:       models.InstanceStatus(command.String("status")),
				BusinessKey:  command.String("business-key"),
				Limit:        command.Int("limit"),
			})
			if err != nil {
				return err
			}

			fmt.Printf("%-8s %-36s %-36s %-10s %s\n", "ID", "EXTERNAL-ID", "DEFINITION", "STATUS", "CURRENT-NODE")

			for _, instance := range instances {
				node := instance.CurrentNodeID
				if node == "" {
					node = "-"
				}

				fmt.Printf("%-8d %-36s %-36s %-10s %s\n",
					instance.ID, instance.ExternalID, instance.DefinitionID, instance.Status, node)
			}

			fmt.Printf("\n%d instances\n", len(instances))

			return nil
		},
	}
}

func newWorkflowShowCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Show one instance as JSON",
		ArgsUsage: "<instance-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := parseInstanceID(command)
			if err != nil {
				return err
			}

			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			instance, err := admin.persist.Instances().GetByID(ctx, id)
			if err != nil {
				return err
			}

			if instance == nil {
				return fmt.Errorf("instance %d not found", id)
			}

			data, err := json.MarshalIndent(instance, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render instance: %w", err)
			}

			fmt.Println(string(data))

			return nil
		},
	}
}

func NewLogCommand() *cli.Command {
	return &cli.Command{
		Name:      "log",
		Usage:     "Print the execution log of an instance",
		ArgsUsage: "<instance-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Usage: "Maximum entries", Value: 200},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := parseInstanceID(command)
			if err != nil {
				return err
			}

			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := admin.persist.ExecutionLog().ListByInstance(ctx, id, command.Int("limit"))
			if err != nil {
				return err
			}

			for _, entry := range entries {
				node := entry.NodeID
				if node == "" {
					node = "-"
				}

				fmt.Printf("%s  %-5s  %-22s  %-12s  %s\n",
					entry.CreatedAt.Format(time.RFC3339), entry.Level, entry.Event, node, entry.Message)
			}

			return nil
		},
	}
}

func parseInstanceID(command *cli.Command) (int64, error) {
	raw := command.Args().First()
	if raw == "" {
		return 0, fmt.Errorf("instance id argument is required")
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid instance id %q: %w", raw, err)
	}

	return id, nil
}
