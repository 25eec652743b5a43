package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/nornlabs/norn/pkg/models"
	"github.com/nornlabs/norn/pkg/services"
)

func NewDefinitionCommand() *cli.Command {
	return &cli.Command{
		Name:    "definition",
		Aliases: []string{"def"},
		Usage:   "Manage workflow definitions",
		Commands: []*cli.Command{
			newDefinitionCreateCommand(),
			newDefinitionTransitionCommand("activate", "Activate a definition, demoting the previous active version",
				func(ctx context.Context, svc *services.Definition, id string) (*models.WorkflowDefinition, error) {
					return svc.Activate(ctx, id)
				}),
			newDefinitionTransitionCommand("deprecate", "Deprecate the active definition",
				func(ctx context.Context, svc *services.Definition, id string) (*models.WorkflowDefinition, error) {
					return svc.Deprecate(ctx, id)
				}),
			newDefinitionTransitionCommand("archive", "Archive a draft or deprecated definition",
				func(ctx context.Context, svc *services.Definition, id string) (*models.WorkflowDefinition, error) {
					return svc.Archive(ctx, id)
				}),
			newDefinitionListCommand(),
			newDefinitionShowCommand(),
		},
	}
}

func newDefinitionCreateCommand() *cli.Command {
	return &cli.Command{
		Name:  "create",
		Usage: "Create a draft definition from a JSON file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "file",
				Aliases:  []string{"f"},
				Usage:    "Path to a JSON definition request",
				Required: true,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			data, err := os.ReadFile(command.String("file"))
			if err != nil {
				return fmt.Errorf("failed to read definition file: %w", err)
			}

			var req services.CreateDefinitionRequest
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("failed to parse definition file: %w", err)
			}

			definition, err := admin.definitions().Create(ctx, req)
			if err != nil {
				return err
			}

			fmt.Printf("Created definition %s (%s %s) as %s\n",
				definition.ID, definition.Name, definition.Version, definition.Status)

			return nil
		},
	}
}

func newDefinitionTransitionCommand(name, usage string, transition func(context.Context, *services.Definition, string) (*models.WorkflowDefinition, error)) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<definition-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id := command.Args().First()
			if id == "" {
				return fmt.Errorf("definition id argument is required")
			}

			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			definition, err := transition(ctx, admin.definitions(), id)
			if err != nil {
				return err
			}

			fmt.Printf("Definition %s (%s %s) is now %s\n",
				definition.ID, definition.Name, definition.Version, definition.Status)

			return nil
		},
	}
}

func newDefinitionListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List definitions",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Filter by definition name"},
			&cli.StringFlag{Name: "status", Usage: "Filter by status (draft, active, deprecated, archived)"},
			&cli.IntFlag{Name: "limit", Usage: "Page size", Value: 50},
			&cli.IntFlag{Name: "offset", Usage: "Page offset", Value: 0},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			page, err := admin.definitions().List(ctx, services.ListDefinitionsRequest{
				Name:      command.String("name"),
				Status:    models.DefinitionStatus(command.String("status")),
				SortBy:    "name",
				SortOrder: "asc",
				Limit:     command.Int("limit"),
				Offset:    command.Int("offset"),
			})
			if err != nil {
				return err
			}

			fmt.Printf("%-36s  %-28s  %-10s  %s\n", "ID", "NAME", "VERSION", "STATUS")

			for _, definition := range page.Definitions {
				fmt.Printf("%-36s  %-28s  %-10s  %s\n",
					definition.ID, definition.Name, definition.Version, definition.Status)
			}

			fmt.Printf("\n%d of %d definitions\n", len(page.Definitions), page.TotalCount)

			return nil
		},
	}
}

func newDefinitionShowCommand() *cli.Command {
	return &cli.Command{
		Name:      "show",
		Usage:     "Print one definition as JSON",
		ArgsUsage: "<definition-id>",
		Action: func(ctx context.Context, command *cli.Command) error {
			id := command.Args().First()
			if id == "" {
				return fmt.Errorf("definition id argument is required")
			}

			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			definition, err := admin.definitions().Get(ctx, id)
			if err != nil {
				return err
			}

			data, err := json.MarshalIndent(definition, "", "  ")
			if err != nil {
				return err
			}

			fmt.Println(string(data))

			return nil
		},
	}
}
