package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	cli "github.com/urfave/cli/v3"
)

func NewExecutorsCommand() *cli.Command {
	return &cli.Command{
		Name:  "executors",
		Usage: "List the executors available to workflow definitions",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "schemas",
				Usage: "Include each executor's config schema as JSON",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			admin, cleanup, err := openAdmin(ctx, command)
			if err != nil {
				return err
			}
			defer cleanup()

			factories := admin.reg.GetAvailableExecutors()
			sort.Slice(factories, func(i, j int) bool {
				return factories[i].ID() < factories[j].ID()
			})

			for _, factory := range factories {
				fmt.Printf("%-16s %s\n", factory.ID(), factory.Description())

				if command.Bool("schemas") {
					schema, err := json.MarshalIndent(factory.Schema(), "", "  ")
					if err != nil {
						return fmt.Errorf("failed to render schema for %s: %w", factory.ID(), err)
					}

					fmt.Println(string(schema))
				}
			}

			return nil
		},
	}
}
