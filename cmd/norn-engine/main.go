package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	root := &cli.Command{
		Name:                  "norn-engine",
		Usage:                 "Run the norn workflow execution engine",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewRunCommand(),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
