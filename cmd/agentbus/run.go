package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aixgo-dev/agentbus"
	"github.com/aixgo-dev/agentbus/internal/orchestration"
	"github.com/spf13/cobra"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run TASK...",
		Short: "Run tasks through the configured swarm",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}
			return flags.withSystem(cmd, cfg, nil, func(ctx context.Context, sys *agentbus.System) error {
				res, err := sys.RunTasks(ctx, args)
				if res != nil {
					printSwarmResult(cmd.OutOrStdout(), res)
				}
				if err != nil {
					return err
				}
				if len(res.Failed) > 0 {
					return errors.New("one or more tasks failed")
				}
				return nil
			})
		},
	}
}

func printSwarmResult(w io.Writer, res *orchestration.SwarmResult) {
	for _, task := range res.Tasks {
		fmt.Fprintf(w, "%s [%s] %s (agent=%s, rounds=%d)\n",
			task.ID, task.Status, task.Description, task.AssignedAgent, task.Rounds)
		switch {
		case task.Error != "":
			fmt.Fprintf(w, "  error: %s\n", task.Error)
		case task.Result != nil:
			fmt.Fprintf(w, "  result: %s\n", task.Result.Content)
		}
	}
	fmt.Fprintf(w, "completed=%d failed=%d rounds=%d\n", len(res.Completed), len(res.Failed), res.TotalRounds)
}
