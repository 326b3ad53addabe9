package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aixgo-dev/agentbus"
	"github.com/aixgo-dev/agentbus/internal/agent"
	"github.com/aixgo-dev/agentbus/internal/orchestration"
	"github.com/aixgo-dev/agentbus/internal/selection"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
)

func newChatCmd(flags *rootFlags) *cobra.Command {
	var manual bool

	cmd := &cobra.Command{
		Use:   "chat MESSAGE...",
		Short: "Run a group chat seeded with MESSAGE",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig(cmd)
			if err != nil {
				return err
			}

			var opts []agentbus.Option
			if manual {
				cfg.Selection.Strategy = selection.StrategyManual
				line := liner.NewLiner()
				defer line.Close()
				line.SetCtrlCAborts(true)
				opts = append(opts, agentbus.WithPrompt(linerPrompt(line, cmd.OutOrStdout())))
			}

			return flags.withSystem(cmd, cfg, opts, func(ctx context.Context, sys *agentbus.System) error {
				res, err := sys.Chat(ctx, strings.Join(args, " "))
				if res != nil {
					printTranscript(cmd.OutOrStdout(), res)
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&manual, "manual", false, "ask for each speaker interactively")
	return cmd
}

// linerPrompt asks the operator to name the next speaker. An empty answer
// picks the first candidate.
func linerPrompt(line *liner.State, w io.Writer) selection.PromptFunc {
	return func(ctx context.Context, candidates []agent.Agent) (string, error) {
		names := selection.Names(candidates)
		line.SetCompleter(func(input string) []string {
			var out []string
			for _, n := range names {
				if strings.HasPrefix(n, input) {
					out = append(out, n)
				}
			}
			return out
		})

		fmt.Fprintf(w, "speakers: %s\n", strings.Join(names, ", "))
		answer, err := line.Prompt("next speaker> ")
		if errors.Is(err, liner.ErrPromptAborted) {
			return "", context.Canceled
		}
		if err != nil {
			return "", err
		}
		if answer = strings.TrimSpace(answer); answer != "" {
			line.AppendHistory(answer)
		}
		return answer, ctx.Err()
	}
}

func printTranscript(w io.Writer, res *orchestration.ChatResult) {
	for _, msg := range res.Messages {
		fmt.Fprintf(w, "%s: %s\n", msg.Source, msg.Content)
	}
	fmt.Fprintf(w, "-- %d rounds, stopped: %s\n", res.Rounds, res.StopReason)
}
