package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aixgo-dev/agentbus"
	"github.com/aixgo-dev/agentbus/internal/observability"
	"github.com/aixgo-dev/agentbus/pkg/config"
	metrics "github.com/aixgo-dev/agentbus/pkg/observability"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type rootFlags struct {
	configPath  string
	metricsPort int
	logLevel    string
	dumpState   bool
	loadState   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "agentbus",
		Short:         "Run agent swarms and group chats on an in-process message bus",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", envOr("AGENTBUS_CONFIG", "agentbus.yaml"), "configuration file (.yaml or .toml)")
	pf.IntVar(&flags.metricsPort, "metrics-port", 0, "serve /metrics and /health on this port while running")
	pf.StringVar(&flags.logLevel, "log-level", "", "override the configured log level")
	pf.BoolVar(&flags.dumpState, "dump-state", false, "print the runtime state as YAML when finished")
	pf.StringVar(&flags.loadState, "load-state", "", "restore runtime state from a YAML file before running")

	root.AddCommand(
		newRunCmd(flags),
		newChatCmd(flags),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "agentbus %s\n", agentbus.Version)
		},
	}
}

// loadConfig reads the config file and applies command line overrides
func (f *rootFlags) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(f.configPath)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("metrics-port") {
		cfg.Observability.MetricsPort = f.metricsPort
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	return cfg, nil
}

// withSystem builds a System from cfg, runs work on it and, when a metrics
// port is configured, serves metrics and health alongside until work ends.
func (f *rootFlags) withSystem(cmd *cobra.Command, cfg *config.Config, opts []agentbus.Option, work func(context.Context, *agentbus.System) error) error {
	ctx := cmd.Context()

	logger, err := cfg.Logging.NewLogger(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if err := agentbus.InitTracing(cfg.Observability, logger); err != nil {
		logger.Warn("tracing disabled", "error", err)
	}
	defer func() {
		if err := observability.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	sys, err := agentbus.New(ctx, cfg, append(opts, agentbus.WithLogger(logger))...)
	if err != nil {
		return err
	}
	defer func() {
		if err := sys.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("runtime stop failed", "error", err)
		}
	}()

	if f.loadState != "" {
		file, err := os.Open(f.loadState)
		if err != nil {
			return fmt.Errorf("failed to open state file: %w", err)
		}
		err = sys.LoadState(ctx, file)
		_ = file.Close()
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var srv *metrics.Server
	if port := cfg.Observability.MetricsPort; port > 0 {
		checker := metrics.NewHealthChecker(agentbus.Version)
		checker.RegisterCheck(metrics.HealthCheck{
			Name:     "runtime",
			Critical: true,
			Probe: func(context.Context) error {
				if len(sys.Runtime().List()) == 0 {
					return errors.New("no agents registered")
				}
				return nil
			},
		})
		srv = metrics.NewServer(port, checker)
		logger.Info("observability server listening", "port", port)
		g.Go(srv.Start)
	}

	g.Go(func() error {
		if srv != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
		}
		if err := work(gctx, sys); err != nil {
			return err
		}
		if f.dumpState {
			return sys.SaveState(gctx, cmd.OutOrStdout())
		}
		return nil
	})
	return g.Wait()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
