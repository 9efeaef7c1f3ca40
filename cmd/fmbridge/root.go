package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fmbridge/client"
	"fmbridge/config"
	"fmbridge/logging"
)

// commandContext builds the client facade once, on first use, so every
// subcommand shares the flags and config resolution.
type commandContext struct {
	configFlag *string
	workerFlag *string

	cfg    *config.Config
	logger *zap.Logger
	client *client.Client
}

func (c *commandContext) ensureClient() (*client.Client, error) {
	if c.client != nil {
		return c.client, nil
	}
	cfg, err := config.Load(*c.configFlag)
	if err != nil {
		return nil, err
	}
	if *c.workerFlag != "" {
		cfg.Worker.Path = *c.workerFlag
	}
	if cfg.Worker.Path == "" {
		return nil, errors.New("no worker binary: set worker.path in the config or pass --worker")
	}
	logger, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return nil, err
	}
	c.cfg = cfg
	c.logger = logger
	c.client = client.New(cfg.ClientConfig(), logger)
	return c.client, nil
}

func (c *commandContext) close() {
	if c.client != nil {
		c.client.Shutdown()
	}
	if c.logger != nil {
		c.logger.Sync()
	}
}

func newRootCommand() *cobra.Command {
	var configFlag string
	var workerFlag string

	ctx := &commandContext{configFlag: &configFlag, workerFlag: &workerFlag}

	rootCmd := &cobra.Command{
		Use:           "fmbridge",
		Short:         "Talk to the text generation worker",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&workerFlag, "worker", "", "Worker binary path (overrides config)")

	rootCmd.AddCommand(newPingCommand(ctx))
	rootCmd.AddCommand(newGenerateCommand(ctx))
	rootCmd.AddCommand(newCapabilitiesCommand(ctx))
	rootCmd.AddCommand(newShutdownCommand(ctx))
	return rootCmd
}

func newPingCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Spawn the worker if needed and check its health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.ensureClient()
			if err != nil {
				return err
			}
			result, err := c.Ping(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok (protocol version %d)\n", result.ProtocolVersion)
			return nil
		},
	}
}

func newShutdownCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "shutdown",
		Short: "Stop the managed worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := ctx.ensureClient()
			if err != nil {
				return err
			}
			if _, err := c.Ping(cmd.Context()); err != nil {
				return err
			}
			c.Shutdown()
			fmt.Fprintln(cmd.OutOrStdout(), "worker stopped")
			return nil
		},
	}
}
