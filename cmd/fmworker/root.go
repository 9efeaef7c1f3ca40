package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fmbridge/logging"
	"fmbridge/message"
	"fmbridge/middleware"
	"fmbridge/provider"
	"fmbridge/worker"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "fmworker",
		Short:         "Text generation worker subprocess",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(newServeCommand())
	return rootCmd
}

func newServeCommand() *cobra.Command {
	var (
		protocolMode bool
		verbose      bool
		ratePerSec   float64
		burst        int
		model        string
		delayMS      int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Speak the frame protocol on stdin/stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !protocolMode {
				return cmd.Help()
			}

			// stdout carries frames; diagnostics go to stderr only, and
			// are off entirely unless asked for.
			logger := zap.NewNop()
			if verbose {
				var err error
				logger, err = logging.New(logging.Options{Level: "debug"})
				if err != nil {
					return err
				}
				defer logger.Sync()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p := provider.Echo{Delay: time.Duration(delayMS) * time.Millisecond}
			o := provider.StaticOracle{Verdict: provider.Availability{
				Available: true,
				Model:     model,
			}}

			srv := worker.NewServer(p, o, worker.WithLogger(logger))
			srv.Use(middleware.Recover(logger))
			if verbose {
				srv.Use(middleware.Logging(logger))
			}
			if ratePerSec > 0 {
				srv.Use(middleware.RateLimit(ratePerSec, burst))
			}

			logger.Info("worker serving",
				zap.Int("protocol_version", message.ProtocolVersion),
				zap.Int("pid", os.Getpid()))
			return srv.Serve(ctx, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().BoolVar(&protocolMode, "protocol", false, "Speak length-prefixed frames on stdin/stdout")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "Log diagnostics to stderr")
	cmd.Flags().Float64Var(&ratePerSec, "rate", 0, "Generation requests per second (0 disables limiting)")
	cmd.Flags().IntVar(&burst, "burst", 10, "Rate limiter burst size")
	cmd.Flags().StringVar(&model, "model", "echo-1", "Model name reported by capabilities.get")
	cmd.Flags().IntVar(&delayMS, "delay-ms", 20, "Pacing between streaming snapshots")
	return cmd
}
