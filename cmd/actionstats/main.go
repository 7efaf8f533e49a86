package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/actionstats/internal/replay"
	"github.com/ethpandaops/actionstats/internal/service"
	"github.com/ethpandaops/actionstats/internal/stats"
	"github.com/ethpandaops/actionstats/internal/version"
)

var (
	cfgFile  string
	logLevel string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actionstats",
		Short: "Running-average aggregator for action events",
		Long: `actionstats accepts JSON action events such as
{"action":"jump","time":100} and keeps a per-action running average,
served as JSON over HTTP and optionally pushed to a collector.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}

	cmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "",
		"override log level (debug, info, warn, error)",
	)
	cmd.Flags().StringVar(
		&cfgFile, "config", "",
		"path to config file (required)",
	)

	if err := cmd.MarkFlagRequired("config"); err != nil {
		fmt.Fprintf(os.Stderr, "error marking flag required: %v\n", err)
		os.Exit(1)
	}

	cmd.AddCommand(versionCmd(), replayCmd())

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.FullWithPlatform())
		},
	}
}

func replayCmd() *cobra.Command {
	var (
		opts        replay.Options
		lockTimeout = stats.DefaultConfig().LockTimeout
	)

	cmd := &cobra.Command{
		Use:   "replay <file|->",
		Short: "Feed NDJSON action events through a fresh aggregator and print the stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := newLogger("info")
			if err != nil {
				return err
			}

			in := io.Reader(cmd.InOrStdin())

			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("opening %s: %w", args[0], err)
				}
				defer f.Close()

				in = f
			}

			ctx, cancel := signal.NotifyContext(
				cmd.Context(),
				syscall.SIGINT,
				syscall.SIGTERM,
			)
			defer cancel()

			cfg := stats.DefaultConfig()
			cfg.LockTimeout = lockTimeout

			agg := stats.New(log, cfg, nil)

			if _, err := replay.Run(ctx, log, agg, in, opts); err != nil {
				return fmt.Errorf("replaying %s: %w", args[0], err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), string(agg.Stats(context.Background())))

			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Workers, "workers", 8, "concurrent recording goroutines")
	cmd.Flags().IntVar(&opts.Retries, "retries", 3, "retries for a busy stats table before a line is dropped")
	cmd.Flags().DurationVar(&opts.Backoff, "backoff", 0, "base delay between retries (default 10ms)")
	cmd.Flags().DurationVar(&lockTimeout, "lock-timeout", lockTimeout, "how long a record waits for the stats table")

	return cmd
}

func newLogger(defaultLevel string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stderr)

	// CLI flag overrides config file.
	if logLevel != "" {
		defaultLevel = logLevel
	}

	level, err := logrus.ParseLevel(defaultLevel)
	if err != nil {
		return nil, fmt.Errorf("parsing log level %q: %w", defaultLevel, err)
	}

	log.SetLevel(level)

	return log, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := service.LoadConfig(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	s, err := service.New(log, cfg)
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	log.Info("Starting actionstats")

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("starting service: %w", err)
	}

	<-ctx.Done()

	log.Info("Shutting down actionstats")

	if err := s.Stop(); err != nil {
		log.WithError(err).Error("Error during shutdown")
		return fmt.Errorf("stopping service: %w", err)
	}

	log.Info("Shutdown complete")

	return nil
}
