package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/poretools/nanosync/pkg/config"
	"github.com/poretools/nanosync/pkg/watch"
)

var (
	// Flags
	configFile              string
	source                  string
	destination             string
	runNamePattern          string
	completionSignalPattern string
	verify                  bool
	settleDelay             time.Duration
	pollInterval            time.Duration
	matchCacheSize          int
	excludeGlobs            []string
	logFile                 string
	debug                   bool
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nanosync",
		Short: "Watch for completed sequencing runs and copy them to a destination",
		Long: `nanosync watches a directory tree for newly created sequencing run
directories, waits for each run's completion signal file to appear, and then
copies the completed run to the destination root, optionally verifying the
copy by total byte size.

It runs until interrupted. On SIGINT/SIGTERM it stops accepting new runs,
cancels in-flight completion watches, and lets started copies finish.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd)
		},
	}

	cmd.Flags().StringVarP(&configFile, "config", "c", "", "optional config file (yaml, json, or hcl)")
	cmd.Flags().StringVarP(&source, "source", "s", "", "directory containing nanopore runs")
	cmd.Flags().StringVarP(&destination, "destination", "d", "", "directory runs are synced to")
	cmd.Flags().StringVar(&runNamePattern, "run-name-pattern", config.DefaultRunNamePattern, "regex matching nanopore run names")
	cmd.Flags().StringVar(&completionSignalPattern, "completion-signal-pattern", config.DefaultCompletionSignalPattern, "regex matching the completion signal file")
	cmd.Flags().BoolVar(&verify, "verify", true, "check total directory size after copy")
	cmd.Flags().DurationVar(&settleDelay, "settle-delay", config.DefaultSettleDelay, "pause between completion and copy")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", config.DefaultPollInterval, "completion poll fallback interval")
	cmd.Flags().IntVar(&matchCacheSize, "match-cache-size", config.DefaultMatchCacheSize, "bound on the run name match cache")
	cmd.Flags().StringSliceVar(&excludeGlobs, "exclude", nil, "glob patterns (relative to a run) excluded from copy and verification")
	cmd.Flags().StringVar(&logFile, "log-file", "", "also log to this file, with rotation")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}

// buildConfig layers explicit flags over the optional config file.
func buildConfig(ctx context.Context, cmd *cobra.Command) (*config.Config, error) {
	cfg := config.New()
	if configFile != "" {
		loaded, err := config.Load(ctx, configFile)
		if err != nil {
			return nil, errors.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	if source != "" {
		cfg.Source = source
	}
	if destination != "" {
		cfg.Destination = destination
	}
	if cmd.Flags().Changed("run-name-pattern") {
		cfg.RunNamePattern = runNamePattern
	}
	if cmd.Flags().Changed("completion-signal-pattern") {
		cfg.CompletionSignalPattern = completionSignalPattern
	}
	if cmd.Flags().Changed("verify") {
		cfg.Verify = verify
	}
	if cmd.Flags().Changed("settle-delay") {
		cfg.SettleDelay = settleDelay
	}
	if cmd.Flags().Changed("poll-interval") {
		cfg.PollInterval = pollInterval
	}
	if cmd.Flags().Changed("match-cache-size") {
		cfg.MatchCacheSize = matchCacheSize
	}
	if len(excludeGlobs) > 0 {
		cfg.ExcludeGlobs = excludeGlobs
	}
	if logFile != "" {
		cfg.LogFile = logFile
	}
	if debug {
		cfg.Debug = true
	}

	if err := cfg.Validate(ctx); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(cfg.Source)
	if err != nil {
		return nil, errors.Errorf("getting absolute source path: %w", err)
	}
	cfg.Source = abs

	abs, err = filepath.Abs(cfg.Destination)
	if err != nil {
		return nil, errors.Errorf("getting absolute destination path: %w", err)
	}
	cfg.Destination = abs

	return cfg, nil
}

// setupLogging builds the process logger: console on stderr, plus an
// optional rotating file sink.
func setupLogging(cfg *config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}

	var sink io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.LogFile != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
		}
		sink = zerolog.MultiLevelWriter(sink, rotating)
	}

	return zerolog.New(sink).Level(level).With().Timestamp().Logger()
}

func runWatch(cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bootstrap := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	cfg, err := buildConfig(bootstrap.WithContext(ctx), cmd)
	if err != nil {
		return err
	}

	logger := setupLogging(cfg)
	ctx = logger.WithContext(ctx)

	watcher, err := watch.New(cfg, watch.Options{})
	if err != nil {
		return errors.Errorf("building watcher: %w", err)
	}

	if err := watcher.Run(ctx); err != nil {
		return errors.Errorf("watching for new runs: %w", err)
	}
	return nil
}

func run() int {
	cmd := newRootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		logger.Error().Err(err).Msg("nanosync failed")
		return 1
	}
	return 0
}
