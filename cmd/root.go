// Package cmd defines the CLI commands of the ampcompat executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rtCamp/amp-compatibility-sub001/internal/config"
	"github.com/rtCamp/amp-compatibility-sub001/internal/ingest"
	"github.com/rtCamp/amp-compatibility-sub001/internal/logging"
	"github.com/rtCamp/amp-compatibility-sub001/internal/server"
	"github.com/rtCamp/amp-compatibility-sub001/internal/worker"
)

var cfgFile string

type ctxKey string

const (
	configKey ctxKey = "config"
	loggerKey ctxKey = "logger"
)

// App is the part of server.App the commands use. Tests swap in a fake.
type App interface {
	Serve(ctx context.Context, withWorkers bool) error
	RunWorkers(ctx context.Context) error
	Queue() ingest.Queue
	QueueName() string
	Replayer() *worker.Replayer
	Close(ctx context.Context) error
}

type appFactory func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error)

// The application factories are variables so tests can replace them. newApp
// builds everything; the jobs commands use the reduced builds.
var (
	newApp       appFactory = adapt(server.Build)
	newQueueApp  appFactory = adapt(server.BuildQueue)
	newReplayApp appFactory = adapt(server.BuildReplayer)
)

func adapt(build func(context.Context, config.Config, *zap.Logger) (*server.App, error)) appFactory {
	return func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
		app, err := build(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return app, nil
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ampcompat",
		Short: "Collects AMP plugin compatibility submissions.",
		Long: `ampcompat receives compatibility reports sent by WordPress sites running
the AMP plugin, queues them, and normalizes every report into the relational
store and the analytics warehouse.`,
		SilenceUsage: true,

		// Config and logger are loaded once here; subcommands build what they need.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(logging.Config{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			ctx := context.WithValue(cmd.Context(), configKey, cfg)
			ctx = context.WithValue(ctx, loggerKey, logger)
			cmd.SetContext(ctx)
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if logger, ok := cmd.Context().Value(loggerKey).(*zap.Logger); ok {
				_ = logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newMigrateCmd())
	cmd.AddCommand(newJobsCmd())

	return cmd
}

func resolveConfig(ctx context.Context) (config.Config, *zap.Logger, error) {
	cfg, ok := ctx.Value(configKey).(config.Config)
	if !ok {
		return config.Config{}, nil, errors.New("configuration not loaded")
	}
	logger, ok := ctx.Value(loggerKey).(*zap.Logger)
	if !ok || logger == nil {
		logger = zap.NewNop()
	}
	return cfg, logger, nil
}

// withApp builds the full application, runs fn and closes the application.
func withApp(ctx context.Context, fn func(App) error) error {
	return withAppFrom(ctx, newApp, fn)
}

func withAppFrom(ctx context.Context, build appFactory, fn func(App) error) error {
	cfg, logger, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	app, err := build(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("application close failed", zap.Error(cerr))
		}
	}()
	return fn(app)
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
