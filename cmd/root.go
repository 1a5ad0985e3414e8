// Package cmd defines the harvester CLI.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/logging"
	"github.com/JakeFAU/catalog-harvester/internal/telemetry"
)

type ctxKey string

const envKey ctxKey = "env"

// env is what the root command prepares for subcommands.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	tracer *sdktrace.TracerProvider
	app    *app.App
}

// newApp is the application factory; tests swap it to inject a transport.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
	return app.New(ctx, cfg, logger)
}

type rootFlags struct {
	configFile string
	brandsFile string
	dev        bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "Harvests product listings, products and reviews from storefronts.",
		Long: `harvester walks a list of brands across the configured storefronts,
saving listings, deduplicated product snapshots and review pages. Reruns
resume where the previous run stopped.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(flags.configFile)
			if err != nil {
				return err
			}
			if flags.brandsFile != "" {
				cfg.Harvest.BrandsFile = flags.brandsFile
			}
			if cmd.Flags().Changed("dev") {
				cfg.Logging.Development = flags.dev
			}
			logger, err := logging.New(logging.Options{
				Development: cfg.Logging.Development,
				Level:       cfg.Logging.Level,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			tp, err := telemetry.InitTracerProvider(cmd.Context(), telemetry.Config{
				ServiceName: cfg.Tracing.ServiceName,
				SampleRatio: cfg.Tracing.SampleRatio,
			})
			if err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, &env{cfg: cfg, logger: logger, tracer: tp}))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (yaml, json or toml)")
	cmd.PersistentFlags().StringVar(&flags.brandsFile, "brands", "", "brands file (overrides harvest.brands_file)")
	cmd.PersistentFlags().BoolVar(&flags.dev, "dev", false, "human-readable development logging")

	cmd.AddCommand(newRunCmd(), newListingsCmd(), newBrandsCmd())
	return cmd
}

// closeEnv shuts down the app and tracer. Subcommands defer it so cleanup
// happens on failure too.
func closeEnv(cmd *cobra.Command) {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return
	}
	ctx := context.WithoutCancel(cmd.Context())
	var errs error
	if e.app != nil {
		errs = multierr.Append(errs, e.app.Close(ctx))
	}
	if e.tracer != nil {
		errs = multierr.Append(errs, e.tracer.Shutdown(ctx))
	}
	if errs != nil {
		e.logger.Warn("shutdown incomplete", zap.Error(errs))
	}
}

func resolveEnv(ctx context.Context) (*env, error) {
	e, ok := ctx.Value(envKey).(*env)
	if !ok || e == nil {
		return nil, errors.New("configuration not loaded")
	}
	return e, nil
}

// buildApp applies command overrides to the loaded config and wires the
// application. Callers defer closeEnv.
func buildApp(cmd *cobra.Command, override func(*config.Config)) (*env, error) {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(&e.cfg)
		if err := e.cfg.Validate(); err != nil {
			return nil, err
		}
	}
	a, err := newApp(cmd.Context(), e.cfg, e.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	e.app = a
	return e, nil
}

// Execute runs the CLI until it finishes or the process is signaled.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "harvester:", err)
		os.Exit(1)
	}
}
