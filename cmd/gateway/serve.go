package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vyrodovalexey/keygate/internal/observability"
)

func newServeCmd(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags.configPath)
			if err != nil {
				return err
			}

			logger, err := initLogger(&cfg.Observability.Log, flags)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("starting keygate",
				observability.String("version", version),
				observability.String("config", flags.configPath),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, cfg, logger)
			if err != nil {
				logger.Error("failed to initialize application", observability.Error(err))
				return err
			}
			return app.run(ctx, flags.configPath)
		},
	}
}

// run starts the listeners and background jobs and blocks until ctx is
// cancelled or a listener fails, then shuts everything down.
func (a *application) run(ctx context.Context, configPath string) error {
	errCh := make(chan error, 2)
	go func() { errCh <- a.public.Start(ctx) }()
	go func() { errCh <- a.admin.Start(ctx) }()

	if a.retention != nil {
		if err := a.retention.Start(ctx); err != nil {
			a.logger.Error("failed to start usage retention", observability.Error(err))
		}
	}

	watcher := a.startConfigWatcher(ctx, configPath)

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("received shutdown signal")
	case runErr = <-errCh:
		if runErr != nil {
			a.logger.Error("listener failed", observability.Error(runErr))
		}
	}

	a.shutdown(watcher)
	return runErr
}
