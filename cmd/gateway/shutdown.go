package main

import (
	"context"

	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/observability"
)

// shutdown drains the gateway. The public listener stops first so no new
// usage is produced, then pending last-used updates and usage events are
// flushed before the stores they write to are closed.
func (a *application) shutdown(watcher *config.Watcher) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.Server.ShutdownTimeout.Duration())
	defer cancel()

	a.checker.SetDraining(true)

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := a.public.Stop(shutdownCtx); err != nil {
		a.logger.Error("failed to stop gateway listener gracefully", observability.Error(err))
	}

	a.pipeline.Wait()

	if err := a.dispatcher.Close(shutdownCtx); err != nil {
		a.logger.Error("failed to flush usage events", observability.Error(err))
	}

	if a.retention != nil {
		a.retention.Stop()
	}

	if err := a.admin.Stop(shutdownCtx); err != nil {
		a.logger.Error("failed to stop admin listener gracefully", observability.Error(err))
	}

	if err := a.limiter.Store.Close(); err != nil {
		a.logger.Error("failed to close rate limit store", observability.Error(err))
	}

	if a.pool != nil {
		a.pool.Close()
	}

	if err := a.tracer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	a.logger.Info("gateway stopped")
}
