package main

import (
	"context"

	"github.com/vyrodovalexey/keygate/internal/authz"
	"github.com/vyrodovalexey/keygate/internal/config"
	"github.com/vyrodovalexey/keygate/internal/observability"
)

// startConfigWatcher watches the configuration file and hot-reloads the
// route scope table. Other sections need a restart.
func (a *application) startConfigWatcher(ctx context.Context, configPath string) *config.Watcher {
	watcher, err := config.NewWatcher(configPath, a.reload,
		config.WithLogger(a.logger.With(observability.String("component", "config"))),
	)
	if err != nil {
		a.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}
	return watcher
}

// reload applies a changed configuration.
func (a *application) reload(newCfg *config.GatewayConfig) {
	if err := config.ValidateConfig(newCfg); err != nil {
		a.logger.Error("reloaded configuration is invalid, keeping route scopes",
			observability.Error(err),
		)
		return
	}

	a.routes.Update(authz.RulesFromConfig(newCfg.Routes), newCfg.DefaultScopes)
	a.logger.Info("route scopes reloaded",
		observability.Int("routes", len(newCfg.Routes)),
		observability.Strings("default_scopes", newCfg.DefaultScopes),
	)
}
