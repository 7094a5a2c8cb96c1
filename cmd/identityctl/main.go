// identityctl performs administrative operations directly against the configured store.
package main

import (
	"context"
	"fmt"
	"os"

	"identity-core/internal/bootstrap"
	"identity-core/internal/config"
	"identity-core/internal/logger"
)

func main() {
	root := newRootCmd(openApp, os.Stdout)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// openApp wires the app from the environment, like the server does.
func openApp(ctx context.Context) (*bootstrap.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel})
	if err != nil {
		return nil, err
	}
	repos, err := bootstrap.OpenRepos(ctx, cfg)
	if err != nil {
		return nil, err
	}
	app, err := bootstrap.New(ctx, cfg, log, repos)
	if err != nil {
		_ = repos.Close(ctx)
		return nil, err
	}
	return app, nil
}
