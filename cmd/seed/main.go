// seed creates the roles and the admin identity listed in a YAML file. Idempotent: roles are
// only created when none exist and the admin only when its email is free.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"identity-core/internal/bootstrap"
	"identity-core/internal/config"
	"identity-core/internal/logger"
)

func main() {
	path := flag.String("file", "seed.yaml", "YAML file with roles and the admin identity")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.StoreEngine == config.EngineMemory {
		fmt.Fprintln(os.Stderr, "seed: STORE_ENGINE=memory would discard the seed on exit; use postgres or mongo")
		os.Exit(1)
	}
	f, err := bootstrap.LoadSeedFile(*path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}

	ctx := context.Background()
	repos, err := bootstrap.OpenRepos(ctx, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "store:", err)
		os.Exit(1)
	}
	app, err := bootstrap.New(ctx, cfg, log, repos)
	if err != nil {
		_ = repos.Close(ctx)
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		os.Exit(1)
	}
	defer func() { _ = app.Close(ctx) }()

	res, err := app.Seed(ctx, f)
	if err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
	fmt.Printf("roles created: %d, admin created: %t\n", res.RolesCreated, res.AdminCreated)
}
