// Worker runs the refresh token sweeper: it marks lapsed active tokens expired and deletes
// terminal tokens past the retention window. Set SWEEP_INTERVAL and REFRESH_RETENTION.
// Metrics are served on HTTP_ADDR when set.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-core/internal/bootstrap"
	"identity-core/internal/config"
	"identity-core/internal/logger"
	"identity-core/internal/server"
	sessionservice "identity-core/internal/session/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, ServiceName: "identity-worker"})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repos, err := bootstrap.OpenRepos(ctx, cfg)
	if err != nil {
		log.Fatal("worker: store", zap.Error(err))
	}
	app, err := bootstrap.New(ctx, cfg, log, repos)
	if err != nil {
		_ = repos.Close(context.Background())
		log.Fatal("worker: bootstrap", zap.Error(err))
	}
	defer func() { _ = app.Close(context.Background()) }()

	app.Sweeper.OnPass(func(r sessionservice.SweepResult) {
		app.Metrics.RecordSweep(r.Expired, r.Deleted)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("worker: sweeping refresh tokens", zap.Duration("interval", cfg.SweepEvery()), zap.Duration("retention", cfg.Retention()))
		return app.Sweeper.Run(gctx, cfg.SweepEvery())
	})
	if cfg.HTTPAddr != "" {
		srv := server.NewHTTPServer(cfg.HTTPAddr, app.Metrics, nil)
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Shutdown(context.Background())
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("worker stopped", zap.Error(err))
		return
	}
	log.Info("worker: stopped")
}
