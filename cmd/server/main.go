// server runs the identity gRPC API and the HTTP side port serving /metrics and /healthz.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-core/internal/bootstrap"
	"identity-core/internal/config"
	"identity-core/internal/health"
	"identity-core/internal/logger"
	"identity-core/internal/server"
	"identity-core/internal/telemetry"
	oteladapter "identity-core/internal/telemetry/otel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	env := "dev"
	if cfg.Env == "production" {
		env = "prod"
	}
	log, err := logger.New(logger.Config{Env: env, Level: cfg.LogLevel, ServiceName: cfg.ServiceName})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := oteladapter.NewProviders(ctx, oteladapter.ProviderConfig{
		Endpoint:    cfg.OTelEndpoint,
		Insecure:    cfg.OTelInsecure,
		ServiceName: cfg.ServiceName,
		Environment: cfg.Env,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	providers.SetGlobal()

	repos, err := bootstrap.OpenRepos(ctx, cfg)
	if err != nil {
		return err
	}
	app, err := bootstrap.New(ctx, cfg, log, repos, bootstrap.WithLoggerProvider(providers.LoggerProvider))
	if err != nil {
		_ = repos.Close(context.Background())
		return err
	}

	grpcServer, healthServer := server.NewGRPCServer(app.ServerDeps())
	monitor := health.NewMonitor(healthServer, log, server.ServiceNames...)
	for name, check := range app.HealthChecks() {
		monitor.Add(name, check)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr), zap.String("store", repos.Engine))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		monitor.Run(gctx, 15*time.Second)
		return nil
	})
	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpServer = server.NewHTTPServer(cfg.HTTPAddr, app.Metrics, monitor)
		g.Go(func() error {
			log.Info("HTTP side port listening", zap.String("addr", cfg.HTTPAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		monitor.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if httpServer != nil {
			_ = httpServer.Shutdown(shutdownCtx)
		}
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		return nil
	})

	err = g.Wait()

	// Let in-flight async security events finish before the exporters shut down.
	time.Sleep(telemetry.ShutdownDrainDuration)
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := app.Close(closeCtx); cerr != nil {
		log.Warn("close app", zap.Error(cerr))
	}
	if perr := providers.Shutdown(closeCtx); perr != nil {
		log.Warn("telemetry shutdown", zap.Error(perr))
	}
	log.Info("server stopped")
	return err
}
