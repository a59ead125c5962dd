package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/config"
	"github.com/Ramsey-B/thistle/pkg/routes"
	"github.com/Ramsey-B/thistle/pkg/routes/health"
	"github.com/Ramsey-B/thistle/pkg/routes/issue"
	"github.com/Ramsey-B/thistle/pkg/routes/rule"
	"github.com/Ramsey-B/thistle/pkg/routes/run"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run, issue and rule API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply pending migrations before serving")
	return cmd
}

func serve(ctx context.Context, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, flush, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer flush()

	a, err := newApp(ctx, cfg, logger, appOptions{migrate: migrate, coordinate: true})
	if err != nil {
		logger.WithError(err).Error("Failed to start dependencies")
		return err
	}
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			logger.WithError(err).Warn("Failed to stop dependencies cleanly")
		}
	}()

	checks := map[string]health.Pinger{
		"postgres": health.PingFunc(a.sqlDB.PingContext),
	}
	if a.redis != nil {
		checks["redis"] = health.PingFunc(a.redis.Ping)
	}
	checker := health.NewChecker(version, checks)

	e := routes.New(routes.ServerConfig{
		ServiceName:  cfg.AppName,
		AllowOrigins: cfg.AllowOrigins,
	}, logger, routes.Handlers{
		Runs:   run.NewHandler(a.orchestrator, a.runs, logger),
		Issues: issue.NewHandler(a.issues, logger),
		Rules:  rule.NewHandler(a.loader, a.resolver, a.overrides, logger),
		Health: checker,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           e,
		ReadTimeout:       time.Duration(cfg.HttpServerReadTimeoutSeconds) * time.Second,
		WriteTimeout:      time.Duration(cfg.HttpServerWriteTimeoutSeconds) * time.Second,
		IdleTimeout:       time.Duration(cfg.HttpServerIdleTimeoutSeconds) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.ReadHeaderTimeoutSeconds) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("port", cfg.Port).Info("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	checker.SetReady(true)

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("HTTP server failed")
			return err
		}
	}

	checker.SetReady(false)
	for _, active := range a.orchestrator.Active() {
		a.orchestrator.Cancel(ctx, active.RunID)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server did not shut down cleanly")
		return err
	}
	logger.Info("HTTP server stopped")
	return nil
}
