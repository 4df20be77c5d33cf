package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/timmy/catalogsync/internal/api"
)

const (
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

func newServeCmd(opts *options) *cobra.Command {
	var noCron bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, batch workers and scheduled syncs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts, !noCron)
		},
	}
	cmd.Flags().BoolVar(&noCron, "no-cron", false, "Do not run scheduled syncs and maintenance")
	return cmd
}

func runServe(ctx context.Context, opts *options, withCron bool) error {
	ctx, stop := signal.NotifyContext(ctxOrBackground(ctx), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, cfg, log, err := bootstrap(ctx, opts, "server")
	if err != nil {
		return err
	}

	eng, err := newEngine(ctx, cfg, log, true)
	if err != nil {
		return err
	}
	if err := eng.startWorkers(ctx); err != nil {
		eng.close(context.Background())
		return err
	}

	var cronStop func(context.Context) error
	if withCron {
		cr, err := eng.newCron(ctx)
		if err != nil {
			eng.close(context.Background())
			return err
		}
		cr.Start()
		cronStop = cr.Stop
		log.WithField("tasks", cr.Names()).Info("Cron started")
	}

	router := api.SetupRouter(cfg.Server.Mode, log, api.Deps{
		Jobs:        eng.orch,
		Cache:       eng.cache,
		Sweeper:     eng.assets,
		DB:          eng.sqlDB,
		Metrics:     eng.metrics.Handler(),
		CORSOrigins: cfg.Server.CORSOrigins,
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("port", cfg.Server.Port).WithField("mode", cfg.Server.Mode).Info("Starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("API server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server forced to shutdown")
	}
	if cronStop != nil {
		if err := cronStop(shutdownCtx); err != nil {
			log.WithError(err).Warn("Cron did not stop cleanly")
		}
	}
	eng.close(shutdownCtx)

	log.Info("Server exited")
	return serveErr
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
