package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bobarin/memorial/internal/api"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, plus the render worker when WORKER_ENABLED is set",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.close()
			if err := app.init(); err != nil {
				return err
			}
			ctx := cmd.Context()
			cfg, logger := app.cfg, app.logger

			database, err := app.openDB()
			if err != nil {
				return err
			}
			q, err := app.openQueue()
			if err != nil {
				return err
			}
			store, err := app.openStore(ctx)
			if err != nil {
				return err
			}
			registry, err := app.registry()
			if err != nil {
				return err
			}

			handler := api.NewHandler(database, q, store, registry, api.HandlerOptions{
				Policy:        app.retryPolicy(),
				PublicBaseURL: cfg.PublicBaseURL,
				SignedURLTTL:  cfg.SignedURLTTL,
			}, logger)
			router := api.NewRouter(handler, api.RouterConfig{
				BackendAPIKey:      cfg.BackendAPIKey,
				CorsAllowedOrigins: cfg.CorsAllowedOrigins,
			}, logger)

			if cfg.BackendAPIKey != "" {
				logger.Info("API key authentication enabled")
			} else {
				logger.Warn("no BACKEND_API_KEY set, API is unprotected (dev mode)")
			}

			server := &http.Server{
				Addr:              ":" + cfg.APIPort,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)

			if cfg.WorkerEnabled {
				w, err := app.newWorker(database, q, store)
				if err != nil {
					return err
				}
				logger.Info("worker enabled, starting background processing")
				g.Go(func() error { return w.Start(gctx) })
			}

			g.Go(func() error {
				logger.Info("API server listening", zap.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})

			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutting down server")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				return server.Shutdown(shutdownCtx)
			})

			if err := g.Wait(); err != nil {
				return err
			}
			logger.Info("server exited")
			return nil
		},
	}
}

func newWorkerCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the render worker pool without the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.close()
			if err := app.init(); err != nil {
				return err
			}
			ctx := cmd.Context()

			database, err := app.openDB()
			if err != nil {
				return err
			}
			q, err := app.openQueue()
			if err != nil {
				return err
			}
			store, err := app.openStore(ctx)
			if err != nil {
				return err
			}

			w, err := app.newWorker(database, q, store)
			if err != nil {
				return err
			}
			return w.Start(ctx)
		},
	}
}
