package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"cassa/internal/amqp"
	"cassa/internal/cache"
	"cassa/internal/core"
	apphttp "cassa/internal/http"
	"cassa/internal/services"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ledger over HTTP",
		Long: `Serve transactions, reports and the two-step deletion flow over HTTP.
The forecast window is rolled forward while the server runs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = ":" + cfg.Port
			}

			b, err := openBackend(ctx, true)
			if err != nil {
				return err
			}
			defer closeBackend(b)

			views := apphttp.NewViewCache(0, cfg.ViewCacheTTL)
			srv := apphttp.NewServer(apphttp.Config{
				Addr:         addr,
				RateLimit:    cfg.RateLimit,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}, b.Ledger, b.Gate, views, logger)

			notifier, closeNotifier := newNotifier(ctx, b.Ledger, views)
			defer closeNotifier()
			if notifier != nil {
				b.Coordinator.AddNotifier(notifier)
				srv.SetNotifier(notifier)
			}
			if client, ok := notifier.(*amqp.Client); ok {
				srv.AddReadinessCheck("amqp", func(context.Context) error {
					return client.Healthy()
				})
			}

			caches := cache.NewManager()
			caches.Register(b.Gate.Cache())
			caches.Register(views.Cache())
			caches.StartCleanup(time.Minute)
			defer caches.Stop()

			roller := services.NewForecastRoller(b.Ledger, services.ForecastRollerConfig{
				CheckInterval: time.Minute,
				OnRoll: func(today core.Date) {
					removed := views.DropForecasts()
					logger.Debug("Forecast window rolled", "day", today.String(), "views_dropped", removed)
				},
			})
			if err := roller.Start(ctx); err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("HTTP server listening", "addr", addr, "store", cfg.Store)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					_ = roller.Stop(context.Background())
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown failed", "error", err)
			}
			if err := roller.Stop(shutdownCtx); err != nil {
				logger.Warn("Forecast roller did not stop in time", "error", err)
			}
			logger.Info("Server stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address; defaults to :PORT")
	return cmd
}
