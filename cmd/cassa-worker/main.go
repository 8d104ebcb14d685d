package main

import (
	"context"
	"errors"
	"os"
	"time"

	"cassa/internal/amqp"
	"cassa/internal/backend"
	"cassa/internal/cache"
	"cassa/internal/cli"
	"cassa/internal/config"
	applog "cassa/internal/log"
	"cassa/internal/sheets"
	gsheet "cassa/internal/sheets/google"
	"cassa/internal/sheets/memory"
	"cassa/internal/worker"
)

func main() {
	cli.LoadEnvFile()

	cfg, err := cli.LoadAndValidateConfig(nil)
	if err != nil {
		cli.Fatal(applog.New(applog.DefaultConfig()), "Configuration validation failed", err)
	}
	logger := cli.SetupLogger(cfg.LogLevel, os.Stdout).WithComponent(applog.ComponentWorker)

	logger.Info("Starting cassa-worker")

	if !cfg.AMQPEnabled() {
		cli.Fatal(logger, "Worker needs a broker", errors.New("AMQP_URL is not set"))
	}
	if cfg.Store == backend.MemoryBackend.String() {
		logger.Warn("Memory store is private to this process; category stats will be empty")
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	// The worker only reads; rebuilding is left to the writer.
	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		cli.Fatal(logger, "Invalid backend configuration", err)
	}
	b, err := backend.NewFactory(logger.Logger).CreateBackend(ctx, bcfg)
	if err != nil {
		cli.Fatal(logger, "Failed to open store", err)
	}
	defer b.Cleanup()

	mirror := openMirror(ctx, cfg, logger)

	client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize AMQP client", err)
	}
	defer client.Close()

	w := worker.NewRefreshWorker(b.Ledger, mirror, mirror)

	caches := cache.NewManager()
	caches.Register(w.Seen())
	caches.StartCleanup(10 * time.Minute)
	defer caches.Stop()

	logger.Info("Performing startup category sync", applog.FieldOperation, applog.OpStartup)
	if err := w.SyncCategoryStats(ctx); err != nil {
		logger.Error("Startup category sync failed", applog.FieldError, err)
	}

	go func() {
		if err := client.ConsumeChangeSummaries(ctx, w.HandleChangeSummary); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Message consumption failed", applog.FieldError, err)
		}
	}()

	go syncPeriodically(ctx, w, cfg.StatsSyncInterval, logger)

	cli.WaitForShutdown(ctx, done)
}

// openMirror returns the spreadsheet mirror, or an in-memory sink when no
// spreadsheet is configured so summaries are still consumed and acked.
func openMirror(ctx context.Context, cfg *config.Config, logger *applog.Logger) sheets.Mirror {
	if !cfg.SheetsEnabled() {
		logger.Info("Google Sheets disabled - no GOOGLE_SPREADSHEET_ID provided")
		return memory.NewSink()
	}
	mirror, err := gsheet.Open(ctx, cfg.GoogleSpreadsheetID, cfg.GoogleDeletionsSheet, cfg.GoogleCategoriesSheet)
	if err != nil {
		cli.Fatal(logger, "Failed to initialize Google Sheets client", err)
	}
	logger.Info("Google Sheets client initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID)
	return mirror
}

func syncPeriodically(ctx context.Context, w *worker.RefreshWorker, interval time.Duration, logger *applog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.SyncCategoryStats(ctx); err != nil {
				logger.Error("Periodic category sync failed", applog.FieldError, err)
			}
		}
	}
}
