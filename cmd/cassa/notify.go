package main

import (
	"context"

	"cassa/internal/amqp"
	"cassa/internal/services"
	gsheet "cassa/internal/sheets/google"
	"cassa/internal/worker"
)

// newNotifier returns where committed change summaries go: the broker when
// one is configured, otherwise an in-process refresh worker feeding the
// spreadsheet mirror, otherwise nowhere. invalidators are only used in
// process.
func newNotifier(ctx context.Context, stats worker.StatsReader, invalidators ...worker.Invalidator) (services.Notifier, func()) {
	if cfg.AMQPEnabled() {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without publishing", "error", err)
		} else {
			logger.Info("Publishing change summaries", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
			return client, func() { _ = client.Close() }
		}
	}

	if cfg.SheetsEnabled() {
		mirror, err := gsheet.Open(ctx, cfg.GoogleSpreadsheetID, cfg.GoogleDeletionsSheet, cfg.GoogleCategoriesSheet)
		if err != nil {
			logger.Warn("Failed to initialize Google Sheets mirror", "error", err)
		} else {
			return worker.NewRefreshWorker(stats, mirror, mirror, invalidators...), func() {}
		}
	}

	if len(invalidators) > 0 {
		return worker.NewRefreshWorker(stats, nil, nil, invalidators...), func() {}
	}
	return nil, func() {}
}
