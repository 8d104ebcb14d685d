package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cassa/internal/amqp"
	"cassa/internal/cache"
	"cassa/internal/core"
	applog "cassa/internal/log"
	"cassa/internal/sheets"
)

const (
	defaultSeenEvents = 1024
	defaultSeenTTL    = time.Hour
)

// Invalidator drops derived views made stale by a committed change.
type Invalidator interface {
	Invalidate(summary core.ChangeSummary)
}

// StatsReader is the part of the ledger the worker reads from.
type StatsReader interface {
	CategoryStats(ctx context.Context) ([]core.CategoryStat, error)
}

// RefreshWorker applies change summaries coming off the queue: it drops
// stale cached views, forwards the summary to the mirror and rewrites the
// mirrored category statistics when a category was touched.
type RefreshWorker struct {
	stats        StatsReader
	sink         sheets.ChangeSink
	statsWriter  sheets.StatsWriter
	invalidators []Invalidator
	seen         *cache.LRUCache[struct{}]
	logger       *applog.Logger
}

// NewRefreshWorker creates a worker. sink and statsWriter may be nil when
// no mirror is configured.
func NewRefreshWorker(stats StatsReader, sink sheets.ChangeSink, statsWriter sheets.StatsWriter, invalidators ...Invalidator) *RefreshWorker {
	return &RefreshWorker{
		stats:        stats,
		sink:         sink,
		statsWriter:  statsWriter,
		invalidators: invalidators,
		seen:         cache.NewLRUCache[struct{}](defaultSeenEvents, defaultSeenTTL),
		logger: applog.New(applog.Config{
			Component: applog.ComponentWorker,
			Handler:   slog.Default().Handler(),
		}),
	}
}

// Seen exposes the dedup cache so it can be registered for cleanup.
func (w *RefreshWorker) Seen() *cache.LRUCache[struct{}] {
	return w.seen
}

// HandleChangeSummary processes one message. Redelivered events are
// acknowledged without being applied again.
func (w *RefreshWorker) HandleChangeSummary(ctx context.Context, msg *amqp.ChangeSummaryMessage) error {
	if msg == nil {
		return errors.New("nil change summary message")
	}
	if msg.EventID != "" {
		if _, dup := w.seen.Get(msg.EventID); dup {
			w.logger.DebugContext(ctx, "Skipping duplicate change summary",
				"event_id", msg.EventID,
				applog.FieldTransactionID, msg.Summary.TransactionID)
			return nil
		}
	}

	summary := msg.Summary
	w.logger.InfoContext(ctx, "Processing change summary",
		"event_id", msg.EventID,
		"kind", msg.Kind,
		applog.FieldTransactionID, summary.TransactionID,
		"categories", len(summary.AffectedCategories),
		applog.FieldForecastDays, len(summary.AffectedForecastDates))

	for _, inv := range w.invalidators {
		inv.Invalidate(summary)
	}

	if w.sink != nil {
		if err := w.sink.Publish(ctx, summary); err != nil {
			return fmt.Errorf("mirror change summary: %w", err)
		}
	}

	if len(summary.AffectedCategories) > 0 {
		if err := w.SyncCategoryStats(ctx); err != nil {
			return err
		}
	}

	if msg.EventID != "" {
		w.seen.Set(msg.EventID, struct{}{})
	}
	return nil
}

// SyncCategoryStats rewrites the mirrored statistics from the ledger.
func (w *RefreshWorker) SyncCategoryStats(ctx context.Context) error {
	if w.statsWriter == nil {
		return nil
	}
	stats, err := w.stats.CategoryStats(ctx)
	if err != nil {
		return fmt.Errorf("read category stats: %w", err)
	}
	if err := w.statsWriter.WriteCategoryStats(ctx, stats); err != nil {
		return fmt.Errorf("write category stats: %w", err)
	}
	w.logger.DebugContext(ctx, "Category statistics mirrored", "categories", len(stats))
	return nil
}

// Publish applies summary in process. It lets the worker stand in for the
// broker when none is configured.
func (w *RefreshWorker) Publish(ctx context.Context, summary core.ChangeSummary) error {
	return w.HandleChangeSummary(ctx, amqp.NewChangeSummaryMessage(summary))
}
