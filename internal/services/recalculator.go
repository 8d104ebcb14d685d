package services

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cassa/internal/core"
	"cassa/internal/storage"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultForecastHorizon = 90
	MaxForecastHorizon     = 3650

	forecastLockKey = "forecast"
)

// Affected lists the aggregates a recalculation rewrote.
type Affected struct {
	Categories    []string
	ForecastDates []core.Date
}

// Recalculator recomputes the aggregates derived from the ledger: one
// statistic per category and one forecast entry per day of the window
// [today, today+horizon].
type Recalculator struct {
	locks   *LockSet
	policy  RetryPolicy
	horizon int
	now     func() time.Time
}

func NewRecalculator(locks *LockSet, horizonDays int, policy RetryPolicy) *Recalculator {
	if horizonDays <= 0 {
		horizonDays = DefaultForecastHorizon
	}
	if horizonDays > MaxForecastHorizon {
		horizonDays = MaxForecastHorizon
	}
	return &Recalculator{
		locks:   locks,
		policy:  policy,
		horizon: horizonDays,
		now:     time.Now,
	}
}

// Window returns the first and last day of the forecast window.
func (r *Recalculator) Window() (from, to core.Date) {
	today := core.DateOf(r.now())
	return today, today.AddDays(r.horizon)
}

// AffectedRange returns the forecast days whose balance depends on a
// transaction dated d. A past-dated transaction affects the whole window.
func (r *Recalculator) AffectedRange(d core.Date) (from, to core.Date, ok bool) {
	start, end := r.Window()
	if d.After(end) {
		return core.Date{}, core.Date{}, false
	}
	if d.After(start) {
		start = d
	}
	return start, end, true
}

// Recalculate brings the aggregates touched by t back in line with the
// contents of tx. t is the transaction just removed from or added to tx.
func (r *Recalculator) Recalculate(ctx context.Context, tx storage.Tx, t core.Transaction) (Affected, error) {
	var affected Affected

	categoryID, hasCategory := t.Category()
	if hasCategory {
		release, err := r.locks.TryLock("category:" + categoryID)
		if err != nil {
			return Affected{}, err
		}
		defer release()
	}

	from, to, hasRange := r.AffectedRange(t.Date)
	if hasRange {
		release, err := r.locks.TryLockRange(forecastLockKey, from, to)
		if err != nil {
			return Affected{}, err
		}
		defer release()
	}

	g, gctx := errgroup.WithContext(ctx)
	if hasCategory {
		affected.Categories = []string{categoryID}
		g.Go(func() error {
			return r.recalculateCategory(gctx, tx, categoryID)
		})
	}
	if hasRange {
		g.Go(func() error {
			dates, err := r.recalculateForecast(gctx, tx, from, to)
			affected.ForecastDates = dates
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Affected{}, err
	}

	slog.DebugContext(ctx, "Aggregates recalculated",
		"transaction_id", t.ID,
		"categories", len(affected.Categories),
		"forecast_days", len(affected.ForecastDates))
	return affected, nil
}

// Rebuild recomputes the given category statistics and the whole forecast
// window, and drops forecast entries that fell out of the window.
func (r *Recalculator) Rebuild(ctx context.Context, tx storage.Tx, categoryIDs []string) (Affected, error) {
	from, to := r.Window()
	release, err := r.locks.TryLockRange(forecastLockKey, from, to)
	if err != nil {
		return Affected{}, err
	}
	defer release()

	var affected Affected
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	g.Go(func() error {
		dates, err := r.recalculateForecast(gctx, tx, from, to)
		if err != nil {
			return err
		}
		affected.ForecastDates = dates
		return r.step(gctx, "prune forecast", func(ctx context.Context) error {
			return tx.PruneForecast(ctx, from)
		})
	})

	for _, id := range categoryIDs {
		release, err := r.locks.TryLock("category:" + id)
		if err != nil {
			g.Wait()
			return Affected{}, err
		}
		defer release()
		g.Go(func() error {
			return r.recalculateCategory(gctx, tx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return Affected{}, err
	}

	affected.Categories = append([]string(nil), categoryIDs...)
	sort.Strings(affected.Categories)
	return affected, nil
}

func (r *Recalculator) recalculateCategory(ctx context.Context, tx storage.Tx, id string) error {
	var stat core.CategoryStat
	err := r.step(ctx, "sum category "+id, func(ctx context.Context) error {
		var err error
		stat, err = tx.SumCategory(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	return r.step(ctx, "put category stat "+id, func(ctx context.Context) error {
		return tx.PutCategoryStat(ctx, stat)
	})
}

func (r *Recalculator) recalculateForecast(ctx context.Context, tx storage.Tx, from, to core.Date) ([]core.Date, error) {
	var (
		base  core.Money
		daily map[string]core.Money
	)
	err := r.step(ctx, "balance through "+from.String(), func(ctx context.Context) error {
		var err error
		base, err = tx.BalanceThrough(ctx, from)
		return err
	})
	if err != nil {
		return nil, err
	}
	err = r.step(ctx, "daily totals", func(ctx context.Context) error {
		var err error
		daily, err = tx.DailyTotals(ctx, from, to)
		return err
	})
	if err != nil {
		return nil, err
	}

	n := from.DaysUntil(to) + 1
	entries := make([]core.ForecastEntry, 0, n)
	dates := make([]core.Date, 0, n)
	balance := base
	for d := from; !d.After(to); d = d.AddDays(1) {
		if !d.Equal(from) {
			balance = balance.Add(daily[d.String()])
		}
		entries = append(entries, core.ForecastEntry{Date: d, Balance: balance})
		dates = append(dates, d)
	}

	err = r.step(ctx, "put forecast", func(ctx context.Context) error {
		return tx.PutForecast(ctx, entries)
	})
	if err != nil {
		return nil, err
	}
	return dates, nil
}

// step retries fn on transient errors and tags the final failure as a
// recalculation error.
func (r *Recalculator) step(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if err := r.policy.do(ctx, op, fn); err != nil {
		return fmt.Errorf("%w: %s: %w", core.ErrRecalculation, op, err)
	}
	return nil
}
