package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"cassa/internal/core"
	applog "cassa/internal/log"
	"cassa/internal/storage"

	"github.com/google/uuid"
)

// Ledger owns the set of transactions. Derived aggregates are left to the
// Recalculator, which Add and Rebuild drive inside the same unit of work.
type Ledger struct {
	store  storage.Store
	recalc *Recalculator
	locks  *LockSet
	policy RetryPolicy
	now    func() time.Time
}

func NewLedger(store storage.Store, recalc *Recalculator, locks *LockSet, policy RetryPolicy) *Ledger {
	return &Ledger{
		store:  store,
		recalc: recalc,
		locks:  locks,
		policy: policy,
		now:    time.Now,
	}
}

// Get returns the transaction or an error wrapping core.ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (core.Transaction, error) {
	t, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

// Delete removes id inside tx and returns the removed record.
func (l *Ledger) Delete(ctx context.Context, tx storage.Tx, id string) (core.Transaction, error) {
	removed, err := tx.DeleteTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, fmt.Errorf("delete transaction: %w", err)
	}
	return removed, nil
}

// Add records a new transaction and recomputes the aggregates it touches.
// The returned summary has a zero DeletedAmount.
func (l *Ledger) Add(ctx context.Context, t core.Transaction) (core.Transaction, core.ChangeSummary, error) {
	t, err := l.Prepare(ctx, t)
	if err != nil {
		return core.Transaction{}, core.ChangeSummary{}, err
	}

	release, err := l.locks.TryLock("txn:" + t.ID)
	if err != nil {
		return core.Transaction{}, core.ChangeSummary{}, err
	}
	defer release()

	var affected Affected
	err = l.inTx(ctx, func(tx storage.Tx) error {
		err := l.policy.do(ctx, "insert "+t.ID, func(ctx context.Context) error {
			return tx.InsertTransaction(ctx, t)
		})
		if err != nil {
			return fmt.Errorf("insert transaction: %w", err)
		}
		affected, err = l.recalc.Recalculate(ctx, tx, t)
		return err
	})
	if err != nil {
		return core.Transaction{}, core.ChangeSummary{}, err
	}

	summary := core.ChangeSummary{
		TransactionID:         t.ID,
		AffectedCategories:    nonNil(affected.Categories),
		AffectedForecastDates: affected.ForecastDates,
		CommittedAt:           l.now().UTC(),
	}
	if summary.AffectedForecastDates == nil {
		summary.AffectedForecastDates = []core.Date{}
	}
	if err := fillBalance(ctx, l.store, l.policy, &summary); err != nil {
		slog.WarnContext(ctx, "Failed to read balance after insert", "transaction_id", t.ID, "error", err)
	}

	category, _ := t.Category()
	applog.ForComponent(applog.ComponentLedger).InfoContext(ctx, "Transaction added",
		applog.FieldOperation, applog.OpCreate,
		applog.FieldTransactionID, t.ID,
		applog.FieldAmount, t.Amount.String(),
		applog.FieldDate, t.Date.String(),
		applog.FieldCategory, category,
		"type", t.Type)
	return t, summary, nil
}

// Rebuild recomputes every category statistic and the whole forecast
// window from the transactions, dropping forecast days before today.
func (l *Ledger) Rebuild(ctx context.Context) (Affected, error) {
	cats, err := l.store.ListCategories(ctx)
	if err != nil {
		return Affected{}, fmt.Errorf("list categories: %w", err)
	}
	ids := make([]string, 0, len(cats))
	for _, c := range cats {
		ids = append(ids, c.ID)
	}

	var affected Affected
	err = l.inTx(ctx, func(tx storage.Tx) error {
		var err error
		affected, err = l.recalc.Rebuild(ctx, tx, ids)
		return err
	})
	if err != nil {
		return Affected{}, err
	}

	slog.InfoContext(ctx, "Aggregates rebuilt",
		"categories", len(affected.Categories),
		"forecast_days", len(affected.ForecastDates))
	return affected, nil
}

// inTx runs fn in a unit of work, committing on success and rolling back
// on any error.
func (l *Ledger) inTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	var tx storage.Tx
	err := l.policy.do(ctx, "begin", func(ctx context.Context) error {
		var err error
		tx, err = l.store.Begin(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "Rollback failed", "error", rbErr)
		}
		return err
	}

	err = l.policy.do(ctx, "commit", func(context.Context) error {
		return tx.Commit()
	})
	if err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "Rollback after failed commit", "error", rbErr)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// fillBalance reads the committed balance into s, retrying transient
// failures. If it still cannot be read s is marked BalanceUnknown.
func fillBalance(ctx context.Context, store storage.Reader, policy RetryPolicy, s *core.ChangeSummary) error {
	var balance core.Money
	err := policy.do(ctx, "read balance", func(ctx context.Context) error {
		var err error
		balance, err = store.Balance(ctx)
		return err
	})
	if err != nil {
		s.Balance = core.Money{}
		s.BalanceUnknown = true
		return err
	}
	s.Balance = balance
	return nil
}

// Prepare normalizes a new transaction: assigns an ID and creation time,
// infers the type from the sign when missing, and validates the result.
func (l *Ledger) Prepare(ctx context.Context, t core.Transaction) (core.Transaction, error) {
	t.Description = strings.TrimSpace(t.Description)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = l.now().UTC()
	}
	if t.Type == "" {
		t.Type = core.TypeForAmount(t.Amount)
	}
	if err := t.Validate(); err != nil {
		return core.Transaction{}, err
	}
	if id, ok := t.Category(); ok {
		if err := l.checkCategory(ctx, id, t.Type); err != nil {
			return core.Transaction{}, err
		}
	}
	return t, nil
}

func (l *Ledger) checkCategory(ctx context.Context, id string, typ core.TransactionType) error {
	cats, err := l.store.ListCategories(ctx)
	if err != nil {
		return fmt.Errorf("list categories: %w", err)
	}
	for _, c := range cats {
		if c.ID == id {
			if c.Type != typ {
				return fmt.Errorf("category %q is for %s transactions: %w", id, c.Type, core.ErrInvalidType)
			}
			return nil
		}
	}
	return fmt.Errorf("category %q: %w", id, core.ErrNotFound)
}

func (l *Ledger) Balance(ctx context.Context) (core.Money, error) {
	return l.store.Balance(ctx)
}

func (l *Ledger) Count(ctx context.Context) (int64, error) {
	return l.store.CountTransactions(ctx)
}

func (l *Ledger) List(ctx context.Context, f storage.TransactionFilter) ([]core.Transaction, error) {
	return l.store.ListTransactions(ctx, f)
}

func (l *Ledger) Categories(ctx context.Context) ([]core.Category, error) {
	return l.store.ListCategories(ctx)
}

func (l *Ledger) CategoryStats(ctx context.Context) ([]core.CategoryStat, error) {
	return l.store.CategoryStats(ctx)
}

// Window returns the forecast window as of today.
func (l *Ledger) Window() (from, to core.Date) {
	return l.recalc.Window()
}

func (l *Ledger) Forecast(ctx context.Context, from, to core.Date) ([]core.ForecastEntry, error) {
	return l.store.Forecast(ctx, from, to)
}
