package storage

import (
	"context"

	"cassa/internal/core"
)

// TransactionFilter narrows ListTransactions. Zero values mean "no bound".
type TransactionFilter struct {
	From       core.Date
	To         core.Date
	CategoryID string
	Limit      int
}

// Reader is the read side of a ledger store.
type Reader interface {
	GetTransaction(ctx context.Context, id string) (core.Transaction, error)
	ListTransactions(ctx context.Context, f TransactionFilter) ([]core.Transaction, error)
	CountTransactions(ctx context.Context) (int64, error)
	Balance(ctx context.Context) (core.Money, error)
	ListCategories(ctx context.Context) ([]core.Category, error)
	CategoryStats(ctx context.Context) ([]core.CategoryStat, error)
	Forecast(ctx context.Context, from, to core.Date) ([]core.ForecastEntry, error)
}

// Store is a ledger store with an atomic unit of work.
type Store interface {
	Reader
	CreateCategory(ctx context.Context, c core.Category) error
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx is a unit of work. Nothing done through it is visible to readers
// until Commit; Rollback restores the state at Begin.
//
// Implementations must be safe for concurrent use by the goroutines of a
// single recalculation.
type Tx interface {
	GetTransaction(ctx context.Context, id string) (core.Transaction, error)
	InsertTransaction(ctx context.Context, t core.Transaction) error
	// DeleteTransaction removes the transaction and returns the removed record.
	DeleteTransaction(ctx context.Context, id string) (core.Transaction, error)

	// SumCategory re-sums every transaction referencing the category.
	SumCategory(ctx context.Context, categoryID string) (core.CategoryStat, error)
	PutCategoryStat(ctx context.Context, stat core.CategoryStat) error

	// BalanceThrough sums every transaction dated on or before d.
	BalanceThrough(ctx context.Context, d core.Date) (core.Money, error)
	// DailyTotals sums transactions per day for days in (after, through],
	// keyed by the day formatted as YYYY-MM-DD.
	DailyTotals(ctx context.Context, after, through core.Date) (map[string]core.Money, error)
	PutForecast(ctx context.Context, entries []core.ForecastEntry) error
	// PruneForecast drops entries dated before d.
	PruneForecast(ctx context.Context, before core.Date) error

	Commit() error
	Rollback() error
}
