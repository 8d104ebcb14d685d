package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"cassa/internal/core"
	applog "cassa/internal/log"

	_ "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type SQLiteRepository struct {
	db      *sql.DB
	queries *Queries
	path    string
}

var _ Store = (*SQLiteRepository)(nil)

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Run migrations
	if _, err := RunMigrations(dbPath); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// One connection: units of work serialize instead of failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &SQLiteRepository{
		db:      db,
		queries: New(db),
		path:    dbPath,
	}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Path returns the database file the repository was opened on.
func (r *SQLiteRepository) Path() string {
	return r.path
}

func (r *SQLiteRepository) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	t, err := r.queries.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, classify("get transaction "+id, err)
	}
	return t, nil
}

func (r *SQLiteRepository) ListTransactions(ctx context.Context, f TransactionFilter) ([]core.Transaction, error) {
	items, err := r.queries.ListTransactions(ctx, f)
	if err != nil {
		return nil, classify("list transactions", err)
	}
	return items, nil
}

func (r *SQLiteRepository) CountTransactions(ctx context.Context) (int64, error) {
	n, err := r.queries.CountTransactions(ctx)
	if err != nil {
		return 0, classify("count transactions", err)
	}
	return n, nil
}

func (r *SQLiteRepository) Balance(ctx context.Context) (core.Money, error) {
	total, _, err := r.queries.SumAll(ctx)
	if err != nil {
		return core.Money{}, classify("sum balance", err)
	}
	return total, nil
}

func (r *SQLiteRepository) ListCategories(ctx context.Context) ([]core.Category, error) {
	cats, err := r.queries.ListCategories(ctx)
	if err != nil {
		return nil, classify("list categories", err)
	}
	return cats, nil
}

func (r *SQLiteRepository) CategoryStats(ctx context.Context) ([]core.CategoryStat, error) {
	stats, err := r.queries.ListCategoryStats(ctx)
	if err != nil {
		return nil, classify("list category stats", err)
	}
	return stats, nil
}

func (r *SQLiteRepository) Forecast(ctx context.Context, from, to core.Date) ([]core.ForecastEntry, error) {
	entries, err := r.queries.ListForecast(ctx, from, to)
	if err != nil {
		return nil, classify("list forecast", err)
	}
	return entries, nil
}

func (r *SQLiteRepository) CreateCategory(ctx context.Context, c core.Category) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := r.queries.CreateCategory(ctx, c); err != nil {
		return classify("create category "+c.ID, err)
	}
	applog.ForComponent(applog.ComponentStorage).InfoContext(ctx, "Category saved to SQLite",
		applog.FieldCategory, c.ID, "name", c.Name, "type", c.Type)
	return nil
}

// Begin starts a unit of work. ctx bounds the wait for the connection
// only; the transaction lives until Commit or Rollback.
func (r *SQLiteRepository) Begin(ctx context.Context) (Tx, error) {
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, classify("acquire connection", err)
	}
	tx, err := conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		conn.Close()
		return nil, classify("begin transaction", err)
	}
	return &sqliteTx{conn: conn, tx: tx, queries: r.queries.WithTx(tx)}, nil
}

// sqliteTx wraps sql.Tx to implement Tx. Calls are serialized because a
// recalculation may issue them from several goroutines.
type sqliteTx struct {
	mu      sync.Mutex
	conn    *sql.Conn
	tx      *sql.Tx
	queries *Queries
	done    bool
	failed  bool
}

func (t *sqliteTx) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	got, err := t.queries.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, classify("get transaction "+id, err)
	}
	return got, nil
}

func (t *sqliteTx) InsertTransaction(ctx context.Context, txn core.Transaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.queries.InsertTransaction(ctx, txn); err != nil {
		return classify("insert transaction "+txn.ID, err)
	}
	return nil
}

func (t *sqliteTx) DeleteTransaction(ctx context.Context, id string) (core.Transaction, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed, err := t.queries.GetTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, classify("get transaction "+id, err)
	}
	n, err := t.queries.DeleteTransaction(ctx, id)
	if err != nil {
		return core.Transaction{}, classify("delete transaction "+id, err)
	}
	if n == 0 {
		return core.Transaction{}, fmt.Errorf("delete transaction %s: %w", id, core.ErrNotFound)
	}
	return removed, nil
}

func (t *sqliteTx) SumCategory(ctx context.Context, categoryID string) (core.CategoryStat, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	total, count, err := t.queries.SumCategory(ctx, categoryID)
	if err != nil {
		return core.CategoryStat{}, classify("sum category "+categoryID, err)
	}
	return core.CategoryStat{CategoryID: categoryID, Total: total, Count: count}, nil
}

func (t *sqliteTx) PutCategoryStat(ctx context.Context, stat core.CategoryStat) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.queries.UpsertCategoryStat(ctx, stat); err != nil {
		return classify("put category stat "+stat.CategoryID, err)
	}
	return nil
}

func (t *sqliteTx) BalanceThrough(ctx context.Context, d core.Date) (core.Money, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	total, _, err := t.queries.SumThrough(ctx, d)
	if err != nil {
		return core.Money{}, classify("sum balance through "+d.String(), err)
	}
	return total, nil
}

func (t *sqliteTx) DailyTotals(ctx context.Context, after, through core.Date) (map[string]core.Money, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	totals, err := t.queries.DailyTotals(ctx, after, through)
	if err != nil {
		return nil, classify("daily totals", err)
	}
	return totals, nil
}

func (t *sqliteTx) PutForecast(ctx context.Context, entries []core.ForecastEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		if err := t.queries.UpsertForecast(ctx, e); err != nil {
			return classify("put forecast "+e.Date.String(), err)
		}
	}
	return nil
}

func (t *sqliteTx) PruneForecast(ctx context.Context, before core.Date) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.queries.DeleteForecastBefore(ctx, before); err != nil {
		return classify("prune forecast", err)
	}
	return nil
}

func (t *sqliteTx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return fmt.Errorf("commit: %w", sql.ErrTxDone)
	}
	t.done = true

	err := t.tx.Commit()
	if err != nil {
		// database/sql marks the tx finished even when COMMIT fails, but
		// SQLite may keep its own transaction open on the connection.
		t.abandon()
		t.conn.Close()
		t.failed = true
		return fmt.Errorf("commit: rolled back: %w", err)
	}
	t.conn.Close()
	return nil
}

// Rollback discards the unit of work. After a failed Commit the changes
// are already gone and Rollback reports success.
func (t *sqliteTx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		if t.failed {
			return nil
		}
		return sql.ErrTxDone
	}
	t.done = true
	err := t.tx.Rollback()
	t.conn.Close()
	return err
}

// abandon ends whatever transaction SQLite still holds on the connection.
// If that fails the connection is dropped from the pool.
func (t *sqliteTx) abandon() {
	_, err := t.conn.ExecContext(context.Background(), "ROLLBACK")
	if err == nil || strings.Contains(strings.ToLower(err.Error()), "no transaction is active") {
		return
	}
	applog.ForComponent(applog.ComponentStorage).Warn("Discarding SQLite connection after failed commit",
		applog.FieldError, err)
	_ = t.conn.Raw(func(any) error { return driver.ErrBadConn })
}

// classify maps driver errors onto the ledger's error taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", op, core.ErrNotFound)
	case isDuplicate(err):
		return fmt.Errorf("%s: %w", op, core.ErrDuplicateID)
	case isTransient(err):
		return fmt.Errorf("%s: %w: %w", op, core.ErrTransientStorage, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isDuplicate(err error) bool {
	var coded interface{ Code() int }
	if !errors.As(err, &coded) {
		return false
	}
	switch coded.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
