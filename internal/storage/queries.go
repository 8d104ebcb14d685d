package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"cassa/internal/core"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so the same queries run
// inside and outside a unit of work.
type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

const transactionColumns = `id, amount, date, category_id, type, description, created_at`

const createCategory = `INSERT INTO categories (id, name, type) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET name = excluded.name, type = excluded.type`

func (q *Queries) CreateCategory(ctx context.Context, c core.Category) error {
	_, err := q.db.ExecContext(ctx, createCategory, c.ID, c.Name, string(c.Type))
	return err
}

const listCategories = `SELECT id, name, type FROM categories ORDER BY name`

func (q *Queries) ListCategories(ctx context.Context) ([]core.Category, error) {
	rows, err := q.db.QueryContext(ctx, listCategories)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Category
	for rows.Next() {
		var c core.Category
		var typ string
		if err := rows.Scan(&c.ID, &c.Name, &typ); err != nil {
			return nil, err
		}
		c.Type = core.TransactionType(typ)
		out = append(out, c)
	}
	return out, rows.Err()
}

const getTransaction = `SELECT ` + transactionColumns + ` FROM transactions WHERE id = ?`

func (q *Queries) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	return scanTransaction(q.db.QueryRowContext(ctx, getTransaction, id))
}

const insertTransaction = `INSERT INTO transactions (` + transactionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertTransaction(ctx context.Context, t core.Transaction) error {
	var category sql.NullString
	if id, ok := t.Category(); ok {
		category = sql.NullString{String: id, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, insertTransaction,
		t.ID,
		t.Amount.String(),
		t.Date.String(),
		category,
		string(t.Type),
		t.Description,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

const deleteTransaction = `DELETE FROM transactions WHERE id = ?`

// DeleteTransaction returns the number of removed rows.
func (q *Queries) DeleteTransaction(ctx context.Context, id string) (int64, error) {
	res, err := q.db.ExecContext(ctx, deleteTransaction, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (q *Queries) ListTransactions(ctx context.Context, f TransactionFilter) ([]core.Transaction, error) {
	var (
		where []string
		args  []interface{}
	)
	if !f.From.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, f.From.String())
	}
	if !f.To.IsZero() {
		where = append(where, "date <= ?")
		args = append(args, f.To.String())
	}
	if f.CategoryID != "" {
		where = append(where, "category_id = ?")
		args = append(args, f.CategoryID)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY date, created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const countTransactions = `SELECT COUNT(*) FROM transactions`

func (q *Queries) CountTransactions(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, countTransactions).Scan(&n)
	return n, err
}

const (
	allAmounts        = `SELECT amount FROM transactions`
	amountsByCategory = `SELECT amount FROM transactions WHERE category_id = ?`
	amountsThrough    = `SELECT amount FROM transactions WHERE date <= ?`
)

func (q *Queries) SumAll(ctx context.Context) (core.Money, int64, error) {
	return q.sumAmounts(ctx, allAmounts)
}

func (q *Queries) SumCategory(ctx context.Context, categoryID string) (core.Money, int64, error) {
	return q.sumAmounts(ctx, amountsByCategory, categoryID)
}

func (q *Queries) SumThrough(ctx context.Context, d core.Date) (core.Money, int64, error) {
	return q.sumAmounts(ctx, amountsThrough, d.String())
}

const datedAmountsBetween = `SELECT date, amount FROM transactions WHERE date > ? AND date <= ?`

func (q *Queries) DailyTotals(ctx context.Context, after, through core.Date) (map[string]core.Money, error) {
	rows, err := q.db.QueryContext(ctx, datedAmountsBetween, after.String(), through.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]core.Money)
	for rows.Next() {
		var day, amount string
		if err := rows.Scan(&day, &amount); err != nil {
			return nil, err
		}
		m, err := core.ParseMoney(amount)
		if err != nil {
			return nil, fmt.Errorf("stored amount %q: %w", amount, err)
		}
		out[day] = out[day].Add(m)
	}
	return out, rows.Err()
}

const upsertCategoryStat = `INSERT INTO category_stats (category_id, total, count, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(category_id) DO UPDATE SET total = excluded.total, count = excluded.count, updated_at = excluded.updated_at`

func (q *Queries) UpsertCategoryStat(ctx context.Context, s core.CategoryStat) error {
	_, err := q.db.ExecContext(ctx, upsertCategoryStat, s.CategoryID, s.Total.String(), s.Count, nowText())
	return err
}

const listCategoryStats = `SELECT category_id, total, count FROM category_stats ORDER BY category_id`

func (q *Queries) ListCategoryStats(ctx context.Context) ([]core.CategoryStat, error) {
	rows, err := q.db.QueryContext(ctx, listCategoryStats)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.CategoryStat
	for rows.Next() {
		var s core.CategoryStat
		var total string
		if err := rows.Scan(&s.CategoryID, &total, &s.Count); err != nil {
			return nil, err
		}
		if s.Total, err = core.ParseMoney(total); err != nil {
			return nil, fmt.Errorf("stored total %q: %w", total, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const upsertForecast = `INSERT INTO forecast_entries (date, balance, updated_at) VALUES (?, ?, ?)
ON CONFLICT(date) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`

func (q *Queries) UpsertForecast(ctx context.Context, e core.ForecastEntry) error {
	_, err := q.db.ExecContext(ctx, upsertForecast, e.Date.String(), e.Balance.String(), nowText())
	return err
}

const listForecast = `SELECT date, balance FROM forecast_entries WHERE date >= ? AND date <= ? ORDER BY date`

func (q *Queries) ListForecast(ctx context.Context, from, to core.Date) ([]core.ForecastEntry, error) {
	rows, err := q.db.QueryContext(ctx, listForecast, from.String(), to.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []core.ForecastEntry
	for rows.Next() {
		var day, balance string
		if err := rows.Scan(&day, &balance); err != nil {
			return nil, err
		}
		var e core.ForecastEntry
		if e.Date, err = core.ParseDate(day); err != nil {
			return nil, fmt.Errorf("stored date %q: %w", day, err)
		}
		if e.Balance, err = core.ParseMoney(balance); err != nil {
			return nil, fmt.Errorf("stored balance %q: %w", balance, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const deleteForecastBefore = `DELETE FROM forecast_entries WHERE date < ?`

func (q *Queries) DeleteForecastBefore(ctx context.Context, d core.Date) error {
	_, err := q.db.ExecContext(ctx, deleteForecastBefore, d.String())
	return err
}

func (q *Queries) sumAmounts(ctx context.Context, query string, args ...interface{}) (core.Money, int64, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return core.Money{}, 0, err
	}
	defer rows.Close()

	var (
		total core.Money
		count int64
	)
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return core.Money{}, 0, err
		}
		m, err := core.ParseMoney(amount)
		if err != nil {
			return core.Money{}, 0, fmt.Errorf("stored amount %q: %w", amount, err)
		}
		total = total.Add(m)
		count++
	}
	return total, count, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row rowScanner) (core.Transaction, error) {
	var (
		t         core.Transaction
		amount    string
		day       string
		category  sql.NullString
		typ       string
		createdAt string
	)
	if err := row.Scan(&t.ID, &amount, &day, &category, &typ, &t.Description, &createdAt); err != nil {
		return core.Transaction{}, err
	}

	var err error
	if t.Amount, err = core.ParseMoney(amount); err != nil {
		return core.Transaction{}, fmt.Errorf("stored amount %q: %w", amount, err)
	}
	if t.Date, err = core.ParseDate(day); err != nil {
		return core.Transaction{}, fmt.Errorf("stored date %q: %w", day, err)
	}
	if category.Valid {
		t.CategoryID = core.CategoryRef(category.String)
	}
	t.Type = core.TransactionType(typ)
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		t.CreatedAt = ts
	}
	return t, nil
}

func nowText() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
