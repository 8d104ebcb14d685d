package memory

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"cassa/internal/core"
	"cassa/internal/storage"

	"golang.org/x/sync/semaphore"
)

// ErrTxDone is returned when a finished unit of work is used again.
var ErrTxDone = errors.New("memory: transaction already committed or rolled back")

// DefaultCategories mirrors the categories seeded by the SQLite migrations.
func DefaultCategories() []core.Category {
	return []core.Category{
		{ID: "food", Name: "Food", Type: core.Expense},
		{ID: "housing", Name: "Housing", Type: core.Expense},
		{ID: "transport", Name: "Transport", Type: core.Expense},
		{ID: "health", Name: "Health", Type: core.Expense},
		{ID: "leisure", Name: "Leisure", Type: core.Expense},
		{ID: "salary", Name: "Salary", Type: core.Income},
		{ID: "other-income", Name: "Other income", Type: core.Income},
	}
}

type state struct {
	txns     map[string]core.Transaction
	cats     map[string]core.Category
	stats    map[string]core.CategoryStat
	forecast map[string]core.ForecastEntry
}

func newState() state {
	return state{
		txns:     make(map[string]core.Transaction),
		cats:     make(map[string]core.Category),
		stats:    make(map[string]core.CategoryStat),
		forecast: make(map[string]core.ForecastEntry),
	}
}

func (s state) clone() state {
	out := newState()
	for k, v := range s.txns {
		out.txns[k] = v
	}
	for k, v := range s.cats {
		out.cats[k] = v
	}
	for k, v := range s.stats {
		out.stats[k] = v
	}
	for k, v := range s.forecast {
		out.forecast[k] = v
	}
	return out
}

// Store keeps the ledger in process memory. One unit of work runs at a
// time; readers see the last committed state.
type Store struct {
	writer *semaphore.Weighted
	mu     sync.RWMutex
	st     state
	faults *FaultInjector
}

var _ storage.Store = (*Store)(nil)

func New(cats ...core.Category) *Store {
	s := &Store{
		writer: semaphore.NewWeighted(1),
		st:     newState(),
		faults: NewFaultInjector(),
	}
	for _, c := range cats {
		s.st.cats[c.ID] = c
	}
	return s
}

// NewFromFiles seeds categories from base/seed_categories.txt, one
// "id,name,type" per line. Falls back to DefaultCategories.
func NewFromFiles(base string) *Store {
	var cats []core.Category
	for _, line := range readLines(filepath.Join(base, "seed_categories.txt")) {
		parts := strings.Split(line, ",")
		if len(parts) != 3 {
			continue
		}
		c := core.Category{
			ID:   strings.TrimSpace(parts[0]),
			Name: strings.TrimSpace(parts[1]),
			Type: core.TransactionType(strings.TrimSpace(parts[2])),
		}
		if c.Validate() != nil {
			continue
		}
		cats = append(cats, c)
	}
	if len(cats) == 0 {
		cats = DefaultCategories()
	}
	return New(cats...)
}

// Faults returns the store's fault injector.
func (s *Store) Faults() *FaultInjector {
	return s.faults
}

func (s *Store) Close() error { return nil }

func (s *Store) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	if err := s.faults.check(ctx, OpGet); err != nil {
		return core.Transaction{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.get(id)
}

func (s *Store) ListTransactions(_ context.Context, f storage.TransactionFilter) ([]core.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]core.Transaction, 0, len(s.st.txns))
	for _, t := range s.st.txns {
		if !f.From.IsZero() && t.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && t.Date.After(f.To) {
			continue
		}
		if f.CategoryID != "" {
			if id, ok := t.Category(); !ok || id != f.CategoryID {
				continue
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Date.Equal(b.Date) {
			return a.Date.Before(b.Date)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountTransactions(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.st.txns)), nil
}

func (s *Store) Balance(ctx context.Context) (core.Money, error) {
	if err := s.faults.check(ctx, OpBalance); err != nil {
		return core.Money{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total core.Money
	for _, t := range s.st.txns {
		total = total.Add(t.Amount)
	}
	return total, nil
}

func (s *Store) ListCategories(_ context.Context) ([]core.Category, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.Category, 0, len(s.st.cats))
	for _, c := range s.st.cats {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CategoryStats(_ context.Context) ([]core.CategoryStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]core.CategoryStat, 0, len(s.st.stats))
	for _, st := range s.st.stats {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CategoryID < out[j].CategoryID })
	return out, nil
}

func (s *Store) Forecast(_ context.Context, from, to core.Date) ([]core.ForecastEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.ForecastEntry
	for _, e := range s.st.forecast {
		if e.Date.Before(from) || e.Date.After(to) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (s *Store) CreateCategory(ctx context.Context, c core.Category) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.writer.Release(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.cats[c.ID] = c
	return nil
}

// Begin waits for the writer slot and hands out a private copy of the
// committed state.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	if err := s.faults.check(ctx, OpBegin); err != nil {
		return nil, err
	}
	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()
	return &tx{store: s, st: work}, nil
}

func (s *Store) acquire(ctx context.Context) error {
	if err := s.writer.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("begin transaction: %w: %w", core.ErrTransientStorage, err)
	}
	return nil
}

func (st state) get(id string) (core.Transaction, error) {
	t, ok := st.txns[id]
	if !ok {
		return core.Transaction{}, fmt.Errorf("get transaction %s: %w", id, core.ErrNotFound)
	}
	return t, nil
}

type tx struct {
	store *Store
	mu    sync.Mutex
	st    state
	done  bool
}

func (t *tx) begin(ctx context.Context, op Op) error {
	if err := t.store.faults.check(ctx, op); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, core.ErrTransientStorage, err)
	}
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxDone
	}
	return nil
}

func (t *tx) GetTransaction(ctx context.Context, id string) (core.Transaction, error) {
	if err := t.begin(ctx, OpGet); err != nil {
		return core.Transaction{}, err
	}
	defer t.mu.Unlock()
	return t.st.get(id)
}

func (t *tx) InsertTransaction(ctx context.Context, txn core.Transaction) error {
	if err := t.begin(ctx, OpInsert); err != nil {
		return err
	}
	defer t.mu.Unlock()

	if _, ok := t.st.txns[txn.ID]; ok {
		return fmt.Errorf("insert transaction %s: %w", txn.ID, core.ErrDuplicateID)
	}
	if id, ok := txn.Category(); ok {
		if _, known := t.st.cats[id]; !known {
			return fmt.Errorf("insert transaction %s: unknown category %q", txn.ID, id)
		}
	}
	t.st.txns[txn.ID] = txn
	return nil
}

func (t *tx) DeleteTransaction(ctx context.Context, id string) (core.Transaction, error) {
	if err := t.begin(ctx, OpDelete); err != nil {
		return core.Transaction{}, err
	}
	defer t.mu.Unlock()

	removed, err := t.st.get(id)
	if err != nil {
		return core.Transaction{}, err
	}
	delete(t.st.txns, id)
	return removed, nil
}

func (t *tx) SumCategory(ctx context.Context, categoryID string) (core.CategoryStat, error) {
	if err := t.begin(ctx, OpSumCategory); err != nil {
		return core.CategoryStat{}, err
	}
	defer t.mu.Unlock()

	stat := core.CategoryStat{CategoryID: categoryID}
	for _, txn := range t.st.txns {
		if id, ok := txn.Category(); ok && id == categoryID {
			stat.Total = stat.Total.Add(txn.Amount)
			stat.Count++
		}
	}
	return stat, nil
}

func (t *tx) PutCategoryStat(ctx context.Context, stat core.CategoryStat) error {
	if err := t.begin(ctx, OpPutCategoryStat); err != nil {
		return err
	}
	defer t.mu.Unlock()
	t.st.stats[stat.CategoryID] = stat
	return nil
}

func (t *tx) BalanceThrough(ctx context.Context, d core.Date) (core.Money, error) {
	if err := t.begin(ctx, OpBalanceThrough); err != nil {
		return core.Money{}, err
	}
	defer t.mu.Unlock()

	var total core.Money
	for _, txn := range t.st.txns {
		if !txn.Date.After(d) {
			total = total.Add(txn.Amount)
		}
	}
	return total, nil
}

func (t *tx) DailyTotals(ctx context.Context, after, through core.Date) (map[string]core.Money, error) {
	if err := t.begin(ctx, OpDailyTotals); err != nil {
		return nil, err
	}
	defer t.mu.Unlock()

	out := make(map[string]core.Money)
	for _, txn := range t.st.txns {
		if txn.Date.After(after) && !txn.Date.After(through) {
			day := txn.Date.String()
			out[day] = out[day].Add(txn.Amount)
		}
	}
	return out, nil
}

func (t *tx) PutForecast(ctx context.Context, entries []core.ForecastEntry) error {
	if err := t.begin(ctx, OpPutForecast); err != nil {
		return err
	}
	defer t.mu.Unlock()
	for _, e := range entries {
		t.st.forecast[e.Date.String()] = e
	}
	return nil
}

func (t *tx) PruneForecast(ctx context.Context, before core.Date) error {
	if err := t.begin(ctx, OpPruneForecast); err != nil {
		return err
	}
	defer t.mu.Unlock()
	for k, e := range t.st.forecast {
		if e.Date.Before(before) {
			delete(t.st.forecast, k)
		}
	}
	return nil
}

func (t *tx) Commit() error {
	if err := t.store.faults.check(context.Background(), OpCommit); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}

	t.store.mu.Lock()
	t.store.st = t.st
	t.store.mu.Unlock()

	t.done = true
	t.store.writer.Release(1)
	return nil
}

func (t *tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.st = state{}
	t.store.writer.Release(1)
	return nil
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return dedupe(out)
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
