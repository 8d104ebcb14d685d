package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cassa/internal/core"
	"cassa/internal/storage"
	"cassa/internal/storage/memory"

	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)

type fixture struct {
	store  *memory.Store
	sqlite *storage.SQLiteRepository
	locks  *LockSet
	recalc *Recalculator
	ledger *Ledger
	coord  *DeletionCoordinator
	gate   *ConfirmationGate
	states *stateRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New(memory.DefaultCategories()...)
	f := buildFixture(store)
	f.store = store
	return f
}

// newSQLiteFixture runs the services on a fresh database file.
func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "cassa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	f := buildFixture(repo)
	f.sqlite = repo
	return f
}

func buildFixture(store storage.Store) *fixture {
	policy := RetryPolicy{
		MaxRetries:  3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		CallTimeout: 50 * time.Millisecond,
	}
	clock := func() time.Time { return testNow }

	locks := NewLockSet()
	recalc := NewRecalculator(locks, 30, policy)
	recalc.now = clock
	ledger := NewLedger(store, recalc, locks, policy)
	ledger.now = clock
	coord := NewDeletionCoordinator(store, ledger, recalc, locks, CoordinatorConfig{
		OperationTimeout: time.Second,
		Retry:            policy,
	})
	coord.now = clock
	states := &stateRecorder{}
	coord.SetObserver(states)

	return &fixture{
		locks:  locks,
		recalc: recalc,
		ledger: ledger,
		coord:  coord,
		gate:   NewConfirmationGate(coord, time.Minute, 16),
		states: states,
	}
}

// seedScenario adds A (-50, 2024-01-05, food) and B (+200, 2024-01-10,
// salary) and fills the whole forecast window.
func (f *fixture) seedScenario(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	f.add(t, "A", "-50", core.NewDate(2024, 1, 5), "food")
	f.add(t, "B", "200", core.NewDate(2024, 1, 10), "salary")
	_, err := f.ledger.Rebuild(ctx)
	require.NoError(t, err)
	if f.store != nil {
		f.store.Faults().Reset()
	}
	f.states.reset()
}

func (f *fixture) add(t *testing.T, id, amount string, d core.Date, category string) core.Transaction {
	t.Helper()
	txn, _, err := f.ledger.Add(context.Background(), core.Transaction{
		ID:         id,
		Amount:     core.MustParseMoney(amount),
		Date:       d,
		CategoryID: core.CategoryRef(category),
	})
	require.NoError(t, err)
	return txn
}

type snapshot struct {
	balance  string
	stats    map[string]string
	forecast map[string]string
	count    int64
}

func (f *fixture) snapshot(t *testing.T) snapshot {
	t.Helper()
	ctx := context.Background()

	bal, err := f.ledger.Balance(ctx)
	require.NoError(t, err)
	count, err := f.ledger.Count(ctx)
	require.NoError(t, err)
	stats, err := f.ledger.CategoryStats(ctx)
	require.NoError(t, err)
	from, to := f.recalc.Window()
	fc, err := f.ledger.Forecast(ctx, from, to)
	require.NoError(t, err)

	s := snapshot{
		balance:  bal.String(),
		count:    count,
		stats:    make(map[string]string),
		forecast: make(map[string]string),
	}
	for _, st := range stats {
		s.stats[st.CategoryID] = st.Total.String()
	}
	for _, e := range fc {
		s.forecast[e.Date.String()] = e.Balance.String()
	}
	return s
}

type transition struct {
	from, to State
}

type stateRecorder struct {
	mu   sync.Mutex
	seen []transition
	hook func(from, to State)
}

func (r *stateRecorder) Transition(_ string, from, to State) {
	r.mu.Lock()
	r.seen = append(r.seen, transition{from, to})
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(from, to)
	}
}

func (r *stateRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.seen))
	for _, tr := range r.seen {
		out = append(out, tr.to)
	}
	return out
}

func (r *stateRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = nil
	r.hook = nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	got  []core.ChangeSummary
	fail error
}

func (n *recordingNotifier) Publish(_ context.Context, s core.ChangeSummary) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, s)
	return n.fail
}
