package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cassa/internal/core"
	"cassa/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelete_RecomputesAggregates(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)
	ctx := context.Background()

	before := f.snapshot(t)
	assert.Equal(t, "150.00", before.balance)
	assert.Equal(t, "-50.00", before.stats["food"])
	assert.Equal(t, "-50.00", before.forecast["2024-01-07"])

	summary, err := f.coord.Delete(ctx, "A")
	require.NoError(t, err)

	assert.Equal(t, "A", summary.TransactionID)
	assert.Equal(t, "-50.00", summary.DeletedAmount.String())
	assert.True(t, summary.DeletedDate.Equal(core.NewDate(2024, 1, 5)))
	assert.Equal(t, []string{"food"}, summary.AffectedCategories)
	require.Len(t, summary.AffectedForecastDates, 27)
	first, last, ok := summary.ForecastRange()
	require.True(t, ok)
	assert.Equal(t, "2024-01-05", first.String())
	assert.Equal(t, "2024-01-31", last.String())
	assert.Equal(t, "200.00", summary.Balance.String())
	assert.Equal(t, testNow, summary.CommittedAt)

	after := f.snapshot(t)
	assert.Equal(t, "200.00", after.balance)
	assert.Equal(t, int64(1), after.count)
	assert.Equal(t, "0.00", after.stats["food"])
	assert.Equal(t, "200.00", after.stats["salary"])
	assert.Equal(t, "0.00", after.forecast["2024-01-01"])
	assert.Equal(t, "0.00", after.forecast["2024-01-07"])
	assert.Equal(t, "200.00", after.forecast["2024-01-10"])
	assert.Equal(t, "200.00", after.forecast["2024-01-31"])

	_, err = f.ledger.Get(ctx, "A")
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Equal(t, []State{StateValidating, StateDeleting, StateRecalculating, StateCommitted}, f.states.states())
}

func TestDelete_MissingIsNotFound(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)
	ctx := context.Background()

	_, err := f.coord.Delete(ctx, "A")
	require.NoError(t, err)
	f.states.reset()
	f.store.Faults().Reset()
	before := f.snapshot(t)

	_, err = f.coord.Delete(ctx, "A")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.NotErrorIs(t, err, core.ErrDeletionFailed)

	var derr *DeletionError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, StateValidating, derr.State)
	assert.Equal(t, []State{StateValidating, StateFailed}, f.states.states())

	// Not retried.
	assert.Equal(t, 1, f.store.Faults().Calls(memory.OpGet))
	assert.Equal(t, before, f.snapshot(t))
}

func TestDelete_RecalculationFailureRollsBack(t *testing.T) {
	tests := []struct {
		name string
		op   memory.Op
	}{
		{"category sum", memory.OpSumCategory},
		{"category write", memory.OpPutCategoryStat},
		{"forecast read", memory.OpDailyTotals},
		{"forecast write", memory.OpPutForecast},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedScenario(t)
			before := f.snapshot(t)
			f.store.Faults().Fail(tt.op, errors.New("disk full"))

			_, err := f.coord.Delete(context.Background(), "A")
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrDeletionFailed)
			assert.ErrorIs(t, err, core.ErrRecalculation)

			var derr *DeletionError
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, StateRecalculating, derr.State)
			assert.Equal(t, "A", derr.TransactionID)

			f.store.Faults().Reset()
			assert.Equal(t, before, f.snapshot(t))
			_, err = f.ledger.Get(context.Background(), "A")
			assert.NoError(t, err)

			assert.Equal(t, []State{
				StateValidating, StateDeleting, StateRecalculating, StateRolledBack, StateFailed,
			}, f.states.states())
		})
	}
}

func TestDelete_RetriesTransientErrors(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)
	f.store.Faults().FailTimes(memory.OpDelete, 2, core.ErrTransientStorage)
	f.store.Faults().FailTimes(memory.OpPutForecast, 1, core.ErrTransientStorage)
	f.store.Faults().FailTimes(memory.OpCommit, 1, core.ErrTransientStorage)

	summary, err := f.coord.Delete(context.Background(), "A")
	require.NoError(t, err)
	assert.Equal(t, "200.00", summary.Balance.String())
	assert.Equal(t, 3, f.store.Faults().Calls(memory.OpDelete))
	assert.Equal(t, 2, f.store.Faults().Calls(memory.OpCommit))
}

func TestDelete_GivesUpAfterMaxRetries(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)
	before := f.snapshot(t)
	f.store.Faults().Fail(memory.OpDelete, core.ErrTransientStorage)

	_, err := f.coord.Delete(context.Background(), "A")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDeletionFailed)
	assert.True(t, core.IsTransient(err))
	assert.Equal(t, 4, f.store.Faults().Calls(memory.OpDelete))

	var derr *DeletionError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, StateDeleting, derr.State)

	f.store.Faults().Reset()
	assert.Equal(t, before, f.snapshot(t))
}

func TestDelete_StorageTimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)
	before := f.snapshot(t)
	f.store.Faults().Inject(memory.OpSumCategory, memory.Fault{Delay: time.Second})

	start := time.Now()
	_, err := f.coord.Delete(context.Background(), "A")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRecalculation)
	assert.ErrorIs(t, err, core.ErrTransientStorage)
	assert.Less(t, time.Since(start), time.Second)

	f.store.Faults().Reset()
	assert.Equal(t, before, f.snapshot(t))
}

func TestDelete_IgnoresCallerCancellationAfterValidation(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.states.hook = func(_, to State) {
		if to == StateDeleting {
			cancel()
		}
	}

	summary, err := f.coord.Delete(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, "A", summary.TransactionID)
	assert.Equal(t, "200.00", f.snapshot(t).balance)
}

func TestDelete_CancelledBeforeValidation(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)
	before := f.snapshot(t)
	f.store.Faults().Inject(memory.OpGet, memory.Fault{Delay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.coord.Delete(ctx, "A")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDeletionFailed)

	f.store.Faults().Reset()
	assert.Equal(t, before, f.snapshot(t))
}

func TestDelete_ConcurrentModification(t *testing.T) {
	t.Run("same transaction in progress", func(t *testing.T) {
		f := newFixture(t)
		f.seedScenario(t)
		release, err := f.locks.TryLock("txn:A")
		require.NoError(t, err)
		defer release()

		_, err = f.coord.Delete(context.Background(), "A")
		assert.ErrorIs(t, err, core.ErrConcurrentModification)
		assert.ErrorIs(t, err, core.ErrDeletionFailed)
		assert.Empty(t, f.states.states())
	})

	t.Run("category being recalculated", func(t *testing.T) {
		f := newFixture(t)
		f.seedScenario(t)
		before := f.snapshot(t)
		release, err := f.locks.TryLock("category:food")
		require.NoError(t, err)
		defer release()

		_, err = f.coord.Delete(context.Background(), "A")
		assert.ErrorIs(t, err, core.ErrConcurrentModification)

		var derr *DeletionError
		require.True(t, errors.As(err, &derr))
		assert.Equal(t, StateRecalculating, derr.State)
		assert.Equal(t, before, f.snapshot(t))
	})

	t.Run("overlapping forecast range", func(t *testing.T) {
		f := newFixture(t)
		f.seedScenario(t)
		release, err := f.locks.TryLockRange(forecastLockKey, core.NewDate(2024, 1, 20), core.NewDate(2024, 1, 21))
		require.NoError(t, err)
		defer release()

		_, err = f.coord.Delete(context.Background(), "A")
		assert.ErrorIs(t, err, core.ErrConcurrentModification)
	})

	t.Run("parallel deletes of one transaction", func(t *testing.T) {
		f := newFixture(t)
		f.seedScenario(t)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := f.coord.Delete(context.Background(), "A"); err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				} else {
					assert.True(t,
						errors.Is(err, core.ErrConcurrentModification) || errors.Is(err, core.ErrNotFound),
						"unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, successes)
		assert.Equal(t, "200.00", f.snapshot(t).balance)
	})
}

func TestDelete_UncategorizedAndOutsideWindow(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)
	ctx := context.Background()

	f.add(t, "C", "-5", core.NewDate(2023, 12, 1), "")
	f.add(t, "D", "-9", core.NewDate(2025, 6, 1), "")

	summary, err := f.coord.Delete(ctx, "C")
	require.NoError(t, err)
	assert.Empty(t, summary.AffectedCategories)
	// A past-dated transaction moves every day of the window.
	assert.Len(t, summary.AffectedForecastDates, 31)

	summary, err = f.coord.Delete(ctx, "D")
	require.NoError(t, err)
	assert.Empty(t, summary.AffectedCategories)
	assert.Empty(t, summary.AffectedForecastDates)
	assert.Equal(t, "150.00", summary.Balance.String())
}

func TestDelete_NotifiesAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)
	ok := &recordingNotifier{}
	broken := &recordingNotifier{fail: errors.New("broker down")}
	f.coord.AddNotifier(broken)
	f.coord.AddNotifier(ok)

	summary, err := f.coord.Delete(context.Background(), "A")
	require.NoError(t, err)

	require.Len(t, ok.got, 1)
	assert.Equal(t, summary.TransactionID, ok.got[0].TransactionID)
	assert.Len(t, broken.got, 1)

	f.store.Faults().Fail(memory.OpPutForecast, errors.New("boom"))
	_, err = f.coord.Delete(context.Background(), "B")
	require.Error(t, err)
	assert.Len(t, ok.got, 1, "failed deletions are not published")
}

func TestDelete_BalanceReadAfterCommit(t *testing.T) {
	t.Run("transient failures are retried", func(t *testing.T) {
		f := newFixture(t)
		f.seedScenario(t)
		f.store.Faults().FailTimes(memory.OpBalance, 2, core.ErrTransientStorage)

		summary, err := f.coord.Delete(context.Background(), "A")
		require.NoError(t, err)
		assert.False(t, summary.BalanceUnknown)
		assert.Equal(t, "200.00", summary.Balance.String())
	})

	t.Run("unreadable balance is flagged", func(t *testing.T) {
		f := newFixture(t)
		f.seedScenario(t)
		n := &recordingNotifier{}
		f.coord.AddNotifier(n)
		f.store.Faults().Fail(memory.OpBalance, core.ErrTransientStorage)

		summary, err := f.coord.Delete(context.Background(), "A")
		require.NoError(t, err, "the deletion is committed")
		assert.True(t, summary.BalanceUnknown)
		assert.Equal(t, "unknown", summary.BalanceString())
		require.Len(t, n.got, 1)
		assert.True(t, n.got[0].BalanceUnknown)

		f.store.Faults().Reset()
		_, err = f.ledger.Get(context.Background(), "A")
		assert.ErrorIs(t, err, core.ErrNotFound)
	})
}

func TestDelete_RoundTripRestoresAggregates(t *testing.T) {
	f := newFixture(t)
	f.seedScenario(t)
	ctx := context.Background()
	before := f.snapshot(t)

	removed, err := f.ledger.Get(ctx, "A")
	require.NoError(t, err)
	_, err = f.coord.Delete(ctx, "A")
	require.NoError(t, err)

	_, summary, err := f.ledger.Add(ctx, removed)
	require.NoError(t, err)
	assert.True(t, summary.DeletedAmount.IsZero())
	assert.Equal(t, []string{"food"}, summary.AffectedCategories)

	assert.Equal(t, before, f.snapshot(t))
}

func TestDeletionError(t *testing.T) {
	cause := errors.New("boom")
	err := &DeletionError{TransactionID: "x", State: StateDeleting, Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, core.ErrDeletionFailed)
	assert.Contains(t, err.Error(), "deleting")

	nf := &DeletionError{TransactionID: "x", State: StateValidating, Err: core.ErrNotFound}
	assert.ErrorIs(t, nf, core.ErrNotFound)
	assert.NotErrorIs(t, nf, core.ErrDeletionFailed)
}

func TestOutcome(t *testing.T) {
	nothing := []error{
		&DeletionError{Err: core.ErrNotFound},
		core.ErrTokenExpired,
		core.ErrTokenNotFound,
	}
	for _, err := range nothing {
		assert.Contains(t, Outcome(err), "Nothing was deleted", "%v", err)
		assert.NotContains(t, Outcome(err), "retry", "%v", err)
	}

	retry := []error{
		&DeletionError{Err: core.ErrTransientStorage},
		&DeletionError{Err: core.ErrRecalculation},
		&DeletionError{Err: core.ErrConcurrentModification},
	}
	for _, err := range retry {
		assert.Contains(t, Outcome(err), "retry", "%v", err)
	}

	assert.Equal(t, "Transaction deleted.", Outcome(nil))
}
