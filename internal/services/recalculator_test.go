package services

import (
	"context"
	"testing"
	"time"

	"cassa/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecalculator_Window(t *testing.T) {
	r := NewRecalculator(NewLockSet(), 0, DefaultRetryPolicy())
	r.now = func() time.Time { return testNow }

	from, to := r.Window()
	assert.Equal(t, "2024-01-01", from.String())
	assert.Equal(t, "2024-03-31", to.String(), "default horizon is 90 days")

	assert.Equal(t, MaxForecastHorizon, NewRecalculator(NewLockSet(), 100000, DefaultRetryPolicy()).horizon)
}

func TestRecalculator_AffectedRange(t *testing.T) {
	r := NewRecalculator(NewLockSet(), 30, DefaultRetryPolicy())
	r.now = func() time.Time { return testNow }

	tests := []struct {
		name     string
		date     core.Date
		wantFrom string
		wantOK   bool
	}{
		{"past", core.NewDate(2023, 6, 1), "2024-01-01", true},
		{"today", core.NewDate(2024, 1, 1), "2024-01-01", true},
		{"inside", core.NewDate(2024, 1, 15), "2024-01-15", true},
		{"last day", core.NewDate(2024, 1, 31), "2024-01-31", true},
		{"beyond", core.NewDate(2024, 2, 1), "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to, ok := r.AffectedRange(tt.date)
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantFrom, from.String())
				assert.Equal(t, "2024-01-31", to.String())
			}
		})
	}
}

func TestRecalculator_ForecastIsRunningBalance(t *testing.T) {
	f := newFixture(t)
	f.add(t, "old", "1000", core.NewDate(2023, 12, 15), "salary")
	f.add(t, "rent", "-700", core.NewDate(2024, 1, 3), "housing")
	f.add(t, "pay", "1500.55", core.NewDate(2024, 1, 27), "salary")
	f.add(t, "snack", "-0.55", core.NewDate(2024, 1, 27), "food")

	_, err := f.ledger.Rebuild(context.Background())
	require.NoError(t, err)

	s := f.snapshot(t)
	require.Len(t, s.forecast, 31)
	assert.Equal(t, "1000.00", s.forecast["2024-01-01"])
	assert.Equal(t, "1000.00", s.forecast["2024-01-02"])
	assert.Equal(t, "300.00", s.forecast["2024-01-03"])
	assert.Equal(t, "300.00", s.forecast["2024-01-26"])
	assert.Equal(t, "1800.00", s.forecast["2024-01-27"])
	assert.Equal(t, "1800.00", s.forecast["2024-01-31"])
	assert.Equal(t, s.balance, s.forecast["2024-01-31"])

	assert.Equal(t, "2500.55", s.stats["salary"])
	assert.Equal(t, "0.00", s.stats["transport"])
}

func TestRecalculator_RebuildPrunesPastDays(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "-10", core.NewDate(2024, 1, 2), "food")
	_, err := f.ledger.Rebuild(context.Background())
	require.NoError(t, err)

	// A day later the window moves forward by one.
	later := testNow.Add(24 * time.Hour)
	f.recalc.now = func() time.Time { return later }
	affected, err := f.ledger.Rebuild(context.Background())
	require.NoError(t, err)
	assert.Len(t, affected.ForecastDates, 31)
	assert.Len(t, affected.Categories, len(f.snapshot(t).stats))

	fc, err := f.ledger.Forecast(context.Background(), core.NewDate(2023, 1, 1), core.NewDate(2025, 1, 1))
	require.NoError(t, err)
	require.Len(t, fc, 31)
	assert.Equal(t, "2024-01-02", fc[0].Date.String())
	assert.Equal(t, "2024-02-01", fc[len(fc)-1].Date.String())
}

func TestRecalculator_ReleasesLocks(t *testing.T) {
	f := newFixture(t)
	f.add(t, "a", "-10", core.NewDate(2024, 1, 2), "food")

	assert.False(t, f.locks.Held("category:food"))
	release, err := f.locks.TryLockRange(forecastLockKey, core.NewDate(2024, 1, 1), core.NewDate(2024, 12, 31))
	require.NoError(t, err)
	release()
}
