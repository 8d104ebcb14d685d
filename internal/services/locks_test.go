package services

import (
	"testing"
	"time"

	"cassa/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockSet_TryLock(t *testing.T) {
	l := NewLockSet()

	release, err := l.TryLock("txn:1")
	require.NoError(t, err)
	assert.True(t, l.Held("txn:1"))

	_, err = l.TryLock("txn:1")
	assert.ErrorIs(t, err, core.ErrConcurrentModification)

	other, err := l.TryLock("txn:2")
	require.NoError(t, err)
	other()

	release()
	release()
	assert.False(t, l.Held("txn:1"))

	again, err := l.TryLock("txn:1")
	require.NoError(t, err)
	again()
}

func TestLockSet_TryLockRange(t *testing.T) {
	l := NewLockSet()
	jan := func(d int) core.Date { return core.NewDate(2024, 1, d) }

	release, err := l.TryLockRange("forecast", jan(10), jan(20))
	require.NoError(t, err)

	tests := []struct {
		name     string
		from, to core.Date
		conflict bool
	}{
		{"before", jan(1), jan(9), false},
		{"after", jan(21), jan(31), false},
		{"touching start", jan(1), jan(10), true},
		{"touching end", jan(20), jan(25), true},
		{"inside", jan(12), jan(13), true},
		{"covering", jan(1), jan(31), true},
		{"reversed", jan(15), jan(5), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := l.TryLockRange("forecast", tt.from, tt.to)
			if tt.conflict {
				assert.ErrorIs(t, err, core.ErrConcurrentModification)
				return
			}
			require.NoError(t, err)
			r()
		})
	}

	// Other keys are independent.
	r, err := l.TryLockRange("other", jan(10), jan(20))
	require.NoError(t, err)
	r()

	release()
	r, err = l.TryLockRange("forecast", jan(1), jan(31))
	require.NoError(t, err)
	r()
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()
	want := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		40 * time.Millisecond,
		80 * time.Millisecond,
		100 * time.Millisecond,
		100 * time.Millisecond,
	}
	for attempt, d := range want {
		assert.Equal(t, d, p.backoff(attempt), "attempt %d", attempt)
	}
}
