package http

import (
	"testing"
	"time"

	"cassa/internal/core"

	"github.com/stretchr/testify/assert"
)

func TestViewCache_Invalidate(t *testing.T) {
	jan := core.NewDate(2025, 1, 1)
	feb := core.NewDate(2025, 2, 1)
	mar := core.NewDate(2025, 3, 1)

	tests := []struct {
		name    string
		summary core.ChangeSummary
		kept    []string
		dropped []string
	}{
		{
			name:    "balance only",
			summary: core.ChangeSummary{TransactionID: "a"},
			kept:    []string{viewCategories, forecastKey(jan, feb)},
			dropped: []string{viewBalance},
		},
		{
			name:    "category touched",
			summary: core.ChangeSummary{TransactionID: "a", AffectedCategories: []string{"food"}},
			kept:    []string{forecastKey(jan, feb)},
			dropped: []string{viewBalance, viewCategories},
		},
		{
			name: "overlapping forecast",
			summary: core.ChangeSummary{
				TransactionID:         "a",
				AffectedForecastDates: []core.Date{feb.AddDays(10), feb.AddDays(11)},
			},
			kept:    []string{viewCategories, forecastKey(jan, feb)},
			dropped: []string{viewBalance, forecastKey(feb, mar)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViewCache(16, time.Minute)
			for _, key := range append(append([]string{}, tt.kept...), tt.dropped...) {
				v.set(key, []byte("{}"), v.generation())
			}

			v.Invalidate(tt.summary)

			for _, key := range tt.kept {
				_, ok := v.get(key)
				assert.True(t, ok, "expected %q to stay cached", key)
			}
			for _, key := range tt.dropped {
				_, ok := v.get(key)
				assert.False(t, ok, "expected %q to be dropped", key)
			}
		})
	}
}

func TestViewCache_DropForecasts(t *testing.T) {
	v := NewViewCache(16, time.Minute)
	jan := core.NewDate(2025, 1, 1)
	gen := v.generation()
	v.set(viewBalance, []byte("{}"), gen)
	v.set(forecastKey(jan, jan.AddDays(30)), []byte("[]"), gen)
	v.set(forecastKey(jan.AddDays(1), jan.AddDays(31)), []byte("[]"), gen)

	assert.Equal(t, 2, v.DropForecasts())
	assert.Equal(t, 1, v.Size())
}

func TestViewCache_DropsViewsBuiltBeforeInvalidation(t *testing.T) {
	v := NewViewCache(16, time.Minute)

	gen := v.generation()
	v.Invalidate(core.ChangeSummary{TransactionID: "a"})

	assert.False(t, v.set(viewBalance, []byte(`{"balance":"150.00"}`), gen))
	_, ok := v.get(viewBalance)
	assert.False(t, ok, "a view read before the change must not be cached")

	assert.True(t, v.set(viewBalance, []byte(`{"balance":"200.00"}`), v.generation()))
	body, ok := v.get(viewBalance)
	assert.True(t, ok)
	assert.Equal(t, `{"balance":"200.00"}`, string(body))
}
