package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDateHelpers(t *testing.T) {
	d, err := ParseDate("2024-01-05")
	require.NoError(t, err)
	assert.Equal(t, NewDate(2024, 1, 5), d)
	assert.Equal(t, "2024-01-10", d.AddDays(5).String())
	assert.Equal(t, 5, d.DaysUntil(NewDate(2024, 1, 10)))
	assert.True(t, d.Before(d.AddDays(1)))

	local := time.Date(2024, 3, 1, 23, 30, 0, 0, time.FixedZone("x", 5*3600))
	assert.Equal(t, NewDate(2024, 3, 1), DateOf(local))

	_, err = ParseDate("05/01/2024")
	assert.ErrorIs(t, err, ErrInvalidDate)
	assert.ErrorIs(t, Date{}.Validate(), ErrInvalidDate)
}

func TestTransactionValidate(t *testing.T) {
	good := Transaction{
		ID:     "a",
		Amount: MustParseMoney("-50"),
		Date:   NewDate(2024, 1, 5),
		Type:   Expense,
	}
	require.NoError(t, good.Validate())

	tests := []struct {
		name   string
		mutate func(*Transaction)
		want   error
	}{
		{"zero date", func(tx *Transaction) { tx.Date = Date{} }, ErrInvalidDate},
		{"unknown type", func(tx *Transaction) { tx.Type = "transfer" }, ErrInvalidType},
		{"zero amount", func(tx *Transaction) { tx.Amount = Money{} }, ErrInvalidAmount},
		{"positive expense", func(tx *Transaction) { tx.Amount = MustParseMoney("50") }, ErrInvalidAmount},
		{"negative income", func(tx *Transaction) { tx.Type = Income }, ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := good
			tt.mutate(&tx)
			assert.ErrorIs(t, tx.Validate(), tt.want)
		})
	}
}

func TestTransactionCategory(t *testing.T) {
	tx := Transaction{CategoryID: CategoryRef("food")}
	id, ok := tx.Category()
	assert.True(t, ok)
	assert.Equal(t, "food", id)

	_, ok = Transaction{CategoryID: CategoryRef("")}.Category()
	assert.False(t, ok)
}

func TestChangeSummaryHelpers(t *testing.T) {
	s := ChangeSummary{
		AffectedCategories:    []string{"food"},
		AffectedForecastDates: []Date{NewDate(2024, 1, 5), NewDate(2024, 1, 6)},
	}
	assert.True(t, s.TouchesCategory("food"))
	assert.False(t, s.TouchesCategory("salary"))
	from, to, ok := s.ForecastRange()
	require.True(t, ok)
	assert.Equal(t, "2024-01-05", from.String())
	assert.Equal(t, "2024-01-06", to.String())

	_, _, ok = ChangeSummary{}.ForecastRange()
	assert.False(t, ok)
}
