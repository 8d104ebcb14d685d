package core

import "time"

// CategoryStat is the aggregate of every transaction referencing a category.
type CategoryStat struct {
	CategoryID string `json:"category_id"`
	Total      Money  `json:"total"`
	Count      int64  `json:"count"`
}

// ForecastEntry is the projected balance at the end of a day.
type ForecastEntry struct {
	Date    Date  `json:"date"`
	Balance Money `json:"balance"`
}

// ChangeSummary describes what a committed mutation invalidated and
// recomputed. Presentation layers use it to refresh only what changed.
type ChangeSummary struct {
	TransactionID         string    `json:"transaction_id"`
	DeletedAmount         Money     `json:"deleted_amount"`
	DeletedDate           Date      `json:"deleted_date"`
	AffectedCategories    []string  `json:"affected_categories"`
	AffectedForecastDates []Date    `json:"affected_forecast_dates"`
	Balance               Money     `json:"balance"`
	// BalanceUnknown is set when the balance could not be read after the
	// commit; Balance is then zero and must not be shown.
	BalanceUnknown        bool      `json:"balance_unknown,omitempty"`
	CommittedAt           time.Time `json:"committed_at"`
}

// TouchesCategory reports whether the summary lists the given category.
func (s ChangeSummary) TouchesCategory(id string) bool {
	for _, c := range s.AffectedCategories {
		if c == id {
			return true
		}
	}
	return false
}

// ForecastRange returns the first and last affected forecast dates.
func (s ChangeSummary) ForecastRange() (from, to Date, ok bool) {
	if len(s.AffectedForecastDates) == 0 {
		return Date{}, Date{}, false
	}
	return s.AffectedForecastDates[0], s.AffectedForecastDates[len(s.AffectedForecastDates)-1], true
}

// BalanceString is the balance for display, or "unknown".
func (s ChangeSummary) BalanceString() string {
	if s.BalanceUnknown {
		return "unknown"
	}
	return s.Balance.String()
}
