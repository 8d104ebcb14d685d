package core

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	Expense TransactionType = "expense"
	Income  TransactionType = "income"
)

const dateLayout = "2006-01-02"

type (
	TransactionType string

	// Date is a calendar day at UTC midnight.
	Date struct {
		time.Time
	}

	Transaction struct {
		ID          string          `json:"id"`
		Amount      Money           `json:"amount"`
		Date        Date            `json:"date"`
		CategoryID  *string         `json:"category_id,omitempty"`
		Type        TransactionType `json:"type"`
		Description string          `json:"description,omitempty"`
		CreatedAt   time.Time       `json:"created_at"`
	}

	Category struct {
		ID   string          `json:"id"`
		Name string          `json:"name"`
		Type TransactionType `json:"type"`
	}
)

// NewDate creates a new Date from year, month, day
func NewDate(year, month, day int) Date {
	return Date{Time: time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)}
}

// DateOf returns the calendar day of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return NewDate(y, int(m), d)
}

// ParseDate parses a date string in YYYY-MM-DD format.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, ErrInvalidDate
	}
	return Date{Time: t}, nil
}

func (d Date) Validate() error {
	if d.IsZero() {
		return ErrInvalidDate
	}
	return nil
}

func (d Date) AddDays(n int) Date {
	return Date{Time: d.Time.AddDate(0, 0, n)}
}

func (d Date) Before(o Date) bool { return d.Time.Before(o.Time) }
func (d Date) After(o Date) bool  { return d.Time.After(o.Time) }
func (d Date) Equal(o Date) bool  { return d.Time.Equal(o.Time) }

// DaysUntil returns the number of whole days from d to o.
func (d Date) DaysUntil(o Date) int {
	return int(o.Time.Sub(d.Time).Hours() / 24)
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return ErrInvalidDate
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (tt TransactionType) Validate() error {
	switch tt {
	case Expense, Income:
		return nil
	default:
		return ErrInvalidType
	}
}

// TypeForAmount infers the transaction type from the sign of the amount.
func TypeForAmount(m Money) TransactionType {
	if m.IsNegative() {
		return Expense
	}
	return Income
}

// Category returns the referenced category, if any.
func (t Transaction) Category() (string, bool) {
	if t.CategoryID == nil || *t.CategoryID == "" {
		return "", false
	}
	return *t.CategoryID, true
}

func (t Transaction) Validate() error {
	if err := t.Date.Validate(); err != nil {
		return err
	}
	if err := t.Type.Validate(); err != nil {
		return err
	}
	// Expenses are stored negative and incomes positive so the balance is a plain sum.
	if t.Amount.IsZero() {
		return ErrInvalidAmount
	}
	if t.Type == Expense && !t.Amount.IsNegative() {
		return ErrInvalidAmount
	}
	if t.Type == Income && !t.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if len(t.Description) > 200 {
		return ErrDescriptionTooLong
	}
	return nil
}

func (c Category) Validate() error {
	if strings.TrimSpace(c.ID) == "" || strings.TrimSpace(c.Name) == "" {
		return ErrEmptyName
	}
	return c.Type.Validate()
}

// CategoryRef is a convenience for building a nullable category reference.
func CategoryRef(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}
