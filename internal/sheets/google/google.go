package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"cassa/internal/core"
	applog "cassa/internal/log"
	ports "cassa/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

const (
	DefaultDeletionsSheet  = "Deletions"
	DefaultCategoriesSheet = "Categories"

	valueInputOption = "USER_ENTERED"
)

// Mirror writes ledger changes to a spreadsheet for people who follow the
// books from there. It is never read back.
type Mirror struct {
	svc             *gsheet.Service
	spreadsheetID   string
	deletionsBase   string
	categoriesSheet string
	now             func() time.Time
}

var _ ports.Mirror = (*Mirror)(nil)

// NewFromEnv creates a Mirror using environment variables.
// Required: GOOGLE_SPREADSHEET_ID
// Optional sheet names: GOOGLE_DELETIONS_SHEET_NAME (default "Deletions",
// prefixed with the year of the change), GOOGLE_CATEGORIES_SHEET_NAME
// (default "Categories").
func NewFromEnv(ctx context.Context) (*Mirror, error) {
	spreadsheetID := strings.TrimSpace(os.Getenv("GOOGLE_SPREADSHEET_ID"))
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}

	return Open(ctx, spreadsheetID,
		os.Getenv("GOOGLE_DELETIONS_SHEET_NAME"),
		os.Getenv("GOOGLE_CATEGORIES_SHEET_NAME"))
}

// Open authenticates with service account credentials from the
// environment and returns a Mirror for spreadsheetID.
func Open(ctx context.Context, spreadsheetID, deletionsSheet, categoriesSheet string) (*Mirror, error) {
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return New(svc, spreadsheetID, deletionsSheet, categoriesSheet), nil
}

// New wraps an existing service. Empty sheet names fall back to defaults.
func New(svc *gsheet.Service, spreadsheetID, deletionsSheet, categoriesSheet string) *Mirror {
	deletionsSheet = strings.TrimSpace(deletionsSheet)
	if deletionsSheet == "" {
		deletionsSheet = DefaultDeletionsSheet
	}
	categoriesSheet = strings.TrimSpace(categoriesSheet)
	if categoriesSheet == "" {
		categoriesSheet = DefaultCategoriesSheet
	}
	return &Mirror{
		svc:             svc,
		spreadsheetID:   spreadsheetID,
		deletionsBase:   deletionsSheet,
		categoriesSheet: categoriesSheet,
		now:             time.Now,
	}
}

// newSheetsService initializes a Sheets Service using Service Account credentials.
// Uses GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS.
func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	var credentialsJSON []byte
	var err error

	switch {
	case serviceAccountJSON != "":
		credentialsJSON = []byte(serviceAccountJSON)
	case serviceAccountFile != "":
		credentialsJSON, err = os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}

	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope),
		goption.WithHTTPClient(newHTTPClientWithPooling()))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}

	applog.ForComponent(applog.ComponentSheets).InfoContext(ctx, "Google Sheets service created",
		"credentials_size", len(credentialsJSON))
	return service, nil
}

// newHTTPClientWithPooling creates an HTTP client for the Sheets API with
// connection pooling and keep-alive.
func newHTTPClientWithPooling() *http.Client {
	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   60 * time.Second,
	}
}

// Publish appends one row per deletion to the yearly deletions sheet.
// Insertions are not mirrored.
func (m *Mirror) Publish(ctx context.Context, summary core.ChangeSummary) error {
	if m.svc == nil {
		return errors.New("sheets service not initialized")
	}
	if summary.DeletedAmount.IsZero() {
		return nil
	}

	at := summary.CommittedAt
	if at.IsZero() {
		at = m.now()
	}
	sheet := yearPrefixedName(m.deletionsBase, at.Year())

	forecastFrom, forecastTo := "", ""
	if from, to, ok := summary.ForecastRange(); ok {
		forecastFrom, forecastTo = from.String(), to.String()
	}

	balance := ""
	if !summary.BalanceUnknown {
		balance = summary.Balance.String()
	}
	row := []any{
		at.UTC().Format(time.RFC3339),
		summary.TransactionID,
		summary.DeletedDate.String(),
		summary.DeletedAmount.String(),
		strings.Join(summary.AffectedCategories, ", "),
		forecastFrom,
		forecastTo,
		balance,
	}
	vr := &gsheet.ValueRange{Values: [][]any{row}}

	rng := fmt.Sprintf("%s!A:H", sheet)
	_, err := m.svc.Spreadsheets.Values.Append(m.spreadsheetID, rng, vr).
		ValueInputOption(valueInputOption).
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append deletion to %s: %w", sheet, err)
	}
	return nil
}

// WriteCategoryStats rewrites the categories sheet below its header row.
func (m *Mirror) WriteCategoryStats(ctx context.Context, stats []core.CategoryStat) error {
	if m.svc == nil {
		return errors.New("sheets service not initialized")
	}

	clearRange := fmt.Sprintf("%s!A2:C", m.categoriesSheet)
	_, err := m.svc.Spreadsheets.Values.Clear(m.spreadsheetID, clearRange, &gsheet.ClearValuesRequest{}).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("clear %s: %w", clearRange, err)
	}

	rows := make([][]any, 0, len(stats)+1)
	rows = append(rows, []any{"Category", "Total", "Count"})
	for _, s := range stats {
		rows = append(rows, []any{s.CategoryID, s.Total.String(), s.Count})
	}

	rng := fmt.Sprintf("%s!A1:C%d", m.categoriesSheet, len(rows))
	_, err = m.svc.Spreadsheets.Values.Update(m.spreadsheetID, rng, &gsheet.ValueRange{Values: rows}).
		ValueInputOption(valueInputOption).
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("update %s: %w", rng, err)
	}
	return nil
}

// yearPrefixedName returns "<year> <base>" unless base already starts with a 4-digit year.
func yearPrefixedName(base string, year int) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return base
	}
	if len(base) >= 5 {
		if y, err := strconv.Atoi(base[0:4]); err == nil && base[4] == ' ' && y > 1900 && y < 3000 {
			return base
		}
	}
	return fmt.Sprintf("%d %s", year, base)
}
