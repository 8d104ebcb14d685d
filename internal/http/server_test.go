package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cassa/internal/core"
	applog "cassa/internal/log"
	"cassa/internal/services"
	"cassa/internal/storage/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv   *Server
	store *memory.Store
	today core.Date
}

type capturingNotifier struct {
	summaries []core.ChangeSummary
}

func (n *capturingNotifier) Publish(_ context.Context, s core.ChangeSummary) error {
	n.summaries = append(n.summaries, s)
	return nil
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	policy := services.RetryPolicy{
		MaxRetries:  2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    2 * time.Millisecond,
		CallTimeout: 100 * time.Millisecond,
	}
	store := memory.New(memory.DefaultCategories()...)
	locks := services.NewLockSet()
	recalc := services.NewRecalculator(locks, 30, policy)
	ledger := services.NewLedger(store, recalc, locks, policy)
	coord := services.NewDeletionCoordinator(store, ledger, recalc, locks, services.CoordinatorConfig{
		OperationTimeout: time.Second,
		Retry:            policy,
	})
	gate := services.NewConfirmationGate(coord, time.Minute, 16)

	_, err := ledger.Rebuild(context.Background())
	require.NoError(t, err)

	logger := applog.New(applog.Config{Output: io.Discard, Level: slog.LevelError})
	srv := NewServer(Config{Addr: ":0", RateLimit: 100}, ledger, gate, NewViewCache(32, time.Minute), logger)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &testEnv{srv: srv, store: store, today: core.DateOf(time.Now())}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rr := httptest.NewRecorder()
	e.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) create(t *testing.T, amount string, d core.Date, category string) core.Transaction {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/transactions", map[string]any{
		"amount":      amount,
		"date":        d.String(),
		"category_id": category,
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp createTransactionResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	return resp.Transaction
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"store":"ok"`)
}

func TestReady_FailingCheck(t *testing.T) {
	env := newTestEnv(t)
	env.srv.AddReadinessCheck("amqp", func(context.Context) error { return core.ErrTransientStorage })

	rr := env.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "not_ready")
}

func TestCreateTransaction(t *testing.T) {
	env := newTestEnv(t)
	n := &capturingNotifier{}
	env.srv.SetNotifier(n)

	rr := env.do(t, http.MethodPost, "/transactions", map[string]any{
		"amount":      "-12.50",
		"date":        env.today.AddDays(1).String(),
		"category_id": "food",
		"description": "  lunch\x07 ",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	resp := decode[createTransactionResponse](t, rr)

	assert.NotEmpty(t, resp.Transaction.ID)
	assert.Equal(t, core.Expense, resp.Transaction.Type)
	assert.Equal(t, "lunch", resp.Transaction.Description)
	assert.Equal(t, []string{"food"}, resp.Summary.AffectedCategories)
	assert.Equal(t, "-12.50", resp.Summary.Balance.String())
	require.Len(t, n.summaries, 1)
	assert.Equal(t, resp.Transaction.ID, n.summaries[0].TransactionID)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestCreateTransaction_Validation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"unknown field", map[string]any{"amount": "1", "bogus": true}, http.StatusBadRequest},
		{"zero amount", map[string]any{"amount": "0"}, http.StatusUnprocessableEntity},
		{"bad date", map[string]any{"amount": "1", "date": "2024-13-01"}, http.StatusUnprocessableEntity},
		{"unknown category", map[string]any{"amount": "-1", "category_id": "nope"}, http.StatusNotFound},
		{"type mismatch", map[string]any{"amount": "-1", "category_id": "salary"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, http.MethodPost, "/transactions", tt.body)
			assert.Equal(t, tt.want, rr.Code, rr.Body.String())
		})
	}
}

func TestListAndGetTransactions(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "-50", env.today.AddDays(2), "food")
	env.create(t, "200", env.today.AddDays(5), "salary")

	rr := env.do(t, http.MethodGet, "/transactions?category=food", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[struct {
		Transactions []core.Transaction `json:"transactions"`
		Count        int                `json:"count"`
	}](t, rr)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, a.ID, list.Transactions[0].ID)

	rr = env.do(t, http.MethodGet, "/transactions/"+a.ID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/transactions/missing", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, http.MethodGet, "/transactions?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestDeletionFlow(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "-50", env.today.AddDays(2), "food")
	env.create(t, "200", env.today.AddDays(5), "salary")

	rr := env.do(t, http.MethodPost, "/transactions/"+a.ID+"/deletion", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	tok := decode[deletionResponse](t, rr)
	require.NotEmpty(t, tok.Token)

	// nothing changes before confirmation
	_, err := env.store.GetTransaction(context.Background(), a.ID)
	require.NoError(t, err)

	rr = env.do(t, http.MethodPost, "/confirmations/"+string(tok.Token), nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[confirmResponse](t, rr)
	assert.Equal(t, "Transaction deleted.", resp.Outcome)
	assert.Equal(t, a.ID, resp.Summary.TransactionID)
	assert.Equal(t, "-50.00", resp.Summary.DeletedAmount.String())
	assert.Equal(t, "200.00", resp.Summary.Balance.String())

	// the token is single use
	rr = env.do(t, http.MethodPost, "/confirmations/"+string(tok.Token), nil)
	assert.Equal(t, http.StatusGone, rr.Code)
	assert.Contains(t, rr.Body.String(), "outcome")
}

func TestConfirm_MissingTransaction(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, http.MethodPost, "/transactions/ghost/deletion", nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	tok := decode[deletionResponse](t, rr)

	rr = env.do(t, http.MethodPost, "/confirmations/"+string(tok.Token), nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	body := decode[errorResponse](t, rr)
	assert.Equal(t, "Transaction not found. Nothing was deleted.", body.Outcome)
}

func TestConfirm_StorageFailureLeavesLedgerIntact(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "-50", env.today.AddDays(2), "food")

	rr := env.do(t, http.MethodPost, "/transactions/"+a.ID+"/deletion", nil)
	tok := decode[deletionResponse](t, rr)

	env.store.Faults().Fail(memory.OpCommit, core.ErrTransientStorage)
	rr = env.do(t, http.MethodPost, "/confirmations/"+string(tok.Token), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "please retry")
	env.store.Faults().Reset()

	_, err := env.store.GetTransaction(context.Background(), a.ID)
	assert.NoError(t, err)
}

func TestCancelConfirmation(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "-50", env.today.AddDays(2), "food")

	rr := env.do(t, http.MethodPost, "/transactions/"+a.ID+"/deletion", nil)
	tok := decode[deletionResponse](t, rr)

	rr = env.do(t, http.MethodDelete, "/confirmations/"+string(tok.Token), nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.do(t, http.MethodPost, "/confirmations/"+string(tok.Token), nil)
	assert.Equal(t, http.StatusGone, rr.Code)

	_, err := env.store.GetTransaction(context.Background(), a.ID)
	assert.NoError(t, err)
}

func TestBalanceIsCachedAndInvalidated(t *testing.T) {
	env := newTestEnv(t)
	a := env.create(t, "-50", env.today.AddDays(2), "food")

	rr := env.do(t, http.MethodGet, "/balance", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
	assert.Contains(t, rr.Body.String(), `"-50.00"`)

	rr = env.do(t, http.MethodGet, "/balance", nil)
	assert.Equal(t, "HIT", rr.Header().Get("X-Cache"))

	rr = env.do(t, http.MethodPost, "/transactions/"+a.ID+"/deletion", nil)
	tok := decode[deletionResponse](t, rr)
	rr = env.do(t, http.MethodPost, "/confirmations/"+string(tok.Token), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, http.MethodGet, "/balance", nil)
	assert.Equal(t, "MISS", rr.Header().Get("X-Cache"))
	assert.Contains(t, rr.Body.String(), `"0.00"`)
}

func TestCategories(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "-50", env.today.AddDays(2), "food")

	rr := env.do(t, http.MethodGet, "/categories", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decode[struct {
		Categories []categoryView `json:"categories"`
	}](t, rr)

	var food *categoryView
	for i := range resp.Categories {
		if resp.Categories[i].ID == "food" {
			food = &resp.Categories[i]
		}
	}
	require.NotNil(t, food)
	assert.Equal(t, "-50.00", food.Total.String())
	assert.Equal(t, int64(1), food.Count)
}

func TestForecast(t *testing.T) {
	env := newTestEnv(t)
	env.create(t, "-50", env.today.AddDays(2), "food")

	from, to := env.today, env.today.AddDays(3)
	path := "/forecast?from=" + from.String() + "&to=" + to.String()
	rr := env.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decode[struct {
		Entries []core.ForecastEntry `json:"entries"`
	}](t, rr)
	require.Len(t, resp.Entries, 4)
	assert.Equal(t, "0.00", resp.Entries[1].Balance.String())
	assert.Equal(t, "-50.00", resp.Entries[2].Balance.String())

	rr = env.do(t, http.MethodGet, "/forecast?from="+to.String()+"&to="+from.String(), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, http.MethodGet, "/forecast?from=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestRateLimitOnMutations(t *testing.T) {
	env := newTestEnv(t)
	env.srv.limiter.limit = 2

	for i := 0; i < 2; i++ {
		rr := env.do(t, http.MethodPost, "/transactions/x/deletion", nil)
		require.Equal(t, http.StatusAccepted, rr.Code)
	}
	rr := env.do(t, http.MethodPost, "/transactions/x/deletion", nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "60", rr.Header().Get("Retry-After"))

	// reads are not limited
	rr = env.do(t, http.MethodGet, "/balance", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodPut, "/balance", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.True(t, strings.Contains(rr.Header().Get("Allow"), http.MethodGet))
}
