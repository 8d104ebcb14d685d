package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"cassa/internal/core"
	applog "cassa/internal/log"
	"cassa/internal/services"
	"cassa/internal/storage"
)

type createTransactionRequest struct {
	Amount      json.Number `json:"amount"`
	Date        string      `json:"date,omitempty"`
	CategoryID  *string     `json:"category_id,omitempty"`
	Type        string      `json:"type,omitempty"`
	Description string      `json:"description,omitempty"`
}

type createTransactionResponse struct {
	Transaction core.Transaction   `json:"transaction"`
	Summary     core.ChangeSummary `json:"summary"`
}

type deletionResponse struct {
	Token         services.Token `json:"token"`
	TransactionID string         `json:"transaction_id"`
}

type confirmResponse struct {
	Outcome string             `json:"outcome"`
	Summary core.ChangeSummary `json:"summary"`
}

type categoryView struct {
	ID    string               `json:"id"`
	Name  string               `json:"name"`
	Type  core.TransactionType `json:"type"`
	Total core.Money           `json:"total"`
	Count int64                `json:"count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}

// handleReady checks the store and every registered dependency.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, code := "ready", http.StatusOK
	checks := map[string]any{}

	if _, err := s.ledger.Count(ctx); err != nil {
		checks["store"] = "failed: " + err.Error()
		status, code = "not_ready", http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			checks[c.Name] = "failed: " + err.Error()
			status, code = "not_ready", http.StatusServiceUnavailable
			continue
		}
		checks[c.Name] = "ok"
	}
	checks["view_cache_entries"] = s.views.Size()
	checks["pending_confirmations"] = s.gate.Pending()
	checks["rate_limited_clients"] = s.limiter.activeClients()

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

func (s *Server) handleCreateTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := applog.FromContext(ctx)

	var req createTransactionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	amount, err := core.ParseMoney(req.Amount.String())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	date := core.DateOf(time.Now())
	if strings.TrimSpace(req.Date) != "" {
		if date, err = core.ParseDate(req.Date); err != nil {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
	}

	t, summary, err := s.ledger.Add(ctx, core.Transaction{
		Amount:      amount,
		Date:        date,
		CategoryID:  req.CategoryID,
		Type:        core.TransactionType(strings.TrimSpace(req.Type)),
		Description: sanitizeInput(req.Description),
	})
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			logger.ErrorContext(ctx, "Failed to add transaction", applog.FieldError, err)
		} else {
			logger.InfoContext(ctx, "Transaction rejected",
				applog.FieldOperation, applog.OpValidate,
				applog.FieldError, err)
		}
		writeError(w, status, err.Error())
		return
	}

	s.views.Invalidate(summary)
	if s.notifier != nil {
		if err := s.notifier.Publish(context.WithoutCancel(ctx), summary); err != nil {
			logger.WarnContext(ctx, "Failed to publish change summary",
				applog.FieldTransactionID, t.ID,
				applog.FieldError, err)
		}
	}
	writeJSON(w, http.StatusCreated, createTransactionResponse{Transaction: t, Summary: summary})
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	var (
		f   storage.TransactionFilter
		err error
	)
	if f.From, _, err = parseDateParam(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.To, _, err = parseDateParam(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if f.Limit, err = parseLimit(r); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	f.CategoryID = strings.TrimSpace(r.URL.Query().Get("category"))

	items, err := s.ledger.List(r.Context(), f)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if items == nil {
		items = []core.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": items, "count": len(items)})
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.ledger.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleRequestDeletion issues a confirmation token. Nothing is deleted
// until the token is posted to /confirmations/{token}.
func (s *Server) handleRequestDeletion(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	token, err := s.gate.RequestConfirmation(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, deletionResponse{Token: token, TransactionID: id})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	summary, err := s.gate.Confirm(ctx, services.Token(r.PathValue("token")))
	if err != nil {
		status := statusFor(err)
		var derr *services.DeletionError
		if errors.As(err, &derr) {
			applog.FromContext(ctx).WarnContext(ctx, "Deletion not applied",
				applog.FieldTransactionID, derr.TransactionID,
				applog.FieldState, string(derr.State),
				applog.FieldError, err)
		}
		writeJSON(w, status, errorResponse{Error: err.Error(), Outcome: services.Outcome(err)})
		return
	}

	s.views.Invalidate(summary)
	writeJSON(w, http.StatusOK, confirmResponse{Outcome: services.Outcome(nil), Summary: summary})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.Cancel(services.Token(r.PathValue("token"))); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// serveCached writes the cached body under key, or builds, caches and
// writes it.
func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, key string, build func(ctx context.Context) (any, error)) {
	if body, ok := s.views.get(key); ok {
		w.Header().Set("X-Cache", "HIT")
		writeRaw(w, http.StatusOK, body)
		return
	}

	gen := s.views.generation()
	v, err := build(r.Context())
	if err != nil {
		applog.FromContext(r.Context()).ErrorContext(r.Context(), "Failed to build view",
			"view", key,
			applog.FieldError, err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	body, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode response")
		return
	}
	if !s.views.set(key, body, gen) {
		applog.FromContext(r.Context()).DebugContext(r.Context(), "View changed while building, not cached", "view", key)
	}
	w.Header().Set("X-Cache", "MISS")
	writeRaw(w, http.StatusOK, body)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	s.serveCached(w, r, viewBalance, func(ctx context.Context) (any, error) {
		balance, err := s.ledger.Balance(ctx)
		if err != nil {
			return nil, err
		}
		count, err := s.ledger.Count(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"balance": balance, "transactions": count}, nil
	})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	s.serveCached(w, r, viewCategories, func(ctx context.Context) (any, error) {
		cats, err := s.ledger.Categories(ctx)
		if err != nil {
			return nil, err
		}
		stats, err := s.ledger.CategoryStats(ctx)
		if err != nil {
			return nil, err
		}
		byID := make(map[string]core.CategoryStat, len(stats))
		for _, st := range stats {
			byID[st.CategoryID] = st
		}
		out := make([]categoryView, 0, len(cats))
		for _, c := range cats {
			st := byID[c.ID]
			out = append(out, categoryView{ID: c.ID, Name: c.Name, Type: c.Type, Total: st.Total, Count: st.Count})
		}
		return map[string]any{"categories": out}, nil
	})
}

// handleForecast serves the projected balances for [from, to], defaulting
// to the whole forecast window.
func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	from, to := s.ledger.Window()
	if d, ok, err := parseDateParam(r, "from"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if ok {
		from = d
	}
	if d, ok, err := parseDateParam(r, "to"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	} else if ok {
		to = d
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from")
		return
	}

	s.serveCached(w, r, forecastKey(from, to), func(ctx context.Context) (any, error) {
		entries, err := s.ledger.Forecast(ctx, from, to)
		if err != nil {
			return nil, err
		}
		if entries == nil {
			entries = []core.ForecastEntry{}
		}
		return map[string]any{"from": from, "to": to, "entries": entries}, nil
	})
}
