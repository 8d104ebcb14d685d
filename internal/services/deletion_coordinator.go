package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cassa/internal/core"
	applog "cassa/internal/log"
	"cassa/internal/storage"
)

// State is a step of a deletion.
type State string

const (
	StateIdle          State = "idle"
	StateValidating    State = "validating"
	StateDeleting      State = "deleting"
	StateRecalculating State = "recalculating"
	StateCommitted     State = "committed"
	StateRolledBack    State = "rolled_back"
	StateFailed        State = "failed"
)

// DeletionError reports the state a deletion failed in. It matches its
// cause under errors.Is, and core.ErrDeletionFailed unless the cause is
// core.ErrNotFound.
type DeletionError struct {
	TransactionID string
	State         State
	Err           error
}

func (e *DeletionError) Error() string {
	return fmt.Sprintf("delete transaction %s: %s: %v", e.TransactionID, e.State, e.Err)
}

func (e *DeletionError) Unwrap() []error {
	if errors.Is(e.Err, core.ErrNotFound) {
		return []error{e.Err}
	}
	return []error{core.ErrDeletionFailed, e.Err}
}

// Outcome turns the result of a deletion into one line for the user. The
// wording tells apart failures where nothing happened from failures the
// user may retry.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "Transaction deleted."
	case errors.Is(err, core.ErrNotFound):
		return "Transaction not found. Nothing was deleted."
	case errors.Is(err, core.ErrTokenExpired):
		return "Confirmation expired. Nothing was deleted."
	case errors.Is(err, core.ErrTokenNotFound):
		return "Confirmation is no longer valid. Nothing was deleted."
	case errors.Is(err, core.ErrConcurrentModification):
		return "Transaction is being changed by another operation. Nothing was deleted; please retry."
	default:
		return "Could not complete the deletion. Nothing was changed; please retry."
	}
}

// StateObserver is told about every transition of a deletion.
type StateObserver interface {
	Transition(transactionID string, from, to State)
}

// StateObserverFunc adapts a function to StateObserver.
type StateObserverFunc func(transactionID string, from, to State)

func (f StateObserverFunc) Transition(id string, from, to State) { f(id, from, to) }

// Notifier receives the summary of a committed change.
type Notifier interface {
	Publish(ctx context.Context, summary core.ChangeSummary) error
}

// CoordinatorConfig holds the timeouts and retry policy of a deletion.
type CoordinatorConfig struct {
	// OperationTimeout bounds a deletion once it is past validation (default: 1s)
	OperationTimeout time.Duration
	Retry            RetryPolicy
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		OperationTimeout: time.Second,
		Retry:            DefaultRetryPolicy(),
	}
}

// DeletionCoordinator runs a deletion as one unit of work: remove the
// transaction, recompute what depended on it, commit, or leave everything
// as it was.
type DeletionCoordinator struct {
	store     storage.Store
	ledger    *Ledger
	recalc    *Recalculator
	locks     *LockSet
	config    CoordinatorConfig
	now       func() time.Time
	logger    *applog.Logger
	mu        sync.RWMutex
	observer  StateObserver
	notifiers []Notifier
}

func NewDeletionCoordinator(store storage.Store, ledger *Ledger, recalc *Recalculator, locks *LockSet, config CoordinatorConfig) *DeletionCoordinator {
	if config.OperationTimeout <= 0 {
		config.OperationTimeout = DefaultCoordinatorConfig().OperationTimeout
	}
	return &DeletionCoordinator{
		store:  store,
		ledger: ledger,
		recalc: recalc,
		locks:  locks,
		config: config,
		now:    time.Now,
		logger: applog.New(applog.Config{Component: applog.ComponentDeletion, Handler: slog.Default().Handler()}),
	}
}

// SetLogger replaces the coordinator's logger.
func (c *DeletionCoordinator) SetLogger(l *applog.Logger) {
	c.logger = l.WithComponent(applog.ComponentDeletion)
}

// SetObserver registers the observer of state transitions.
func (c *DeletionCoordinator) SetObserver(o StateObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// AddNotifier registers a receiver of change summaries.
func (c *DeletionCoordinator) AddNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifiers = append(c.notifiers, n)
}

type deletion struct {
	c     *DeletionCoordinator
	id    string
	state State
}

func (d *deletion) to(ctx context.Context, next State) {
	prev := d.state
	d.state = next
	d.c.logger.DebugContext(ctx, "Deletion state changed",
		applog.FieldTransactionID, d.id,
		applog.FieldFromState, string(prev),
		applog.FieldState, string(next))

	d.c.mu.RLock()
	o := d.c.observer
	d.c.mu.RUnlock()
	if o != nil {
		o.Transition(d.id, prev, next)
	}
}

func (d *deletion) fail(ctx context.Context, err error) error {
	at := d.state
	d.to(ctx, StateFailed)
	return &DeletionError{TransactionID: d.id, State: at, Err: err}
}

// abort rolls tx back and fails in the state the error happened in.
func (d *deletion) abort(ctx context.Context, tx storage.Tx, err error) error {
	at := d.state
	d.c.rollback(ctx, tx, d.id)
	d.to(ctx, StateRolledBack)
	d.to(ctx, StateFailed)
	return &DeletionError{TransactionID: d.id, State: at, Err: err}
}

// Delete removes the transaction id and recomputes the aggregates that
// depended on it. Once validation succeeds the deletion runs to completion
// regardless of ctx cancellation, bounded by the operation timeout.
func (c *DeletionCoordinator) Delete(ctx context.Context, id string) (core.ChangeSummary, error) {
	d := &deletion{c: c, id: id, state: StateIdle}

	release, err := c.locks.TryLock("txn:" + id)
	if err != nil {
		return core.ChangeSummary{}, &DeletionError{TransactionID: id, State: StateIdle, Err: err}
	}
	defer release()

	d.to(ctx, StateValidating)
	var target core.Transaction
	err = c.config.Retry.do(ctx, "validate "+id, func(ctx context.Context) error {
		var err error
		target, err = c.ledger.Get(ctx, id)
		return err
	})
	if err != nil {
		return core.ChangeSummary{}, d.fail(ctx, err)
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.OperationTimeout)
	defer cancel()

	summary, err := c.run(opCtx, d)
	if err != nil {
		var derr *DeletionError
		if errors.As(err, &derr) {
			c.logger.WarnContext(ctx, "Deletion failed",
				applog.FieldTransactionID, id,
				applog.FieldState, string(derr.State),
				applog.FieldError, derr.Err)
		}
		return core.ChangeSummary{}, err
	}

	c.logger.InfoContext(ctx, "Transaction deleted",
		applog.FieldTransactionID, id,
		applog.FieldAmount, target.Amount.String(),
		applog.FieldDate, target.Date.String(),
		applog.FieldBalance, summary.BalanceString(),
		applog.FieldForecastDays, len(summary.AffectedForecastDates))

	c.notify(context.WithoutCancel(ctx), summary)
	return summary, nil
}

func (c *DeletionCoordinator) run(ctx context.Context, d *deletion) (core.ChangeSummary, error) {
	retry := c.config.Retry

	d.to(ctx, StateDeleting)
	var tx storage.Tx
	err := retry.do(ctx, "begin", func(ctx context.Context) error {
		var err error
		tx, err = c.store.Begin(ctx)
		return err
	})
	if err != nil {
		return core.ChangeSummary{}, d.fail(ctx, err)
	}

	var removed core.Transaction
	err = retry.do(ctx, "delete "+d.id, func(ctx context.Context) error {
		var err error
		removed, err = c.ledger.Delete(ctx, tx, d.id)
		return err
	})
	if err != nil {
		c.rollback(ctx, tx, d.id)
		return core.ChangeSummary{}, d.fail(ctx, err)
	}

	d.to(ctx, StateRecalculating)
	affected, err := c.recalc.Recalculate(ctx, tx, removed)
	if err != nil {
		return core.ChangeSummary{}, d.abort(ctx, tx, err)
	}

	err = retry.do(ctx, "commit", func(context.Context) error {
		return tx.Commit()
	})
	if err != nil {
		return core.ChangeSummary{}, d.abort(ctx, tx, err)
	}
	d.to(ctx, StateCommitted)

	summary := core.ChangeSummary{
		TransactionID:         removed.ID,
		DeletedAmount:         removed.Amount,
		DeletedDate:           removed.Date,
		AffectedCategories:    nonNil(affected.Categories),
		AffectedForecastDates: affected.ForecastDates,
		CommittedAt:           c.now().UTC(),
	}
	if summary.AffectedForecastDates == nil {
		summary.AffectedForecastDates = []core.Date{}
	}
	if err := fillBalance(ctx, c.store, retry, &summary); err != nil {
		c.logger.WarnContext(ctx, "Failed to read balance after deletion",
			applog.FieldTransactionID, d.id, applog.FieldError, err)
	}
	return summary, nil
}

func (c *DeletionCoordinator) rollback(ctx context.Context, tx storage.Tx, id string) {
	if err := tx.Rollback(); err != nil {
		applog.NewStructuredLogger(c.logger).LogError(ctx, "Rollback failed", err,
			applog.ComponentDeletion, applog.OpDelete, applog.LogFields{applog.FieldTransactionID: id})
	}
}

func (c *DeletionCoordinator) notify(ctx context.Context, summary core.ChangeSummary) {
	c.mu.RLock()
	notifiers := append([]Notifier(nil), c.notifiers...)
	c.mu.RUnlock()

	for _, n := range notifiers {
		if err := n.Publish(ctx, summary); err != nil {
			fields := applog.NewFields().WithTransaction(summary.TransactionID,
				summary.DeletedAmount.String(), summary.DeletedDate.String(), "")
			applog.NewStructuredLogger(c.logger).LogError(ctx, "Failed to publish change summary", err,
				applog.ComponentDeletion, applog.OpPublish, fields)
		}
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
