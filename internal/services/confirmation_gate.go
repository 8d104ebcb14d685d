package services

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"cassa/internal/cache"
	"cassa/internal/core"
	applog "cassa/internal/log"

	"github.com/google/uuid"
)

const DefaultConfirmationTTL = 2 * time.Minute

// Token identifies a pending confirmation.
type Token string

type pendingDeletion struct {
	transactionID string
	expiresAt     time.Time
}

// Deleter is the operation a confirmation releases.
type Deleter interface {
	Delete(ctx context.Context, id string) (core.ChangeSummary, error)
}

// ConfirmationGate makes a deletion happen only after an explicit
// confirmation. Each token releases at most one deletion.
type ConfirmationGate struct {
	deleter Deleter
	ttl     time.Duration
	pending *cache.LRUCache[pendingDeletion]
	now     func() time.Time
}

// NewConfirmationGate keeps at most maxPending tokens alive for ttl each.
func NewConfirmationGate(deleter Deleter, ttl time.Duration, maxPending int) *ConfirmationGate {
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}
	if maxPending <= 0 {
		maxPending = 1024
	}
	return &ConfirmationGate{
		deleter: deleter,
		ttl:     ttl,
		// Entries outlive their deadline so a late Confirm is reported as
		// expired rather than unknown until the sweeper removes them.
		pending: cache.NewLRUCache[pendingDeletion](maxPending, 2*ttl),
		now:     time.Now,
	}
}

// Cache exposes the token store so a cache.Manager can sweep it.
func (g *ConfirmationGate) Cache() cache.Cleaner {
	return g.pending
}

// RequestConfirmation issues a single-use token for deleting transactionID.
// Nothing is read or changed until the token is confirmed.
func (g *ConfirmationGate) RequestConfirmation(ctx context.Context, transactionID string) (Token, error) {
	if strings.TrimSpace(transactionID) == "" {
		return "", fmt.Errorf("request confirmation: empty transaction id: %w", core.ErrNotFound)
	}
	token := Token(uuid.NewString())
	g.pending.Set(string(token), pendingDeletion{
		transactionID: transactionID,
		expiresAt:     g.now().Add(g.ttl),
	})
	applog.ForComponent(applog.ComponentConfirmation).DebugContext(ctx, "Deletion confirmation requested",
		applog.FieldTransactionID, transactionID)
	return token, nil
}

// Confirm consumes token and runs the deletion it stands for.
func (g *ConfirmationGate) Confirm(ctx context.Context, token Token) (core.ChangeSummary, error) {
	p, err := g.take(token)
	if err != nil {
		return core.ChangeSummary{}, err
	}
	return g.deleter.Delete(ctx, p.transactionID)
}

// Cancel discards token without side effects.
func (g *ConfirmationGate) Cancel(token Token) error {
	p, err := g.take(token)
	if err != nil {
		return err
	}
	applog.ForComponent(applog.ComponentConfirmation).Debug("Deletion confirmation cancelled",
		applog.FieldOperation, applog.OpCancel,
		applog.FieldTransactionID, p.transactionID)
	return nil
}

// Pending returns the number of tokens not yet confirmed, cancelled or swept.
func (g *ConfirmationGate) Pending() int {
	return g.pending.Size()
}

func (g *ConfirmationGate) take(token Token) (pendingDeletion, error) {
	p, ok := g.pending.Take(string(token))
	if !ok {
		return pendingDeletion{}, fmt.Errorf("token %s: %w", token, core.ErrTokenNotFound)
	}
	if g.now().After(p.expiresAt) {
		return pendingDeletion{}, fmt.Errorf("token %s: %w", token, core.ErrTokenExpired)
	}
	return p, nil
}

// Prompter asks the user whether to go ahead with deleting a transaction.
type Prompter interface {
	Confirm(ctx context.Context, t core.Transaction) (bool, error)
}

// ConfirmWith drives one interactive deletion: request a token, ask, then
// confirm or cancel. A declined prompt returns ok=false and a nil error.
func ConfirmWith(ctx context.Context, gate *ConfirmationGate, ledger *Ledger, prompter Prompter, id string) (summary core.ChangeSummary, ok bool, err error) {
	t, err := ledger.Get(ctx, id)
	if err != nil {
		return core.ChangeSummary{}, false, err
	}

	token, err := gate.RequestConfirmation(ctx, id)
	if err != nil {
		return core.ChangeSummary{}, false, err
	}

	yes, err := prompter.Confirm(ctx, t)
	if err != nil || !yes {
		if cerr := gate.Cancel(token); cerr != nil {
			applog.ForComponent(applog.ComponentConfirmation).DebugContext(ctx, "Cancel after declined prompt",
				applog.FieldError, cerr)
		}
		return core.ChangeSummary{}, false, err
	}

	summary, err = gate.Confirm(ctx, token)
	if err != nil {
		return core.ChangeSummary{}, false, err
	}
	return summary, true, nil
}

// LinePrompter asks on out and reads a y/N answer from in.
type LinePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func NewLinePrompter(in io.Reader, out io.Writer) *LinePrompter {
	return &LinePrompter{in: bufio.NewReader(in), out: out}
}

func (p *LinePrompter) Confirm(_ context.Context, t core.Transaction) (bool, error) {
	category := "-"
	if id, ok := t.Category(); ok {
		category = id
	}
	fmt.Fprintf(p.out, "Delete %s %s %s (%s) %q? [y/N] ",
		t.ID, t.Date, t.Amount, category, t.Description)

	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		if err == io.EOF {
			return false, nil
		}
		return false, fmt.Errorf("read answer: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// AutoPrompter answers every prompt with the same value.
type AutoPrompter bool

func (a AutoPrompter) Confirm(context.Context, core.Transaction) (bool, error) {
	return bool(a), nil
}
