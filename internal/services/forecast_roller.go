package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cassa/internal/core"
)

// ForecastRollerConfig holds configuration for the forecast roller
type ForecastRollerConfig struct {
	// CheckInterval is how often to look for a new day (default: 1m)
	CheckInterval time.Duration
	// OnRoll is called after each successful rebuild with the new first day.
	OnRoll func(today core.Date)
}

func DefaultForecastRollerConfig() ForecastRollerConfig {
	return ForecastRollerConfig{CheckInterval: time.Minute}
}

// ForecastRoller moves the forecast window forward when the day changes,
// rebuilding the new last day and dropping the one that fell behind.
type ForecastRoller struct {
	ledger *Ledger
	config ForecastRollerConfig
	now    func() time.Time

	mu      sync.Mutex
	running bool
	lastDay core.Date
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewForecastRoller(ledger *Ledger, config ForecastRollerConfig) *ForecastRoller {
	if config.CheckInterval <= 0 {
		config.CheckInterval = DefaultForecastRollerConfig().CheckInterval
	}
	return &ForecastRoller{
		ledger: ledger,
		config: config,
		now:    time.Now,
	}
}

// Start rebuilds once and then keeps the window current until Stop or ctx
// is done. Returns an error if already running.
func (r *ForecastRoller) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("forecast roller is already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.runLoop(ctx)

	slog.InfoContext(ctx, "Forecast roller started", "check_interval", r.config.CheckInterval)
	return nil
}

// Stop signals the loop and waits for it to finish or ctx to expire.
func (r *ForecastRoller) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	stopCh, doneCh := r.stopCh, r.doneCh
	r.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		slog.InfoContext(ctx, "Forecast roller stopped")
	case <-ctx.Done():
		slog.WarnContext(ctx, "Forecast roller stop timed out")
		return ctx.Err()
	}

	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	return nil
}

func (r *ForecastRoller) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *ForecastRoller) runLoop(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick rebuilds the aggregates if the day changed since the last
// successful rebuild. It reports whether a rebuild ran.
func (r *ForecastRoller) Tick(ctx context.Context) bool {
	today := core.DateOf(r.now())

	r.mu.Lock()
	current := r.lastDay.Equal(today)
	r.mu.Unlock()
	if current {
		return false
	}

	if _, err := r.ledger.Rebuild(ctx); err != nil {
		slog.ErrorContext(ctx, "Failed to roll forecast window", "day", today.String(), "error", err)
		return false
	}

	r.mu.Lock()
	r.lastDay = today
	r.mu.Unlock()

	if r.config.OnRoll != nil {
		r.config.OnRoll(today)
	}
	return true
}
