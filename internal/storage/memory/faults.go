package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cassa/internal/core"
)

// Op names a store operation that can be made to fail.
type Op string

const (
	OpBegin           Op = "begin"
	OpGet             Op = "get"
	OpBalance         Op = "balance"
	OpInsert          Op = "insert"
	OpDelete          Op = "delete"
	OpSumCategory     Op = "sum_category"
	OpPutCategoryStat Op = "put_category_stat"
	OpBalanceThrough  Op = "balance_through"
	OpDailyTotals     Op = "daily_totals"
	OpPutForecast     Op = "put_forecast"
	OpPruneForecast   Op = "prune_forecast"
	OpCommit          Op = "commit"
)

// Fault describes how an operation misbehaves.
type Fault struct {
	// Err is returned by the failing calls.
	Err error
	// After lets this many calls succeed before failing.
	After int
	// Times limits the number of failures; zero fails forever.
	Times int
	// Delay blocks the call until ctx is done or the delay passes.
	Delay time.Duration
}

// FaultInjector counts calls per operation and fails them on demand.
type FaultInjector struct {
	mu     sync.Mutex
	faults map[Op]*Fault
	calls  map[Op]int
}

func NewFaultInjector() *FaultInjector {
	return &FaultInjector{
		faults: make(map[Op]*Fault),
		calls:  make(map[Op]int),
	}
}

// Inject replaces any fault registered for op.
func (f *FaultInjector) Inject(op Op, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := fault
	f.faults[op] = &cp
}

// Fail makes every call of op fail with err.
func (f *FaultInjector) Fail(op Op, err error) {
	f.Inject(op, Fault{Err: err})
}

// FailTimes makes the next n calls of op fail with err.
func (f *FaultInjector) FailTimes(op Op, n int, err error) {
	f.Inject(op, Fault{Err: err, Times: n})
}

// Clear removes the fault registered for op.
func (f *FaultInjector) Clear(op Op) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.faults, op)
}

// Reset removes every fault and zeroes the call counters.
func (f *FaultInjector) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[Op]*Fault)
	f.calls = make(map[Op]int)
}

// Calls returns how many times op was invoked.
func (f *FaultInjector) Calls(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *FaultInjector) check(ctx context.Context, op Op) error {
	f.mu.Lock()
	f.calls[op]++
	fault, ok := f.faults[op]
	var (
		err   error
		delay time.Duration
	)
	if ok {
		switch {
		case fault.After > 0:
			fault.After--
		default:
			err, delay = fault.Err, fault.Delay
			if fault.Times > 0 {
				fault.Times--
				if fault.Times == 0 {
					delete(f.faults, op)
				}
			}
		}
	}
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w: %w", op, core.ErrTransientStorage, ctx.Err())
		case <-timer.C:
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
