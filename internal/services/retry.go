package services

import (
	"context"
	"time"

	"cassa/internal/core"
	applog "cassa/internal/log"
)

// RetryPolicy bounds how transient storage failures are retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt (default: 3)
	MaxRetries int
	// BaseDelay is the wait before the first retry (default: 10ms)
	BaseDelay time.Duration
	// MaxDelay caps the doubling backoff (default: 100ms)
	MaxDelay time.Duration
	// CallTimeout bounds each storage call (default: 250ms)
	CallTimeout time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
		CallTimeout: 250 * time.Millisecond,
	}
}

// backoff returns the wait before retry number attempt (0-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// do runs fn until it succeeds, fails with a non-transient error, the
// retries are spent or ctx is done. Each attempt gets its own CallTimeout.
func (p RetryPolicy) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = p.call(ctx, fn)
		if err == nil || !core.IsTransient(err) || attempt >= p.MaxRetries {
			return err
		}

		wait := p.backoff(attempt)
		applog.ForComponent(applog.ComponentStorage).WarnContext(ctx, "Transient storage error, retrying",
			applog.FieldOperation, op,
			applog.FieldAttempt, attempt+1,
			"backoff", wait,
			applog.FieldError, err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

func (p RetryPolicy) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.CallTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()
	return fn(callCtx)
}
