package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Defaults applied when a Policy field is zero.
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
	DefaultMultiplier  = 2.0
)

// ErrExhausted is returned by Retry when every attempt failed.
var ErrExhausted = errors.New("backoff: attempts exhausted")

// Policy describes an exponential backoff schedule.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration // 0 means uncapped
	MaxAttempts int
	Multiplier  float64
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc backed by a timer.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// WithDefaults returns p with zero fields replaced by package defaults.
func (p Policy) WithDefaults() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Multiplier <= 0 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// Delay returns the wait before the given 1-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.WithDefaults()
	if attempt < 1 {
		attempt = 1
	}

	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > math.MaxInt64 {
		d = math.MaxInt64
	}
	delay := time.Duration(d)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Retry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Retry calls fn until it succeeds, returns a Permanent error, ctx is done,
// or p.MaxAttempts attempts have failed. Between failures it waits
// p.Delay(n) using sleep (Sleep when nil).
func Retry(ctx context.Context, p Policy, sleep SleepFunc, fn func(ctx context.Context, attempt int) error) error {
	p = p.WithDefaults()
	if sleep == nil {
		sleep = Sleep
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("backoff: cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return fmt.Errorf("backoff: cancelled before attempt %d: %w", attempt+1, err)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, p.MaxAttempts, lastErr)
}
