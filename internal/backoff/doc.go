// Package backoff provides the exponential backoff used by every retrying
// component: RTC reconnection and remote collection loading.
//
// The delay before attempt n (1-based) is:
//
//	BaseDelay * Multiplier^(n-1), capped at MaxDelay when MaxDelay > 0
//
// With the defaults (1s base, multiplier 2) the sequence is 1s, 2s, 4s, 8s,
// 16s.
//
// Usage:
//
//	p := backoff.Policy{BaseDelay: time.Second, MaxAttempts: 5}
//	err := backoff.Retry(ctx, p, backoff.Sleep, func(ctx context.Context, attempt int) error {
//	    return fetch(ctx)
//	})
package backoff
