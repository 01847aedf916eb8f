// Package retry implements the exponential-backoff-with-jitter policy and
// per-(host, handler) circuit breaker described in spec §4.4, grounded on
// the teacher's internal/netpolicy and internal/apibridge retry helpers.
package retry

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// Policy carries the tunables for one handler class (spec §4.4: max
// attempts, base delay, factor, and cap are configurable per handler
// class).
type Policy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration
}

// Delay returns the backoff delay to sleep after the given failed attempt
// (1-indexed), that is, before attempt+1. The un-jittered delay is capped at
// MaxDelay and then multiplied by a jitter factor in [0.5, 1.5).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.BackoffFactor, float64(attempt-1))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	jitter := 0.5 + rand.Float64() // [0.5, 1.5)
	return time.Duration(d * jitter)
}

// RetryAfterDelay parses a Retry-After header in either the delay-seconds
// or HTTP-date form. ok is false when the header is absent or unparsable,
// in which case the caller should fall back to Delay.
func RetryAfterDelay(h http.Header) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second, true
	}
	if when, err := http.ParseTime(raw); err == nil {
		d := time.Until(when)
		if d < 0 {
			return 0, true
		}
		return d, true
	}
	return 0, false
}

// Sleep waits for d, or returns ctx.Err() immediately if ctx is cancelled
// first. Cancellation is first-class (spec §4.4): no further sleeps happen
// once the context is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
