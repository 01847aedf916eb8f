package retry

import (
	"context"
	"errors"
	"net/http"

	"github.com/1kimnet/ETL-pipeline/internal/httpx"
	"github.com/1kimnet/ETL-pipeline/internal/logging"
)

// Classify turns an error from a single attempt into a retry decision. The
// httpx package's *TransportError already carries enough information for
// the default classifier (spec §4.4: retriable = connect/timeout/truncated
// body/5xx/408/429; fatal = other 4xx, TLS, validation, cancellation).
type Classify func(err error) (retriable bool, retryAfter http.Header)

// DefaultClassify implements spec §4.4's retriable/fatal split for
// transport errors. Non-transport errors (validation errors raised by
// callers) are treated as fatal. The returned header is the failed
// response's headers, so a 429's Retry-After can replace the computed
// backoff delay in Attempt.
func DefaultClassify(err error) (bool, http.Header) {
	var terr *httpx.TransportError
	if errors.As(err, &terr) {
		return terr.Retriable(), terr.Header
	}
	return false, nil
}

// Attempt runs op up to policy.MaxAttempts times under breaker key bkey,
// sleeping between attempts per policy.Delay (or Retry-After when the
// error carries one), and returns the last error if every attempt fails or
// the breaker is open. Cancellation aborts immediately without further
// sleeps or attempts (spec §4.4, §5).
func Attempt(ctx context.Context, policy Policy, breakers *BreakerTable, bkey string, log logging.Logger, op func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		var callErr error
		if breakers != nil {
			callErr = breakers.Do(bkey, func() error { return op(ctx) })
		} else {
			callErr = op(ctx)
		}

		if callErr == nil {
			return nil
		}
		lastErr = callErr

		if errors.Is(callErr, ErrBreakerOpen) {
			if attempt >= attempts {
				return callErr
			}
			logEvent(log, "warn", "circuit breaker open", attempt, bkey)
			if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
				return err
			}
			continue
		}

		retriable, retryAfter := DefaultClassify(callErr)
		if !retriable || attempt >= attempts {
			return callErr
		}

		delay := policy.Delay(attempt)
		if d, ok := RetryAfterDelay(retryAfter); ok {
			delay = d
		}
		logEvent(log, "warn", callErr.Error(), attempt, bkey)
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

func logEvent(log logging.Logger, level, msg string, attempt int, key string) {
	if log == nil {
		return
	}
	event := logging.With(logging.With(logging.Event("retry", level, msg), "attempt", attempt), "breaker_key", key)
	log.Log(event)
}
