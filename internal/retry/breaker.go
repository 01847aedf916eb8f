package retry

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerTable holds one circuit breaker per (host, handler-kind) key,
// guarded by a mutex (spec §4.4, §5). Trips after Threshold consecutive
// failures and stays open for Cooldown; a single success closes it.
type BreakerTable struct {
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	Threshold uint32
	Cooldown  time.Duration
}

// NewBreakerTable builds a table with the given defaults (spec §4.4:
// threshold default 5, cooldown default 60s).
func NewBreakerTable(threshold int, cooldown time.Duration) *BreakerTable {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return &BreakerTable{
		breakers:  map[string]*gobreaker.CircuitBreaker{},
		Threshold: uint32(threshold),
		Cooldown:  cooldown,
	}
}

func (t *BreakerTable) breaker(key string) *gobreaker.CircuitBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	cb, ok := t.breakers[key]
	if ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    key,
		Timeout: t.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= t.Threshold
		},
	})
	t.breakers[key] = cb
	return cb
}

// Key builds the (host, handler-kind) key the spec's breaker table is
// indexed by.
func Key(host, handlerKind string) string {
	return handlerKind + "@" + host
}

// Do runs op through the breaker for key. When the breaker is open, it
// short-circuits to ErrBreakerOpen without calling op (no network I/O),
// matching spec §4.4.
func (t *BreakerTable) Do(key string, op func() error) error {
	cb := t.breaker(key)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, op()
	})
	if err == gobreaker.ErrOpenState {
		return ErrBreakerOpen
	}
	return err
}

// ErrBreakerOpen is returned by Do when the breaker for key is open.
var ErrBreakerOpen = breakerOpenError{}

type breakerOpenError struct{}

func (breakerOpenError) Error() string { return "retry: circuit breaker open" }
