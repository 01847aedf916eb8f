package httpx

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies a transport failure so the retry policy (internal/
// retry) can decide whether it is retriable (spec §4.4, §7).
type ErrorKind string

const (
	ErrConnect   ErrorKind = "connect"
	ErrTLS       ErrorKind = "tls"
	ErrTimeout   ErrorKind = "timeout"
	ErrStatus    ErrorKind = "status"
	ErrTruncated ErrorKind = "truncated_body"
)

// TransportError wraps a transport-layer failure with the structured
// classification spec §4.3 requires. Header carries the failed response's
// headers when Kind is ErrStatus, so the retry policy can read Retry-After
// off a 429/503 (spec §4.4); it is nil for every other error kind.
type TransportError struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	Header     http.Header
	Err        error
}

func (e *TransportError) Error() string {
	switch e.Kind {
	case ErrStatus:
		return fmt.Sprintf("http %s: status %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("http %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retriable reports whether the classified error is retriable per spec
// §4.4: connect failure, read timeout, truncated body, 5xx, 408 and 429 are
// retriable; TLS failures and every other 4xx are fatal.
func (e *TransportError) Retriable() bool {
	switch e.Kind {
	case ErrConnect, ErrTimeout, ErrTruncated:
		return true
	case ErrStatus:
		return e.StatusCode == 429 || e.StatusCode == 408 || e.StatusCode >= 500
	default:
		return false
	}
}
