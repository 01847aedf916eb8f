// Package httpx provides the shared, connection-pooled HTTP transport used
// by every extract handler, plus per-host concurrency gating and filename
// inference for downloads. It mirrors the teacher's
// internal/httpx.SharedClient singleton-by-timeout pool.
package httpx

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	transportOnce sync.Once
	transport     *http.Transport

	clientsMu sync.Mutex
	clients   = map[time.Duration]*http.Client{}
)

// PoolConfig sizes the shared transport. Values <= 0 fall back to the
// defaults below. InsecureSkipVerify disables certificate verification on
// the shared transport; it exists for sources on a trusted-host allow-list
// whose certificates can't be validated normally (spec §4.3) and must never
// be the default.
type PoolConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	TLSHandshakeTimeout time.Duration
	InsecureSkipVerify  bool
}

var poolConfig = PoolConfig{
	MaxIdleConns:        256,
	MaxIdleConnsPerHost: 64,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
}

// Configure sets the pool configuration for subsequent SharedClient calls.
// Must be called before the first SharedClient call to take effect, since
// the underlying transport is a singleton.
func Configure(cfg PoolConfig) {
	poolConfig = cfg
}

// SharedClient returns a process-wide *http.Client for the given timeout,
// reusing the same client (and therefore the same connection pool) across
// calls with an identical timeout.
func SharedClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	clientsMu.Lock()
	defer clientsMu.Unlock()
	if client, ok := clients[timeout]; ok {
		return client
	}
	client := &http.Client{
		Timeout:   timeout,
		Transport: sharedTransport(),
	}
	clients[timeout] = client
	return client
}

func sharedTransport() *http.Transport {
	transportOnce.Do(func() {
		transport = &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          orDefault(poolConfig.MaxIdleConns, 256),
			MaxIdleConnsPerHost:   orDefault(poolConfig.MaxIdleConnsPerHost, 64),
			IdleConnTimeout:       orDefaultDuration(poolConfig.IdleConnTimeout, 90*time.Second),
			TLSHandshakeTimeout:   orDefaultDuration(poolConfig.TLSHandshakeTimeout, 10*time.Second),
			ExpectContinueTimeout: 1 * time.Second,
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: poolConfig.InsecureSkipVerify},
		}
	})
	return transport
}

func orDefault(v, d int) int {
	if v <= 0 {
		return d
	}
	return v
}

func orDefaultDuration(v, d time.Duration) time.Duration {
	if v <= 0 {
		return d
	}
	return v
}

// ResetForTest clears the pool singleton state. Test-only.
func ResetForTest() {
	transportOnce = sync.Once{}
	transport = nil
	clientsMu.Lock()
	clients = map[time.Duration]*http.Client{}
	clientsMu.Unlock()
}
