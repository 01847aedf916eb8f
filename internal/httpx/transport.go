package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Transport is the shared, connection-pooled client used by every extract
// handler. It enforces a per-host concurrency cap strictly across all
// handlers (spec §4.3, §5) and never buffers large response bodies into
// memory.
type Transport struct {
	client     *http.Client
	chunkSize  int
	hostCapMu  sync.Mutex
	hostCaps   map[string]*semaphore.Weighted
	perHostCap int64
}

// NewTransport builds a Transport backed by the shared connection pool.
func NewTransport(timeout time.Duration, perHostCap int, chunkSize int) *Transport {
	if perHostCap <= 0 {
		perHostCap = 4
	}
	if chunkSize <= 0 {
		chunkSize = 64 * 1024
	}
	return &Transport{
		client:     SharedClient(timeout),
		chunkSize:  chunkSize,
		hostCaps:   map[string]*semaphore.Weighted{},
		perHostCap: int64(perHostCap),
	}
}

func (t *Transport) hostSemaphore(host string) *semaphore.Weighted {
	t.hostCapMu.Lock()
	defer t.hostCapMu.Unlock()
	sem, ok := t.hostCaps[host]
	if !ok {
		sem = semaphore.NewWeighted(t.perHostCap)
		t.hostCaps[host] = sem
	}
	return sem
}

// acquire blocks until the per-host semaphore admits this call, or ctx is
// cancelled.
func (t *Transport) acquire(ctx context.Context, rawURL string) (release func(), err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return nil, &TransportError{Kind: ErrConnect, URL: rawURL, Err: parseErr}
	}
	sem := t.hostSemaphore(u.Host)
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}

// Get issues a GET request with query params and returns the response
// headers and a streaming body. The per-host semaphore slot acquired for
// this call is held until the returned body is closed, not just until
// headers arrive: the body itself is wrapped so that Close releases it,
// since the cap exists to bound concurrent body transfer against one host,
// not concurrent header round-trips (spec §4.3, §5). The caller owns the
// returned body and must close it.
func (t *Transport) Get(ctx context.Context, rawURL string, params map[string]string, accept string) (*http.Response, error) {
	release, err := t.acquire(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	full, err := withQuery(rawURL, params)
	if err != nil {
		release()
		return nil, &TransportError{Kind: ErrConnect, URL: rawURL, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, full, nil)
	if err != nil {
		release()
		return nil, &TransportError{Kind: ErrConnect, URL: full, Err: err}
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		release()
		return nil, classifyDoError(full, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		release()
		return nil, &TransportError{Kind: ErrStatus, StatusCode: resp.StatusCode, URL: full, Header: resp.Header, Err: fmt.Errorf("%s", string(body))}
	}
	resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// releasingBody wraps a response body so that the per-host semaphore slot
// acquired for the request is released exactly once, on Close, instead of
// as soon as Get returns (spec §4.3: the per-host cap must bound concurrent
// body transfer, the expensive part, not just concurrent header fetches).
type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

// DownloadToFile streams a GET response to destPath in fixed-size chunks,
// using an atomic rename on completion (spec §4.3). The final extension is
// derived from Content-Disposition, then the URL path, then fallbackExt; if
// none yields an extension, ".data" is used. Returns the final path.
func (t *Transport) DownloadToFile(ctx context.Context, rawURL string, params map[string]string, destDir string, fallbackExt string) (string, error) {
	resp, err := t.Get(ctx, rawURL, params, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	ext := extensionFromHeaders(resp.Header)
	if ext == "" {
		ext = extensionFromURL(rawURL)
	}
	if ext == "" {
		ext = fallbackExt
	}
	if ext == "" {
		ext = ".data"
	}

	base := baseNameFromHeaders(resp.Header)
	if base == "" {
		base = strings.TrimSuffix(filepath.Base(extensionFromURLPath(rawURL)), filepath.Ext(rawURL))
	}
	if base == "" {
		base = "download"
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	finalPath := filepath.Join(destDir, base+ext)
	partPath := finalPath + ".part"

	f, err := os.Create(partPath)
	if err != nil {
		return "", err
	}

	buf := make([]byte, t.chunkSize)
	for {
		select {
		case <-ctx.Done():
			f.Close()
			return "", ctx.Err()
		default:
		}
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				f.Close()
				return "", werr
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			f.Close()
			return "", &TransportError{Kind: ErrTruncated, URL: rawURL, Err: readErr}
		}
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		return "", err
	}
	return finalPath, nil
}

func classifyDoError(rawURL string, err error) *TransportError {
	if os.IsTimeout(err) {
		return &TransportError{Kind: ErrTimeout, URL: rawURL, Err: err}
	}
	if urlErr, ok := err.(*url.Error); ok {
		if urlErr.Timeout() {
			return &TransportError{Kind: ErrTimeout, URL: rawURL, Err: err}
		}
	}
	if strings.Contains(err.Error(), "tls") || strings.Contains(err.Error(), "certificate") {
		return &TransportError{Kind: ErrTLS, URL: rawURL, Err: err}
	}
	return &TransportError{Kind: ErrConnect, URL: rawURL, Err: err}
}

func withQuery(rawURL string, params map[string]string) (string, error) {
	if len(params) == 0 {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func extensionFromHeaders(h http.Header) string {
	cd := h.Get("Content-Disposition")
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	filename := params["filename"]
	return filepath.Ext(filename)
}

func baseNameFromHeaders(h http.Header) string {
	cd := h.Get("Content-Disposition")
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	filename := params["filename"]
	if filename == "" {
		return ""
	}
	return strings.TrimSuffix(filename, filepath.Ext(filename))
}

func extensionFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return filepath.Ext(u.Path)
}

func extensionFromURLPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return path.Base(u.Path)
}
