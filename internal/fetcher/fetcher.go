package fetcher

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Result is the outcome of one page fetch. BytesUsed is the estimated
// wire traffic: the compressed transfer size when the response was
// compressed, the full body size otherwise. Cost observability only.
type Result struct {
	Body       string
	BytesUsed  int64
	StatusCode int
}

// PageFetcher fetches one search result page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Result, error)
}

// HTTPFetcher performs the HTTP GET with a browser-like header set and a
// jittered pre-request delay. The target sites rate-limit and fingerprint
// concurrent bursts, so the delay is mandatory, not best-effort.
type HTTPFetcher struct {
	client     *http.Client
	minDelay   time.Duration
	maxDelay   time.Duration
	userAgent  string
	acceptLang string
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithDelay overrides the jitter window (tests set it to zero).
func WithDelay(min, max time.Duration) Option {
	return func(f *HTTPFetcher) {
		f.minDelay = min
		f.maxDelay = max
	}
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(f *HTTPFetcher) {
		f.client.Timeout = timeout
	}
}

// NewHTTPFetcher creates a fetcher with the default anti-detection profile.
func NewHTTPFetcher(opts ...Option) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				// We negotiate compression ourselves to see the real
				// transfer size.
				DisableCompression: true,
			},
		},
		minDelay:   1 * time.Second,
		maxDelay:   4 * time.Second,
		userAgent:  "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		acceptLang: "sl-SI,sl;q=0.9,en-GB;q=0.8,en;q=0.7",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch gets one page. Non-200 and network failures return a zero-value
// body and are not retried within the same tick; the caller feeds them to
// the circuit breaker and the next due tick retries naturally.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (Result, error) {
	if err := f.sleepJitter(ctx); err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("malformed fetch url: %w", err)
	}

	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", f.acceptLang)
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("Referer", "https://www.google.com/")
	req.Header.Set("Connection", "keep-alive")

	resp, err := f.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, resp.Body)
		return Result{StatusCode: resp.StatusCode}, nil
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{StatusCode: resp.StatusCode}, fmt.Errorf("failed to read response body: %w", err)
	}

	body := raw
	bytesUsed := int64(len(raw))
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Encoding")), "gzip") {
		gz, err := gzip.NewReader(strings.NewReader(string(raw)))
		if err != nil {
			return Result{StatusCode: resp.StatusCode}, fmt.Errorf("failed to open gzip body: %w", err)
		}
		defer gz.Close()
		body, err = io.ReadAll(gz)
		if err != nil {
			return Result{StatusCode: resp.StatusCode}, fmt.Errorf("failed to decompress body: %w", err)
		}
	}

	logrus.Debugf("Fetched %d bytes (%d on the wire) from %.60s", len(body), bytesUsed, url)

	return Result{
		Body:       string(body),
		BytesUsed:  bytesUsed,
		StatusCode: resp.StatusCode,
	}, nil
}

func (f *HTTPFetcher) sleepJitter(ctx context.Context) error {
	if f.maxDelay <= 0 {
		return nil
	}
	delay := f.minDelay
	if f.maxDelay > f.minDelay {
		delay += time.Duration(rand.Int63n(int64(f.maxDelay - f.minDelay)))
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
