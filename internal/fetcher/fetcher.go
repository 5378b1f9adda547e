// Package fetcher downloads raw source content over HTTP with bounded
// retries and exponential backoff.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxBodySize = 5 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Kind classifies a fetch failure.
type Kind string

// Failure kinds. Only rate-limited and transient failures are retried.
const (
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
	KindFatal       Kind = "fatal"
)

// Error is a classified fetch failure.
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d (%s)", e.URL, e.StatusCode, e.Kind)
	}
	return fmt.Sprintf("fetch %s: %v (%s)", e.URL, e.Err, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// IsRateLimited reports whether err is a rate-limited fetch failure.
func IsRateLimited(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindRateLimited
}

// Fetcher downloads source content with retry on transient failures.
type Fetcher struct {
	client     HTTPClient
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// New creates a Fetcher with the given HTTP client and default retry
// policy: 2 extra attempts, 1s base delay, 10s delay cap.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:     client,
		maxRetries: 2,
		baseDelay:  time.Second,
		maxDelay:   10 * time.Second,
	}
}

// SetRetryPolicy overrides the retry count and base delay.
func (f *Fetcher) SetRetryPolicy(maxRetries int, baseDelay time.Duration) {
	f.maxRetries = maxRetries
	f.baseDelay = baseDelay
}

// Fetch downloads url, retrying rate-limited and transient failures up to
// the configured number of extra attempts. Each retry is preceded by a
// delay of min(baseDelay * 2^n, maxDelay).
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		body, err := f.do(ctx, url)
		if err == nil {
			return body, nil
		}
		lastErr = err

		var fe *Error
		if errors.As(err, &fe) && fe.Kind == KindFatal {
			return nil, err
		}
		if attempt >= f.maxRetries {
			return nil, lastErr
		}

		delay := f.baseDelay << attempt
		if delay > f.maxDelay {
			delay = f.maxDelay
		}
		select {
		case <-ctx.Done():
			return nil, &Error{Kind: KindFatal, URL: url, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
}

func (f *Fetcher) do(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: KindFatal, URL: url, Err: err}
	}
	req.Header.Set("User-Agent", "SentroAggregator/1.0")
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, */*")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, &Error{Kind: KindFatal, URL: url, Err: ctx.Err()}
		}
		return nil, &Error{Kind: KindTransient, URL: url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &Error{Kind: KindRateLimited, URL: url, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500:
		return nil, &Error{Kind: KindTransient, URL: url, StatusCode: resp.StatusCode}
	default:
		return nil, &Error{Kind: KindFatal, URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &Error{Kind: KindTransient, URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}
