// Package fetch downloads subscription sources.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/proxy"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTimeout   = 15 * time.Second
	DefaultUserAgent = "SubCollector/1.0"
	DefaultMaxBytes  = 10 << 20
)

// ErrSourceUnreachable marks every failure to obtain a usable body.
var ErrSourceUnreachable = errors.New("source unreachable")

// SourceError describes why a source produced no body.
type SourceError struct {
	URL    string
	Status int
	Err    error
}

func (e *SourceError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *SourceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrSourceUnreachable}
	}
	return []error{ErrSourceUnreachable, e.Err}
}

// Options configures a Fetcher.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int64
	// Dialer routes requests through an upstream proxy when set.
	Dialer proxy.ContextDialer
}

// Fetcher retrieves source bodies. Concurrent requests for the same URL
// share one download.
type Fetcher struct {
	client    *http.Client
	userAgent string
	maxBytes  int64
	group     singleflight.Group
}

// New builds a Fetcher, filling zero options with defaults.
func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Dialer != nil {
		transport.Proxy = nil
		transport.DialContext = opts.Dialer.DialContext
	}

	return &Fetcher{
		client:    &http.Client{Timeout: opts.Timeout, Transport: transport},
		userAgent: opts.UserAgent,
		maxBytes:  opts.MaxBytes,
	}
}

// Fetch downloads rawURL and returns its decoded body. Transport errors,
// non-2xx statuses and empty bodies are reported as *SourceError. There are
// no retries.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	v, err, _ := f.group.Do(rawURL, func() (any, error) {
		return f.fetch(ctx, rawURL)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimSpace(rawURL), nil)
	if err != nil {
		return nil, &SourceError{URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &SourceError{URL: rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &SourceError{URL: rawURL, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &SourceError{URL: rawURL, Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &SourceError{URL: rawURL, Err: fmt.Errorf("body exceeds %d bytes", f.maxBytes)}
	}

	body = DecodeBody(body)
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &SourceError{URL: rawURL, Err: errors.New("empty body")}
	}
	return body, nil
}
