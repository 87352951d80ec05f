package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/thatsimonsguy/hvac-policy/internal/cache"
	"github.com/thatsimonsguy/hvac-policy/internal/datadog"
)

// Authenticator decorates outgoing requests with a credential. Invalidate
// drops the cached credential after a 401.
type Authenticator interface {
	Authorize(ctx context.Context, req *http.Request) error
	Invalidate()
}

type RetryPolicy struct {
	// Backoff holds the wait before each transient retry; its length is the
	// retry budget.
	Backoff []time.Duration
}

var DefaultRetry = RetryPolicy{Backoff: []time.Duration{100 * time.Millisecond, 500 * time.Millisecond}}

const (
	DefaultTimeout = 10 * time.Second
	maxBodyBytes   = 1 << 20
)

type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   any
}

// Caller performs vendor HTTP calls with authentication, retry and a cap on
// concurrent requests. One Caller exists per vendor.
type Caller struct {
	Vendor  string
	BaseURL string
	HTTP    *http.Client
	Auth    Authenticator
	Retry   RetryPolicy
	Timeout time.Duration
	Sleep   func(ctx context.Context, d time.Duration) error

	sem *semaphore.Weighted
}

func NewCaller(vendor, baseURL string, concurrency int64, auth Authenticator) *Caller {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Caller{
		Vendor:  vendor,
		BaseURL: baseURL,
		HTTP:    &http.Client{},
		Auth:    auth,
		Retry:   DefaultRetry,
		Timeout: DefaultTimeout,
		Sleep:   sleepCtx,
		sem:     semaphore.NewWeighted(concurrency),
	}
}

// Do sends req and decodes a JSON response into out (when non-nil).
// A 401 invalidates the credential and retries once; 429 fails at once;
// transient failures are retried per the retry policy.
func (c *Caller) Do(ctx context.Context, req Request, out any) error {
	var payload []byte
	if req.Body != nil {
		var err error
		if payload, err = json.Marshal(req.Body); err != nil {
			return fmt.Errorf("%s: encode %s body: %w", c.Vendor, req.Path, err)
		}
	}

	reauthed := false
	attempt := 0
	for {
		err := c.once(ctx, req, payload, out)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case IsUnauthorized(err) && c.Auth != nil && !reauthed:
			reauthed = true
			c.Auth.Invalidate()
			log.Warn().Str("vendor", c.Vendor).Str("path", req.Path).Msg("Credential rejected, re-authenticating")
			continue

		case errors.Is(err, ErrTransient) && attempt < len(c.Retry.Backoff):
			wait := c.Retry.Backoff[attempt]
			attempt++
			datadog.Incr("gateway.retry", "vendor:"+c.Vendor)
			log.Warn().Err(err).Str("vendor", c.Vendor).Int("attempt", attempt).Dur("backoff", wait).Msg("Transient vendor failure, retrying")
			if serr := c.Sleep(ctx, wait); serr != nil {
				return serr
			}
			continue

		case errors.Is(err, ErrRateLimited):
			datadog.Incr("gateway.rate_limited", "vendor:"+c.Vendor)
		}
		return err
	}
}

func (c *Caller) once(ctx context.Context, req Request, payload []byte, out any) error {
	if c.sem != nil {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return err
		}
		defer c.sem.Release(1)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	u, err := url.Parse(c.BaseURL + req.Path)
	if err != nil {
		return fmt.Errorf("%s: bad url %s: %w", c.Vendor, req.Path, err)
	}
	if len(req.Query) > 0 {
		u.RawQuery = req.Query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, u.String(), body)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", c.Vendor, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.Auth != nil {
		if err := c.Auth.Authorize(attemptCtx, httpReq); err != nil {
			return err
		}
	}

	start := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w: %v", c.Vendor, req.Method, req.Path, ErrTransient, err)
	}
	defer resp.Body.Close()
	datadog.Timing("gateway.request", time.Since(start), "vendor:"+c.Vendor, "status:"+strconv.Itoa(resp.StatusCode))

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%s %s %s: read body: %w: %v", c.Vendor, req.Method, req.Path, ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{
			Vendor:     c.Vendor,
			Method:     req.Method,
			Path:       req.Path,
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%s %s: decode response: %w", c.Vendor, req.Path, err)
		}
	}
	return nil
}

// Cached is the read-through form of Do: a hit returns immediately, a miss
// performs the call and stores the decoded result for ttl.
func Cached[T any](ctx context.Context, c *Caller, store *cache.Cache[T], key string, ttl time.Duration, req Request) (T, error) {
	return store.GetOrFetch(key, ttl, func() (T, error) {
		var out T
		err := c.Do(ctx, req, &out)
		return out, err
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoSleep skips backoff waits; tests use it to keep retries instant.
func NoSleep(context.Context, time.Duration) error { return nil }
