// Copyright 2025 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fetch holds the network and cache plumbing shared by the index
// provider and the package installer: a retrying HTTP client, per-key
// request deduplication and atomic file writes.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/chainguard-dev/clog"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"
)

const (
	DefaultRetries      = 4
	DefaultRetryWaitMin = 250 * time.Millisecond
	DefaultRetryWaitMax = 10 * time.Second
	DefaultTimeout      = 30 * time.Second
)

// UserAgent is sent with every request.
var UserAgent = "cpm"

type clientOpts struct {
	retries      int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	timeout      time.Duration
	rateLimit    rate.Limit
	base         http.RoundTripper
}

// ClientOption configures NewClient.
type ClientOption func(*clientOpts) error

// WithRetries sets how many times a failed request is retried. Zero disables
// retries.
func WithRetries(n int) ClientOption {
	return func(o *clientOpts) error {
		if n < 0 {
			return fmt.Errorf("retries must not be negative, got %d", n)
		}
		o.retries = n
		return nil
	}
}

// WithRetryWait bounds the backoff between attempts.
func WithRetryWait(lo, hi time.Duration) ClientOption {
	return func(o *clientOpts) error {
		if lo <= 0 || hi < lo {
			return fmt.Errorf("invalid retry wait bounds [%s, %s]", lo, hi)
		}
		o.retryWaitMin, o.retryWaitMax = lo, hi
		return nil
	}
}

// WithTimeout sets how long one attempt may go without progress: first while
// waiting for response headers, then between body reads. A timed out attempt
// is retried like any other transient failure. Zero disables the timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOpts) error {
		if d < 0 {
			return fmt.Errorf("timeout must not be negative, got %s", d)
		}
		o.timeout = d
		return nil
	}
}

// WithRateLimit caps outgoing requests per second. Zero means unlimited.
func WithRateLimit(perSecond float64) ClientOption {
	return func(o *clientOpts) error {
		if perSecond < 0 {
			return fmt.Errorf("rate limit must not be negative, got %v", perSecond)
		}
		if perSecond == 0 {
			o.rateLimit = rate.Inf
		} else {
			o.rateLimit = rate.Limit(perSecond)
		}
		return nil
	}
}

// WithTransport replaces the underlying round tripper, mostly for tests.
func WithTransport(rt http.RoundTripper) ClientOption {
	return func(o *clientOpts) error {
		o.base = rt
		return nil
	}
}

// NewClient returns an http.Client that retries idempotent requests on
// transient failures with jittered exponential backoff and resumes bodies
// that break off mid-transfer.
func NewClient(opts ...ClientOption) (*http.Client, error) {
	o := clientOpts{
		retries:      DefaultRetries,
		retryWaitMin: DefaultRetryWaitMin,
		retryWaitMax: DefaultRetryWaitMax,
		timeout:      DefaultTimeout,
		rateLimit:    rate.Inf,
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	base := o.base
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}
	if o.timeout > 0 {
		base = &attemptTimeoutTransport{next: base, timeout: o.timeout}
	}
	if o.rateLimit != rate.Inf {
		base = &rateLimitedTransport{
			next:    base,
			limiter: rate.NewLimiter(o.rateLimit, 1),
		}
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = &http.Client{Transport: &userAgentTransport{next: base}}
	rc.RetryMax = o.retries
	rc.RetryWaitMin = o.retryWaitMin
	rc.RetryWaitMax = o.retryWaitMax
	rc.Backoff = Backoff
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = giveUp
	rc.Logger = nil
	rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			clog.FromContext(req.Context()).Debugf("retrying %s %s (attempt %d)", req.Method, req.URL.Redacted(), attempt+1)
		}
	}

	return &http.Client{
		Transport: &rangeRetryTransport{next: &retryablehttp.RoundTripper{Client: rc}},
	}, nil
}

// Backoff is exponential with jitter in the upper half of the window, and
// honours Retry-After on 429 and 503 responses.
func Backoff(lo, hi time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
		if s, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && s >= 0 {
			return min(time.Duration(s)*time.Second, hi)
		}
	}
	d := float64(lo) * math.Pow(2, float64(attempt))
	if d > float64(hi) || math.IsInf(d, 0) {
		d = float64(hi)
	}
	half := time.Duration(d / 2)
	if half <= 0 {
		return time.Duration(d)
	}
	return half + rand.N(half+1)
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if resp != nil && resp.StatusCode == http.StatusRequestTimeout {
		return true, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// RetryError is returned when a request still fails after all retries.
type RetryError struct {
	Attempts   int
	StatusCode int
	Err        error
}

func (e *RetryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("giving up after %d attempt(s): status %d", e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

func giveUp(resp *http.Response, err error, attempts int) (*http.Response, error) {
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
	}
	if err == nil {
		err = fmt.Errorf("unexpected status %d", status)
	}
	return nil, &RetryError{Attempts: attempts, StatusCode: status, Err: err}
}

// Attempts extracts the attempt count from an error returned by a client
// built with NewClient. It returns 1 when the error carries no count.
func Attempts(err error) int {
	var re *RetryError
	if errors.As(err, &re) {
		return re.Attempts
	}
	return 1
}

// StatusCode extracts the final HTTP status from a RetryError, or 0.
func StatusCode(err error) int {
	var re *RetryError
	if errors.As(err, &re) {
		return re.StatusCode
	}
	return 0
}

type rateLimitedTransport struct {
	next    http.RoundTripper
	limiter *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.next.RoundTrip(req)
}

type userAgentTransport struct {
	next http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", UserAgent)
	}
	return t.next.RoundTrip(req)
}
