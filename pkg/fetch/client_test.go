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

package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastClient(t *testing.T, opts ...ClientOption) *http.Client {
	t.Helper()
	c, err := NewClient(append([]ClientOption{WithRetryWait(time.Millisecond, 2*time.Millisecond)}, opts...)...)
	require.NoError(t, err)
	return c
}

func TestRetryTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	resp, err := fastClient(t, WithRetries(4)).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(b))
	require.EqualValues(t, 4, hits.Load())
}

func TestRetryGivesUp(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := fastClient(t, WithRetries(2)).Get(srv.URL)
	require.Error(t, err)
	var re *RetryError
	require.ErrorAs(t, err, &re)
	require.Equal(t, 3, re.Attempts)
	require.Equal(t, http.StatusBadGateway, re.StatusCode)
	require.Equal(t, 3, Attempts(err))
	require.Equal(t, http.StatusBadGateway, StatusCode(err))
	require.EqualValues(t, 3, hits.Load())
}

func TestNoRetryOnClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	resp, err := fastClient(t).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.EqualValues(t, 1, hits.Load())
}

func TestCancelledDuringBackoff(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(WithRetryWait(time.Second, time.Second))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = c.Do(req)
	require.Error(t, err)
	require.True(t, errors.Is(err, context.DeadlineExceeded), "%v", err)
}

func TestBackoff(t *testing.T) {
	lo, hi := 100*time.Millisecond, time.Second
	for attempt := 0; attempt < 8; attempt++ {
		for range 20 {
			d := Backoff(lo, hi, attempt, nil)
			require.LessOrEqual(t, d, hi)
			require.GreaterOrEqual(t, d, lo/2)
		}
	}

	resp := &http.Response{StatusCode: http.StatusTooManyRequests, Header: http.Header{"Retry-After": []string{"3"}}}
	require.Equal(t, time.Second, Backoff(lo, hi, 0, resp))
	resp.Header.Set("Retry-After", "0")
	require.Equal(t, time.Duration(0), Backoff(lo, hi, 0, resp))
}

func TestOptionValidation(t *testing.T) {
	_, err := NewClient(WithRetries(-1))
	require.Error(t, err)
	_, err = NewClient(WithRetryWait(time.Second, time.Millisecond))
	require.Error(t, err)
	_, err = NewClient(WithRateLimit(-1))
	require.Error(t, err)
	_, err = NewClient(WithTimeout(-time.Second))
	require.Error(t, err)
}

func TestUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	resp, err := fastClient(t).Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, UserAgent, got)
}

// flakyBody yields failAfter bytes and then breaks.
type flakyBody struct {
	r         io.Reader
	failAfter int
	read      int
}

func (f *flakyBody) Read(p []byte) (int, error) {
	if f.read >= f.failAfter {
		return 0, errors.New("connection reset by peer")
	}
	if len(p) > f.failAfter-f.read {
		p = p[:f.failAfter-f.read]
	}
	n, err := f.r.Read(p)
	f.read += n
	return n, err
}

func (f *flakyBody) Close() error { return nil }

type rangeServer struct {
	payload string
	ranges  []string
}

func (s *rangeServer) RoundTrip(req *http.Request) (*http.Response, error) {
	rng := req.Header.Get("Range")
	s.ranges = append(s.ranges, rng)
	if rng == "" {
		return &http.Response{
			StatusCode:    http.StatusOK,
			Header:        http.Header{"Etag": []string{`"v1"`}},
			Body:          &flakyBody{r: strings.NewReader(s.payload), failAfter: 5},
			ContentLength: int64(len(s.payload)),
			Request:       req,
		}, nil
	}
	start, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
	if err != nil {
		return nil, err
	}
	return &http.Response{
		StatusCode: http.StatusPartialContent,
		Header:     http.Header{"Etag": []string{`"v1"`}},
		Body:       io.NopCloser(strings.NewReader(s.payload[start:])),
		Request:    req,
	}, nil
}

func TestRangeResume(t *testing.T) {
	rs := &rangeServer{payload: "hello, range resumption"}
	c, err := NewClient(WithTransport(rs), WithRetries(0))
	require.NoError(t, err)

	resp, err := c.Get("http://example.test/pkg")
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, rs.payload, string(b))
	require.Equal(t, []string{"", "bytes=5-"}, rs.ranges)
}

func TestRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	c := fastClient(t, WithRateLimit(20))
	start := time.Now()
	for range 3 {
		resp, err := c.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	// A burst of one: the second and third requests each wait ~50ms.
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestStalledBodyTimesOut(t *testing.T) {
	stop := make(chan struct{})
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-stop:
		}
	}))
	defer srv.Close()
	defer close(stop)

	resp, err := fastClient(t, WithTimeout(200*time.Millisecond), WithRetries(1)).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(resp.Body)
		done <- err
	}()
	select {
	case err := <-done:
		require.Error(t, err)
		var te interface{ Timeout() bool }
		require.ErrorAs(t, err, &te)
		require.True(t, te.Timeout())
	case <-time.After(5 * time.Second):
		t.Fatal("reading a stalled body did not time out")
	}
	// The stall is resumed with fresh attempts before giving up.
	require.Greater(t, hits.Load(), int32(1))
}

func TestSlowBodyWithinTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		for range 6 {
			_, _ = w.Write([]byte("chunk;"))
			w.(http.Flusher).Flush()
			time.Sleep(60 * time.Millisecond)
		}
	}))
	defer srv.Close()

	resp, err := fastClient(t, WithTimeout(200*time.Millisecond), WithRetries(0)).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("chunk;", 6), string(b))
}

func TestHeaderTimeoutRetried(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
			return
		}
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	start := time.Now()
	resp, err := fastClient(t, WithTimeout(100*time.Millisecond), WithRetries(2)).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, "ok", string(b))
	require.EqualValues(t, 2, hits.Load())
	require.Less(t, time.Since(start), 3*time.Second)
}
