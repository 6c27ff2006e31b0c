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
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// attemptTimeoutError is returned when one attempt sees neither headers nor
// body bytes for the configured timeout.
type attemptTimeoutError struct {
	url     string
	timeout time.Duration
	phase   string
}

func (e *attemptTimeoutError) Error() string {
	return fmt.Sprintf("%s: no %s for %s", e.url, e.phase, e.timeout)
}

func (e *attemptTimeoutError) Timeout() bool   { return true }
func (e *attemptTimeoutError) Temporary() bool { return true }

// attemptTimeoutTransport bounds a single attempt. The clock starts with the
// request and restarts on every body read, so only a stall trips it.
type attemptTimeoutTransport struct {
	next    http.RoundTripper
	timeout time.Duration
}

func (t *attemptTimeoutTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	var fired atomic.Bool
	timer := time.AfterFunc(t.timeout, func() {
		fired.Store(true)
		cancel()
	})

	resp, err := t.next.RoundTrip(req.WithContext(ctx))
	if err != nil {
		timer.Stop()
		cancel()
		if fired.Load() {
			return nil, &attemptTimeoutError{url: req.URL.Redacted(), timeout: t.timeout, phase: "response"}
		}
		return nil, err
	}
	if resp.Body == nil || resp.Body == http.NoBody {
		timer.Stop()
		cancel()
		return resp, nil
	}
	resp.Body = &idleBody{
		body:    resp.Body,
		timer:   timer,
		cancel:  cancel,
		fired:   &fired,
		timeout: t.timeout,
		url:     req.URL.Redacted(),
	}
	return resp, nil
}

type idleBody struct {
	body    io.ReadCloser
	timer   *time.Timer
	cancel  context.CancelFunc
	fired   *atomic.Bool
	timeout time.Duration
	url     string
}

func (b *idleBody) Read(p []byte) (int, error) {
	if b.fired.Load() {
		return 0, b.err()
	}
	b.timer.Reset(b.timeout)
	n, err := b.body.Read(p)
	if err != nil && b.fired.Load() {
		return n, b.err()
	}
	if err == io.EOF {
		b.timer.Stop()
	}
	return n, err
}

func (b *idleBody) err() error {
	return &attemptTimeoutError{url: b.url, timeout: b.timeout, phase: "body bytes"}
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	err := b.body.Close()
	b.cancel()
	return err
}
