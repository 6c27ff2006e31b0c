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
	"errors"
	"fmt"
	"io"
	"net/http"
)

// rangeRetryTransport picks a GET body back up with a Range request when a
// read fails part way through.
type rangeRetryTransport struct {
	next http.RoundTripper
}

func (t *rangeRetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet || req.Header.Get("Range") != "" {
		return t.next.RoundTrip(req)
	}
	r := &rangeRetryReader{next: t.next, req: req}
	return r.reset(nil)
}

type rangeRetryReader struct {
	next http.RoundTripper
	req  *http.Request

	body     io.ReadCloser
	etag     string
	progress int64
}

func (r *rangeRetryReader) reset(oerr error) (*http.Response, error) {
	if r.body != nil {
		// The old body is being replaced; its close error is of no use.
		_ = r.body.Close()
	}

	req := r.req
	rangeHeader := fmt.Sprintf("bytes=%d-", r.progress)
	if r.progress != 0 {
		req = r.req.Clone(r.req.Context())
		req.Header.Set("Range", rangeHeader)
		if r.etag != "" {
			req.Header.Set("If-Range", r.etag)
		}
	}

	resp, err := r.next.RoundTrip(req)
	if err != nil {
		return resp, errors.Join(oerr, err)
	}
	if resp.Body == nil || resp.Body == http.NoBody || resp.Uncompressed {
		// A transparently decompressed body can't be resumed by byte offset.
		return resp, nil
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if r.progress == 0 {
			r.etag = resp.Header.Get("ETag")
			break
		}
		if etag := resp.Header.Get("ETag"); r.etag != "" && etag != r.etag {
			resp.Body.Close()
			return nil, fmt.Errorf("resuming %s: resource changed (etag %s, was %s): %w", req.URL.Redacted(), etag, r.etag, oerr)
		}
		// The server ignored the Range header; skip what was already read.
		if _, err := io.CopyN(io.Discard, resp.Body, r.progress); err != nil {
			resp.Body.Close()
			return nil, errors.Join(oerr, err)
		}
	case http.StatusPartialContent:
		if r.progress == 0 {
			return resp, nil
		}
	default:
		if r.progress == 0 {
			// Let callers see 304, 404 and friends untouched.
			return resp, nil
		}
		resp.Body.Close()
		return nil, fmt.Errorf("resuming %s (Range: %s): unexpected status code %d: %w", req.URL.Redacted(), rangeHeader, resp.StatusCode, oerr)
	}

	r.body = resp.Body
	resp.Body = r
	return resp, nil
}

func (r *rangeRetryReader) Read(p []byte) (n int, err error) {
	defer func() {
		r.progress += int64(n)
	}()

	// A failed Read is retried twice with a fresh Range request.
	for _, retry := range []bool{true, true, false} {
		n, err = r.body.Read(p)
		if err == nil || errors.Is(err, io.EOF) || !retry {
			break
		}
		if r.req.Context().Err() != nil {
			break
		}
		// Resume after any bytes this Read did deliver; the deferred add
		// accounts for them once.
		r.progress += int64(n)
		_, rerr := r.reset(err)
		r.progress -= int64(n)
		if rerr != nil {
			return n, errors.Join(rerr, err)
		}
		if n > 0 {
			return n, nil
		}
	}
	return n, err
}

func (r *rangeRetryReader) Close() error {
	if r.body == nil {
		return nil
	}
	return r.body.Close()
}
