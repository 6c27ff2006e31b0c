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

// Package limitio caps how many bytes may be read from a stream, so that a
// hostile index or archive can't exhaust memory or disk.
package limitio

import (
	"fmt"
	"io"
)

// Unlimited disables the limit.
const Unlimited = -1

// SizeLimitExceededError is returned once a reader goes past its limit.
type SizeLimitExceededError struct {
	// What names the stream, e.g. "repodata.json" or "info/paths.json".
	What  string
	Limit int64
}

func (e *SizeLimitExceededError) Error() string {
	if e.What == "" {
		return fmt.Sprintf("size limit exceeded: limit is %d bytes", e.Limit)
	}
	return fmt.Sprintf("%s: size limit exceeded: limit is %d bytes", e.What, e.Limit)
}

// Reader fails with a SizeLimitExceededError instead of stopping quietly at
// the limit the way io.LimitedReader does.
type Reader struct {
	r      io.Reader
	what   string
	limit  int64
	remain int64
	err    error
}

// NewReader limits r to limit bytes. A limit of Unlimited returns r as is;
// zero selects def.
func NewReader(r io.Reader, what string, limit, def int64) io.Reader {
	if limit == 0 {
		limit = def
	}
	if limit < 0 {
		return r
	}
	return &Reader{r: r, what: what, limit: limit, remain: limit}
}

func (l *Reader) Read(p []byte) (int, error) {
	if l.err != nil {
		return 0, l.err
	}
	if l.remain <= 0 {
		// Probe for one more byte to tell "exactly at the limit" from "over".
		var one [1]byte
		n, err := l.r.Read(one[:])
		if n > 0 {
			l.err = &SizeLimitExceededError{What: l.what, Limit: l.limit}
			return 0, l.err
		}
		if err == nil {
			return 0, nil
		}
		return 0, err
	}
	if int64(len(p)) > l.remain {
		p = p[:l.remain]
	}
	n, err := l.r.Read(p)
	l.remain -= int64(n)
	return n, err
}

// ReadCloser is NewReader for an io.ReadCloser.
func ReadCloser(rc io.ReadCloser, what string, limit, def int64) io.ReadCloser {
	return struct {
		io.Reader
		io.Closer
	}{NewReader(rc, what, limit, def), rc}
}
