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

package types

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RepoDataInfo is the "info" block of an index.
type RepoDataInfo struct {
	Subdir  string `json:"subdir,omitempty"`
	BaseURL string `json:"base_url,omitempty"`
}

// RepoData holds the records of one channel subdirectory. It is never
// modified after the provider returns it; a refresh produces a new value.
type RepoData struct {
	// URL is the subdirectory URL the index was fetched from.
	URL string
	// Channel is the canonical name of the channel.
	Channel string
	// Subdir is the platform subdirectory, e.g. linux-64.
	Subdir string
	// Priority orders channels: 0 is the most preferred.
	Priority int

	Info          RepoDataInfo
	FormatVersion int
	Records       []*PackageRecord
	Removed       []string

	ETag         string
	LastModified string
	// FetchedAt is when the payload was last downloaded in full.
	FetchedAt time.Time
	// Stale is set when the index was served from cache because the
	// network could not be reached.
	Stale bool
}

// Solution is the outcome of a successful solve: one record per package name,
// in install order (dependencies before dependents).
type Solution struct {
	Records []*PackageRecord
}

// Get returns the record chosen for name.
func (s *Solution) Get(name string) (*PackageRecord, bool) {
	for _, r := range s.Records {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// Names returns the chosen package names in install order.
func (s *Solution) Names() []string {
	names := make([]string, 0, len(s.Records))
	for _, r := range s.Records {
		names = append(names, r.Name)
	}
	return names
}

// Installable returns the records that refer to downloadable artifacts,
// skipping virtual packages.
func (s *Solution) Installable() []*PackageRecord {
	var out []*PackageRecord
	for _, r := range s.Records {
		if !r.IsVirtual() {
			out = append(out, r)
		}
	}
	return out
}

// CancelledError reports that an operation stopped because its context was
// cancelled. It matches context.Canceled and context.DeadlineExceeded through
// errors.Is via Unwrap.
type CancelledError struct {
	Op  string
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("%s: cancelled: %v", e.Op, e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}

func (e *CancelledError) Is(target error) bool {
	_, ok := target.(*CancelledError)
	return ok
}

// ErrCancelled can be used with errors.Is to test for a CancelledError.
var ErrCancelled error = &CancelledError{}

// Cancelled returns a CancelledError when ctx is done, else nil.
func Cancelled(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return &CancelledError{Op: op, Err: err}
	}
	return nil
}

// WrapCancelled replaces err with a CancelledError when it was caused by ctx
// being done. Other errors are returned unchanged.
func WrapCancelled(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCancelled) {
		return err
	}
	if ctx.Err() != nil {
		return &CancelledError{Op: op, Err: errors.Join(ctx.Err(), err)}
	}
	return err
}
