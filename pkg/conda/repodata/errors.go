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

package repodata

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a Source when the key does not exist.
	ErrNotFound = errors.New("not found")
	// ErrOffline is wrapped by a NetworkError when a fetch needs the network
	// but the provider is offline.
	ErrOffline = errors.New("offline and not cached")
)

// NetworkError reports a fetch that failed after retries were exhausted, or
// one that could not be attempted at all.
type NetworkError struct {
	URL string
	// StatusCode is the last HTTP status seen, or 0 when no response arrived.
	StatusCode int
	Attempts   int
	Err        error
}

func (e *NetworkError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetching %s: status %d after %d attempt(s): %v", e.URL, e.StatusCode, e.Attempts, e.Err)
	case e.Attempts > 0:
		return fmt.Sprintf("fetching %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("fetching %s: %v", e.URL, e.Err)
	}
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// CacheCorruptionError describes an unusable cache entry. The provider logs
// it and refetches; it never reaches callers of Fetch.
type CacheCorruptionError struct {
	URL  string
	Path string
	Err  error
}

func (e *CacheCorruptionError) Error() string {
	return fmt.Sprintf("corrupt cache entry %s for %s: %v", e.Path, e.URL, e.Err)
}

func (e *CacheCorruptionError) Unwrap() error {
	return e.Err
}
