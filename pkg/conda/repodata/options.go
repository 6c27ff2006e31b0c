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
	"fmt"
	"net/http"
	"time"

	"chainguard.dev/cpm/pkg/fetch"
)

// DefaultMaxIndexSize caps a decompressed index. conda-forge's largest
// subdirs are a few hundred megabytes.
const DefaultMaxIndexSize int64 = 2 << 30

type opts struct {
	cacheDir      string
	httpClient    *http.Client
	clientOpts    []fetch.ClientOption
	source        Source
	concurrency   int
	offline       bool
	staleFallback bool
	maxAge        time.Duration
	maxIndexSize  int64
	lruSize       int
}

func defaultOpts() *opts {
	return &opts{
		cacheDir:     fetch.DefaultCacheDir(),
		concurrency:  8,
		maxIndexSize: DefaultMaxIndexSize,
		lruSize:      64,
	}
}

// Option configures a Provider.
type Option func(*opts) error

// WithCacheDir sets the cache root. Index entries live under <dir>/repodata.
func WithCacheDir(dir string) Option {
	return func(o *opts) error {
		if dir == "" {
			return fmt.Errorf("cache dir must not be empty")
		}
		o.cacheDir = dir
		return nil
	}
}

// WithHTTPClient sets the client used for http and https channels. It
// replaces the retrying client the provider would otherwise build, so the
// caller's client owns retry policy.
func WithHTTPClient(c *http.Client) Option {
	return func(o *opts) error {
		o.httpClient = c
		return nil
	}
}

// WithClientOptions tunes the default retrying client.
func WithClientOptions(co ...fetch.ClientOption) Option {
	return func(o *opts) error {
		o.clientOpts = append(o.clientOpts, co...)
		return nil
	}
}

// WithRateLimit caps outgoing index requests per second.
func WithRateLimit(perSecond float64) Option {
	return WithClientOptions(fetch.WithRateLimit(perSecond))
}

// WithSource serves every URL from src instead of HTTP and the local
// filesystem.
func WithSource(src Source) Option {
	return func(o *opts) error {
		o.source = src
		return nil
	}
}

// WithConcurrency bounds how many indexes are fetched at once.
func WithConcurrency(n int) Option {
	return func(o *opts) error {
		if n < 1 {
			return fmt.Errorf("concurrency must be at least 1, got %d", n)
		}
		o.concurrency = n
		return nil
	}
}

// WithOffline serves only from the cache.
func WithOffline(offline bool) Option {
	return func(o *opts) error {
		o.offline = offline
		return nil
	}
}

// WithStaleFallback serves a cached index, flagged Stale, when the network
// fails.
func WithStaleFallback(allow bool) Option {
	return func(o *opts) error {
		o.staleFallback = allow
		return nil
	}
}

// WithCacheMaxAge skips revalidation for entries younger than d. Zero always
// revalidates.
func WithCacheMaxAge(d time.Duration) Option {
	return func(o *opts) error {
		if d < 0 {
			return fmt.Errorf("max age must not be negative, got %s", d)
		}
		o.maxAge = d
		return nil
	}
}

// WithMaxIndexSize caps the decompressed size of an index. -1 disables the
// cap.
func WithMaxIndexSize(n int64) Option {
	return func(o *opts) error {
		o.maxIndexSize = n
		return nil
	}
}

// WithMemoryCacheSize sets how many parsed indexes are kept in memory.
func WithMemoryCacheSize(n int) Option {
	return func(o *opts) error {
		if n < 1 {
			return fmt.Errorf("memory cache size must be at least 1, got %d", n)
		}
		o.lruSize = n
		return nil
	}
}
