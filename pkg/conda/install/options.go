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

package install

import (
	"fmt"
	"net/http"
	"strings"

	"chainguard.dev/cpm/pkg/conda/repodata"
	"chainguard.dev/cpm/pkg/fetch"
)

const (
	// DefaultMaxArtifactSize caps a downloaded artifact.
	DefaultMaxArtifactSize int64 = 4 << 30
	// DefaultMaxUnpackedSize caps the decompressed contents of one tarball
	// inside an artifact.
	DefaultMaxUnpackedSize int64 = 16 << 30
	// DefaultMaxMetadataSize caps each info/*.json file read from an
	// artifact.
	DefaultMaxMetadataSize int64 = 64 << 20
)

// LinkMode selects how files get from the package cache into a prefix.
type LinkMode int

const (
	// LinkHardlink hardlinks files, falling back to a copy when the cache
	// and the prefix are on different filesystems.
	LinkHardlink LinkMode = iota
	// LinkCopy always copies.
	LinkCopy
)

func (m LinkMode) String() string {
	switch m {
	case LinkHardlink:
		return "hardlink"
	case LinkCopy:
		return "copy"
	default:
		return fmt.Sprintf("LinkMode(%d)", int(m))
	}
}

// ParseLinkMode parses "hardlink" or "copy". The empty string is hardlink.
func ParseLinkMode(s string) (LinkMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hardlink":
		return LinkHardlink, nil
	case "copy":
		return LinkCopy, nil
	default:
		return 0, fmt.Errorf("unknown link mode %q (want hardlink or copy)", s)
	}
}

type opts struct {
	cacheDir        string
	httpClient      *http.Client
	clientOpts      []fetch.ClientOption
	source          repodata.Source
	concurrency     int
	linkMode        LinkMode
	progress        func(Event)
	maxArtifactSize int64
	maxUnpackedSize int64
	maxMetadataSize int64
}

func defaultOpts() *opts {
	return &opts{
		cacheDir:        fetch.DefaultCacheDir(),
		concurrency:     4,
		linkMode:        LinkHardlink,
		maxArtifactSize: DefaultMaxArtifactSize,
		maxUnpackedSize: DefaultMaxUnpackedSize,
		maxMetadataSize: DefaultMaxMetadataSize,
	}
}

// Option configures an Installer.
type Option func(*opts) error

// WithCacheDir sets the cache root. Unpacked packages live under <dir>/pkgs.
func WithCacheDir(dir string) Option {
	return func(o *opts) error {
		if dir == "" {
			return fmt.Errorf("cache dir must not be empty")
		}
		o.cacheDir = dir
		return nil
	}
}

// WithHTTPClient sets the client used to download artifacts over http and
// https.
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

// WithSource serves every artifact URL from src.
func WithSource(src repodata.Source) Option {
	return func(o *opts) error {
		o.source = src
		return nil
	}
}

// WithConcurrency bounds how many packages are downloaded and unpacked at
// once.
func WithConcurrency(n int) Option {
	return func(o *opts) error {
		if n < 1 {
			return fmt.Errorf("concurrency must be at least 1, got %d", n)
		}
		o.concurrency = n
		return nil
	}
}

// WithLinkMode sets how files are placed into the prefix.
func WithLinkMode(m LinkMode) Option {
	return func(o *opts) error {
		if m != LinkHardlink && m != LinkCopy {
			return fmt.Errorf("unknown link mode %d", int(m))
		}
		o.linkMode = m
		return nil
	}
}

// WithProgress receives progress events. Calls are serialized.
func WithProgress(fn func(Event)) Option {
	return func(o *opts) error {
		o.progress = fn
		return nil
	}
}

// WithMaxArtifactSize caps the size of a downloaded artifact. -1 disables
// the cap.
func WithMaxArtifactSize(n int64) Option {
	return func(o *opts) error {
		o.maxArtifactSize = n
		return nil
	}
}

// WithMaxUnpackedSize caps the decompressed size of each tarball in an
// artifact. -1 disables the cap.
func WithMaxUnpackedSize(n int64) Option {
	return func(o *opts) error {
		o.maxUnpackedSize = n
		return nil
	}
}
