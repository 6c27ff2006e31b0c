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

// Package repodata fetches and caches conda channel indexes.
//
// A Provider keeps one cache entry per subdirectory URL: the decompressed
// repodata.json plus a small state file holding the ETag, Last-Modified and a
// BLAKE3 digest of the payload. Entries are revalidated with conditional
// requests, written atomically, and refetched in full when they fail to
// verify. Parsed indexes are kept in memory keyed by URL and ETag, so a
// revalidated index is returned as the same *types.RepoData.
package repodata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"chainguard.dev/cpm/pkg/conda/channel"
	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/fetch"
	"chainguard.dev/cpm/pkg/limitio"
)

type memKey struct {
	url   string
	token string
}

// Provider fetches channel indexes. It is safe for concurrent use.
type Provider struct {
	cache  *diskCache
	source Source
	sem    *semaphore.Weighted
	flight singleflight.Group
	mem    *lru.Cache[memKey, *types.RepoData]

	offline       bool
	staleFallback bool
	maxAge        time.Duration
	maxIndexSize  int64

	now func() time.Time
}

// New builds a Provider.
func New(options ...Option) (*Provider, error) {
	o := defaultOpts()
	for _, opt := range options {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	src := o.source
	if src == nil {
		client := o.httpClient
		if client == nil {
			var err error
			if client, err = fetch.NewClient(o.clientOpts...); err != nil {
				return nil, err
			}
		}
		src = DefaultSource(client)
	}

	mem, err := lru.New[memKey, *types.RepoData](o.lruSize)
	if err != nil {
		return nil, err
	}

	return &Provider{
		cache:         newDiskCache(o.cacheDir),
		source:        src,
		sem:           semaphore.NewWeighted(int64(o.concurrency)),
		mem:           mem,
		offline:       o.offline,
		staleFallback: o.staleFallback,
		maxAge:        o.maxAge,
		maxIndexSize:  o.maxIndexSize,
		now:           time.Now,
	}, nil
}

// CacheDir returns the directory holding index cache entries.
func (p *Provider) CacheDir() string {
	return p.cache.dir
}

func normalizeURL(u string) string {
	return strings.TrimSuffix(strings.TrimSpace(u), "/")
}

// Fetch returns the index of the channel subdirectory at indexURL, e.g.
// https://conda.anaconda.org/conda-forge/linux-64/. Concurrent calls for the
// same URL share one fetch.
func (p *Provider) Fetch(ctx context.Context, indexURL string) (*types.RepoData, error) {
	ctx, span := otel.Tracer("cpm").Start(ctx, "Provider.Fetch")
	defer span.End()

	u := normalizeURL(indexURL) + "/"
	span.SetAttributes(attribute.String("url", redact(u)))

	for {
		ch := p.flight.DoChan(u, func() (any, error) {
			return p.fetch(ctx, u)
		})
		select {
		case <-ctx.Done():
			return nil, types.Cancelled(ctx, "fetch "+redact(u))
		case res := <-ch:
			if res.Err != nil {
				// We joined a flight whose owner gave up; run our own.
				if res.Shared && errors.Is(res.Err, types.ErrCancelled) && ctx.Err() == nil {
					continue
				}
				return nil, res.Err
			}
			return res.Val.(*types.RepoData), nil
		}
	}
}

// FetchSubdirs fetches every subdirectory in parallel. The results are in
// the order of subdirs and carry each subdir's channel priority. A platform
// subdirectory the channel doesn't publish yields an empty index.
func (p *Provider) FetchSubdirs(ctx context.Context, subdirs []channel.Subdir) ([]*types.RepoData, error) {
	ctx, span := otel.Tracer("cpm").Start(ctx, "Provider.FetchSubdirs")
	defer span.End()

	out := make([]*types.RepoData, len(subdirs))
	g, gctx := errgroup.WithContext(ctx)
	for i, sd := range subdirs {
		g.Go(func() error {
			rd, err := p.Fetch(gctx, sd.URL())
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					return err
				}
				clog.FromContext(gctx).Warnf("%s is not published, treating it as empty", redact(sd.URL()))
				rd = &types.RepoData{URL: sd.URL(), Subdir: string(sd.Platform)}
			}
			cp := *rd
			cp.Priority = sd.Priority
			cp.Channel = sd.Channel.CanonicalName()
			out[i] = &cp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, types.WrapCancelled(ctx, "fetch indexes", err)
	}
	return out, nil
}

func (p *Provider) fetch(ctx context.Context, u string) (*types.RepoData, error) {
	log := clog.FromContext(ctx).With("url", redact(u))

	st, err := p.cache.loadState(u)
	if err != nil {
		p.discard(ctx, u, err)
		st = nil
	}

	if st != nil && (p.offline || (p.maxAge > 0 && p.now().Sub(st.fetchedAt()) < p.maxAge)) {
		rd, err := p.loadCached(ctx, u, st)
		if err == nil {
			return rd, nil
		}
		p.discard(ctx, u, err)
		st = nil
	}
	if p.offline {
		return nil, &NetworkError{URL: redact(u), Err: ErrOffline}
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, types.Cancelled(ctx, "fetch "+redact(u))
	}
	defer p.sem.Release(1)

	rd, err := p.download(ctx, u, st)
	if err == nil {
		return rd, nil
	}
	if ctx.Err() != nil {
		return nil, types.WrapCancelled(ctx, "fetch "+redact(u), err)
	}
	if st != nil && p.staleFallback && !errors.Is(err, ErrNotFound) {
		cached, cerr := p.loadCached(ctx, u, st)
		if cerr == nil {
			log.Warnf("serving cached index from %s: %v", st.fetchedAt().Format(time.RFC3339), err)
			stale := *cached
			stale.Stale = true
			return &stale, nil
		}
		p.discard(ctx, u, cerr)
	}
	return nil, err
}

// download tries each index variant in turn, starting with the one that
// served the cached entry. Only that variant is requested conditionally.
func (p *Provider) download(ctx context.Context, u string, st *entryState) (*types.RepoData, error) {
	log := clog.FromContext(ctx)

	order := variants
	if st != nil && slices.Contains(variants, st.Variant) {
		order = append([]string{st.Variant}, slices.DeleteFunc(slices.Clone(variants), func(v string) bool { return v == st.Variant })...)
	}

	var lastErr error
	for _, v := range order {
		req := Request{URL: u + v}
		if st != nil && v == st.Variant {
			req.ETag, req.LastModified = st.ETag, st.LastModified
		}
		resp, err := p.source.Fetch(ctx, req)
		if errors.Is(err, ErrNotFound) {
			log.Debugf("%s: not found, trying the next variant", redact(req.URL))
			lastErr = err
			continue
		}
		if err != nil {
			return nil, err
		}

		if resp.NotModified {
			if st == nil {
				return nil, fmt.Errorf("%s: not modified, but nothing is cached", redact(req.URL))
			}
			rd, err := p.loadCached(ctx, u, st)
			if err != nil {
				p.discard(ctx, u, err)
				return p.download(ctx, u, nil)
			}
			log.Debugf("%s: not modified", redact(req.URL))
			st.FetchedAt = p.now().UnixNano()
			if err := p.cache.storeState(u, st); err != nil {
				log.Warnf("updating cache state for %s: %v", redact(u), err)
			}
			return rd, nil
		}
		return p.store(ctx, u, v, resp)
	}
	return nil, &NetworkError{URL: redact(u), StatusCode: http.StatusNotFound, Attempts: 1, Err: lastErr}
}

// store streams a full response into the cache and parses it on the way.
func (p *Provider) store(ctx context.Context, u, variant string, resp *Response) (*types.RepoData, error) {
	ctx, span := otel.Tracer("cpm").Start(ctx, "Provider.store")
	defer span.End()
	defer resp.Body.Close()

	body, closeFn, err := decompress(variant, resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decompressing %s: %w", redact(u+variant), err)
	}
	defer closeFn()

	var doc *repoDataDoc
	digest, size, err := p.cache.storePayload(u, limitio.NewReader(body, variant, p.maxIndexSize, DefaultMaxIndexSize), func(r io.Reader) error {
		var err error
		doc, err = decodeDoc(r)
		return err
	})
	if err != nil {
		return nil, types.WrapCancelled(ctx, "fetch "+redact(u), fmt.Errorf("reading %s: %w", redact(u+variant), err))
	}

	st := &entryState{
		ETag:         resp.ETag,
		LastModified: resp.LastModified,
		Variant:      variant,
		FetchedAt:    p.now().UnixNano(),
		Size:         size,
		Digest:       digest,
	}
	if err := p.cache.storeState(u, st); err != nil {
		return nil, fmt.Errorf("writing cache state for %s: %w", redact(u), err)
	}

	rd := buildRepoData(ctx, u, doc)
	rd.ETag, rd.LastModified, rd.FetchedAt = st.ETag, st.LastModified, st.fetchedAt()
	p.mem.Add(memKey{url: u, token: st.token()}, rd)
	clog.FromContext(ctx).Debugf("fetched %s: %d records, %d bytes", redact(u+variant), len(rd.Records), size)
	return rd, nil
}

// loadCached returns the parsed index for a cache entry, from memory when
// possible.
func (p *Provider) loadCached(ctx context.Context, u string, st *entryState) (*types.RepoData, error) {
	key := memKey{url: u, token: st.token()}
	if rd, ok := p.mem.Get(key); ok {
		return rd, nil
	}

	f, err := p.cache.openPayload(u, st)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	doc, err := decodeDoc(f)
	if err != nil {
		var cc *CacheCorruptionError
		if errors.As(err, &cc) {
			return nil, cc
		}
		return nil, &CacheCorruptionError{URL: u, Path: p.cache.payloadPath(u), Err: err}
	}

	rd := buildRepoData(ctx, u, doc)
	rd.ETag, rd.LastModified, rd.FetchedAt = st.ETag, st.LastModified, st.fetchedAt()
	p.mem.Add(key, rd)
	return rd, nil
}

// discard logs why a cache entry is unusable and removes it.
func (p *Provider) discard(ctx context.Context, u string, err error) {
	clog.FromContext(ctx).Warnf("discarding cache entry: %v", err)
	if rerr := p.cache.remove(u); rerr != nil {
		clog.FromContext(ctx).Warnf("removing cache entry for %s: %v", redact(u), rerr)
	}
}
