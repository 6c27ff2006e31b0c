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

// Package install realizes a solved environment on disk.
//
// Artifacts are downloaded, verified against the hash their record declares
// and unpacked into a content-addressed package cache, one directory per
// artifact. Packages are then hardlinked (or copied) from the cache into the
// target prefix, and each linked package is recorded under
// <prefix>/conda-meta. Installing into a prefix that already holds some of
// the packages only touches what differs.
package install

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"chainguard.dev/cpm/pkg/conda/repodata"
	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/fetch"
)

// Installer links solutions into prefixes. It is safe for concurrent use,
// though two installs into the same prefix at once are not.
type Installer struct {
	opts    *opts
	source  repodata.Source
	cache   *pkgCache
	flights *fetch.FlightCache[string, string]

	mu sync.Mutex
}

// New builds an Installer.
func New(options ...Option) (*Installer, error) {
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
		src = repodata.DefaultSource(client)
	}

	return &Installer{
		opts:    o,
		source:  src,
		cache:   &pkgCache{dir: filepath.Join(o.cacheDir, "pkgs")},
		flights: fetch.NewFlightCache[string, string](),
	}, nil
}

// PackageCacheDir returns the directory holding unpacked packages.
func (i *Installer) PackageCacheDir() string {
	return i.cache.dir
}

func (i *Installer) emit(e Event) {
	if i.opts.progress == nil {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.opts.progress(e)
}

type runStats struct {
	downloaded atomic.Int64
	unpacked   atomic.Int64
	hits       atomic.Int64
}

// plan is the difference between a prefix and a solution.
type plan struct {
	link      []*types.PackageRecord
	unlink    []*types.PrefixRecord
	unchanged []*types.PackageRecord
}

func diff(sol *types.Solution, installed map[string]*types.PrefixRecord) *plan {
	p := &plan{}
	want := map[string]bool{}
	for _, rec := range sol.Installable() {
		want[rec.Name] = true
		pr, ok := installed[rec.Name]
		switch {
		case !ok:
			p.link = append(p.link, rec)
		case sameArtifact(pr, rec):
			p.unchanged = append(p.unchanged, rec)
		default:
			p.unlink = append(p.unlink, pr)
			p.link = append(p.link, rec)
		}
	}
	for name, pr := range installed {
		if !want[name] {
			p.unlink = append(p.unlink, pr)
		}
	}
	sort.Slice(p.unlink, func(a, b int) bool { return p.unlink[a].Name < p.unlink[b].Name })
	return p
}

// Install makes prefix hold exactly the packages of sol. Every artifact is
// downloaded and verified before the prefix is touched. If linking fails,
// the files linked by this call are removed again.
func (i *Installer) Install(ctx context.Context, sol *types.Solution, prefix string) (*InstallReport, error) {
	log := clog.FromContext(ctx)
	ctx, span := otel.Tracer("cpm").Start(ctx, "Install")
	defer span.End()

	if err := types.Cancelled(ctx, "install"); err != nil {
		return nil, err
	}
	prefix, err := filepath.Abs(prefix)
	if err != nil {
		return nil, err
	}

	installed, err := ReadPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	p := diff(sol, installed)
	span.SetAttributes(
		attribute.Int("link", len(p.link)),
		attribute.Int("unlink", len(p.unlink)),
		attribute.Int("unchanged", len(p.unchanged)),
	)

	report := &InstallReport{Prefix: prefix}
	for _, rec := range p.unchanged {
		report.Unchanged = append(report.Unchanged, newEntry(rec))
	}
	if len(p.link) == 0 && len(p.unlink) == 0 {
		log.Infof("%s is up to date", prefix)
		return report, nil
	}

	var st runStats
	dirs, err := i.fetchAll(ctx, p.link, &st)
	report.Downloaded, report.Unpacked, report.CacheHits = int(st.downloaded.Load()), int(st.unpacked.Load()), int(st.hits.Load())
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Join(prefix, MetaDir), 0o755); err != nil {
		return nil, fsError("", "mkdir", filepath.Join(prefix, MetaDir), err)
	}

	for _, pr := range p.unlink {
		log.Debugf("unlinking %s", pr.DistName())
		if err := unlink(prefix, pr); err != nil {
			return nil, err
		}
		i.emit(Event{Kind: PackageRemoved, Package: pr.Name})
		report.Removed = append(report.Removed, newEntry(&pr.PackageRecord))
	}

	rb := &rollback{}
	l := &linker{prefix: prefix, mode: i.opts.linkMode, py: newPythonLayout(sol), rb: rb}
	for idx, rec := range p.link {
		if err := i.linkOne(ctx, l, rec, dirs[idx]); err != nil {
			rb.undo(ctx, prefix)
			return nil, types.WrapCancelled(ctx, "install", err)
		}
		report.Installed = append(report.Installed, newEntry(rec))
	}

	log.Infof("installed %d, removed %d, unchanged %d packages in %s", len(report.Installed), len(report.Removed), len(report.Unchanged), prefix)
	return report, nil
}

// fetchAll makes sure every record is unpacked in the package cache and
// returns the directories in the order of recs.
func (i *Installer) fetchAll(ctx context.Context, recs []*types.PackageRecord, st *runStats) ([]string, error) {
	dirs := make([]string, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.opts.concurrency)
	for idx, rec := range recs {
		g.Go(func() error {
			if err := types.Cancelled(gctx, "install"); err != nil {
				return err
			}
			i.emit(Event{Kind: PackageStarted, Package: rec.Name})
			dir, err := i.cached(gctx, rec, st)
			if err != nil {
				return err
			}
			dirs[idx] = dir
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, types.WrapCancelled(ctx, "install", err)
	}
	return dirs, nil
}

func (i *Installer) linkOne(ctx context.Context, l *linker, rec *types.PackageRecord, dir string) error {
	if err := types.Cancelled(ctx, "link "+rec.DistName()); err != nil {
		return err
	}
	info, err := readPkgInfo(dir, i.opts.maxMetadataSize)
	if err != nil {
		return fmt.Errorf("%s: %w", rec.DistName(), err)
	}
	pr, err := l.link(ctx, rec, dir, info)
	if err != nil {
		return err
	}
	i.emit(Event{Kind: PackageLinked, Package: rec.Name})
	meta, err := writeRecord(l.prefix, pr)
	if err != nil {
		return err
	}
	l.rb.add(meta)
	i.emit(Event{Kind: PackageFinished, Package: rec.Name})
	return nil
}
