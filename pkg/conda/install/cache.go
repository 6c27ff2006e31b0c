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
	"context"
	"crypto/md5" //nolint:gosec // conda indexes still publish md5 for older packages
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chainguard.dev/cpm/pkg/conda/repodata"
	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/fetch"
	"chainguard.dev/cpm/pkg/limitio"
)

// repodataRecord is written into every unpacked package so the cache can be
// inspected without the index.
const repodataRecord = "repodata_record.json"

// pkgCache is the content-addressed store of unpacked packages. Each package
// lives in <dir>/<digest>, where digest is the record's sha256 (or md5). A
// directory only appears there by rename once it is completely unpacked and
// verified.
type pkgCache struct {
	dir string
}

// key names the cache directory of rec. Records without a hash are keyed by
// URL, which can't detect a changed artifact.
func (c *pkgCache) key(rec *types.PackageRecord) string {
	if _, digest := rec.Hash(); digest != "" {
		return digest
	}
	sum := blake3.Sum256([]byte(rec.URL))
	return "url-" + hex.EncodeToString(sum[:16])
}

func (c *pkgCache) path(key string) string {
	return filepath.Join(c.dir, key)
}

func (c *pkgCache) has(key string) bool {
	fi, err := os.Stat(filepath.Join(c.path(key), "info", repodataRecord))
	return err == nil && fi.Mode().IsRegular()
}

// cached returns the unpacked directory of rec, downloading and unpacking it
// first when it is missing. Concurrent calls for one package share the work.
func (i *Installer) cached(ctx context.Context, rec *types.PackageRecord, st *runStats) (string, error) {
	key := i.cache.key(rec)
	for {
		dir, err := i.flights.Do(ctx, key, func() (string, error) {
			if i.cache.has(key) {
				st.hits.Add(1)
				clog.FromContext(ctx).Debugf("cache hit (%s)", rec.DistName())
				return i.cache.path(key), nil
			}
			return i.populate(ctx, rec, key, st)
		})
		if err == nil {
			// Something may have cleaned the cache since the flight finished.
			if !i.cache.has(key) {
				i.flights.Forget(key)
				continue
			}
			return dir, nil
		}
		// The flight we joined belonged to a caller that gave up; run our own.
		if errors.Is(err, types.ErrCancelled) && ctx.Err() == nil {
			continue
		}
		return "", types.WrapCancelled(ctx, "download "+rec.DistName(), err)
	}
}

func (i *Installer) populate(ctx context.Context, rec *types.PackageRecord, key string, st *runStats) (string, error) {
	format, err := artifactFormat(rec.FileName)
	if err != nil {
		if format, err = artifactFormat(rec.URL); err != nil {
			return "", fmt.Errorf("%s: %w", rec.DistName(), err)
		}
	}
	if err := os.MkdirAll(i.cache.dir, 0o755); err != nil {
		return "", fsError(rec.DistName(), "mkdir", i.cache.dir, err)
	}

	archive, err := i.fetchArtifact(ctx, rec, format)
	if err != nil {
		return "", err
	}
	defer os.Remove(archive)
	st.downloaded.Add(1)

	dir, err := i.unpack(ctx, rec, key, format, archive)
	if err != nil {
		return "", err
	}
	st.unpacked.Add(1)
	return dir, nil
}

// fetchArtifact downloads rec into a staging file and verifies its hash.
// The staging file is removed unless it is returned.
func (i *Installer) fetchArtifact(ctx context.Context, rec *types.PackageRecord, format string) (_ string, err error) {
	log := clog.FromContext(ctx)
	ctx, span := otel.Tracer("cpm").Start(ctx, "fetchArtifact", trace.WithAttributes(attribute.String("package", rec.DistName())))
	defer span.End()

	tmp, err := os.CreateTemp(i.cache.dir, ".tmp-*"+format)
	if err != nil {
		return "", fsError(rec.DistName(), "create", i.cache.dir, err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()
	defer tmp.Close()

	log.Debugf("fetching %s", rec.URL)
	resp, err := i.source.Fetch(ctx, repodata.Request{URL: rec.URL})
	if err != nil {
		return "", types.WrapCancelled(ctx, "download "+rec.DistName(), fmt.Errorf("downloading %s: %w", rec.DistName(), err))
	}
	defer resp.Body.Close()

	algo, want := rec.Hash()
	var h hash.Hash
	switch algo {
	case "sha256":
		h = sha256.New()
	case "md5":
		h = md5.New() //nolint:gosec // see import
	default:
		log.Warnf("%s declares no hash, it can't be verified", rec.DistName())
		h = sha256.New()
	}

	counter := &countingWriter{pkg: rec.Name, total: int64(rec.Size), emit: i.emit}
	body := limitio.NewReader(resp.Body, rec.FileName, i.opts.maxArtifactSize, DefaultMaxArtifactSize)
	n, err := io.Copy(io.MultiWriter(tmp, h, counter), body)
	if err != nil {
		return "", types.WrapCancelled(ctx, "download "+rec.DistName(), fmt.Errorf("downloading %s: %w", rec.DistName(), err))
	}
	if err := tmp.Close(); err != nil {
		return "", fsError(rec.DistName(), "write", tmp.Name(), err)
	}

	if rec.Size > 0 && uint64(n) != rec.Size {
		return "", &ChecksumMismatchError{
			Package:   rec.DistName(),
			URL:       rec.URL,
			Algorithm: "size",
			Expected:  fmt.Sprint(rec.Size),
			Actual:    fmt.Sprint(n),
		}
	}
	if got := hex.EncodeToString(h.Sum(nil)); want != "" && got != want {
		return "", &ChecksumMismatchError{
			Package:   rec.DistName(),
			URL:       rec.URL,
			Algorithm: algo,
			Expected:  want,
			Actual:    got,
		}
	}
	i.emit(Event{Kind: PackageVerified, Package: rec.Name})
	return tmp.Name(), nil
}

// unpack extracts a verified artifact into a staging directory, checks its
// metadata and renames it into the cache.
func (i *Installer) unpack(ctx context.Context, rec *types.PackageRecord, key, format, archive string) (_ string, err error) {
	ctx, span := otel.Tracer("cpm").Start(ctx, "unpack", trace.WithAttributes(attribute.String("package", rec.DistName())))
	defer span.End()

	stage, err := os.MkdirTemp(i.cache.dir, ".tmp-*")
	if err != nil {
		return "", fsError(rec.DistName(), "mkdir", i.cache.dir, err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(stage)
		}
	}()

	if err := extractArtifact(ctx, archive, format, stage, i.opts.maxUnpackedSize); err != nil {
		return "", types.WrapCancelled(ctx, "unpack "+rec.DistName(), fmt.Errorf("unpacking %s: %w", rec.DistName(), err))
	}
	if err := checkIndex(stage, rec, i.opts.maxMetadataSize); err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", err
	}
	rr := filepath.Join(stage, "info", repodataRecord)
	if err := fetch.WriteBytesAtomic(rr, 0o644, b); err != nil {
		return "", fsError(rec.DistName(), "write", rr, err)
	}

	dst := i.cache.path(key)
	if err := os.Rename(stage, dst); err != nil {
		// Another process finished the same package first.
		if i.cache.has(key) {
			_ = os.RemoveAll(stage)
			return dst, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", fsError(rec.DistName(), "rename", dst, err)
		}
		// A leftover without a record is incomplete; replace it.
		if err := os.RemoveAll(dst); err != nil {
			return "", fsError(rec.DistName(), "remove", dst, err)
		}
		if err := os.Rename(stage, dst); err != nil {
			return "", fsError(rec.DistName(), "rename", dst, err)
		}
	}
	i.emit(Event{Kind: PackageUnpacked, Package: rec.Name})
	return dst, nil
}
