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
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/fetch"
)

// MetaDir is the directory of a prefix holding one record per installed
// package.
const MetaDir = "conda-meta"

// ReadPrefix returns the packages recorded in prefix, keyed by name. A prefix
// that doesn't exist yet has no packages.
func ReadPrefix(ctx context.Context, prefix string) (map[string]*types.PrefixRecord, error) {
	dir := filepath.Join(prefix, MetaDir)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*types.PrefixRecord{}, nil
	}
	if err != nil {
		return nil, fsError("", "read", dir, err)
	}

	out := make(map[string]*types.PrefixRecord, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		p := filepath.Join(dir, e.Name())
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, fsError("", "read", p, err)
		}
		var pr types.PrefixRecord
		if err := json.Unmarshal(b, &pr); err != nil {
			clog.FromContext(ctx).Warnf("ignoring unreadable record %s: %v", p, err)
			continue
		}
		if prev, ok := out[pr.Name]; ok {
			return nil, fmt.Errorf("%s records %s twice: %s and %s", prefix, pr.Name, prev.MetaFileName(), pr.MetaFileName())
		}
		out[pr.Name] = &pr
	}
	return out, nil
}

func writeRecord(prefix string, pr *types.PrefixRecord) (string, error) {
	b, err := json.MarshalIndent(pr, "", "  ")
	if err != nil {
		return "", err
	}
	p := filepath.Join(prefix, MetaDir, pr.MetaFileName())
	if err := fetch.WriteBytesAtomic(p, 0o644, b); err != nil {
		return "", fsError(pr.DistName(), "write", p, err)
	}
	return p, nil
}

// unlink removes the files of an installed package and then its record.
func unlink(prefix string, pr *types.PrefixRecord) error {
	files := append([]string(nil), pr.Files...)
	// Deepest first, so directories empty out before they are pruned.
	sort.Sort(sort.Reverse(sort.StringSlice(files)))
	for _, f := range files {
		if _, err := cleanEntry(f); err != nil {
			return fmt.Errorf("%s: %w", pr.DistName(), err)
		}
		p := filepath.Join(prefix, filepath.FromSlash(f))
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fsError(pr.DistName(), "remove", p, err)
		}
		pruneDirs(prefix, filepath.Dir(p))
	}
	meta := filepath.Join(prefix, MetaDir, pr.MetaFileName())
	if err := os.Remove(meta); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fsError(pr.DistName(), "remove", meta, err)
	}
	return nil
}

// sameArtifact reports whether an installed package is the artifact rec
// refers to.
func sameArtifact(pr *types.PrefixRecord, rec *types.PackageRecord) bool {
	a1, d1 := pr.Hash()
	a2, d2 := rec.Hash()
	if d1 != "" && a1 == a2 {
		return d1 == d2
	}
	return pr.DistName() == rec.DistName() && pr.Channel == rec.Channel
}
