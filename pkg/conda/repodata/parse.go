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
	"compress/bzip2"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/klauspost/compress/zstd"

	"chainguard.dev/cpm/pkg/conda/types"
)

// Index file names, most preferred first.
const (
	VariantZstd  = "repodata.json.zst"
	VariantBzip2 = "repodata.json.bz2"
	VariantPlain = "repodata.json"
)

var variants = []string{VariantZstd, VariantBzip2, VariantPlain}

type repoDataDoc struct {
	Info          types.RepoDataInfo         `json:"info"`
	FormatVersion int                        `json:"repodata_version"`
	Packages      map[string]json.RawMessage `json:"packages"`
	PackagesConda map[string]json.RawMessage `json:"packages.conda"`
	Removed       []string                   `json:"removed"`
}

// decompress wraps body according to the variant's file extension.
func decompress(variant string, body io.Reader) (io.Reader, func(), error) {
	switch {
	case strings.HasSuffix(variant, ".zst"):
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, nil, err
		}
		return zr, zr.Close, nil
	case strings.HasSuffix(variant, ".bz2"):
		return bzip2.NewReader(body), func() {}, nil
	default:
		return body, func() {}, nil
	}
}

// decodeDoc decodes one index document and reads r to its end, so readers
// that check their content at EOF get to do so.
func decodeDoc(r io.Reader) (*repoDataDoc, error) {
	var doc repoDataDoc
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding repodata: %w", err)
	}
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	return &doc, nil
}

// buildRepoData turns a decoded document into records. Entries that fail to
// decode or lack a name or version are dropped with a warning.
func buildRepoData(ctx context.Context, indexURL string, doc *repoDataDoc) *types.RepoData {
	log := clog.FromContext(ctx)

	subdirURL := strings.TrimSuffix(indexURL, "/")
	chanURL, subdir := subdirURL, ""
	if i := strings.LastIndex(subdirURL, "/"); i >= 0 {
		chanURL, subdir = subdirURL[:i], subdirURL[i+1:]
	}
	if doc.Info.Subdir != "" {
		subdir = doc.Info.Subdir
	}
	baseURL := subdirURL + "/"
	if doc.Info.BaseURL != "" {
		baseURL = resolveBase(subdirURL, doc.Info.BaseURL)
	}

	rd := &types.RepoData{
		URL:           subdirURL + "/",
		Channel:       chanURL,
		Subdir:        subdir,
		Info:          doc.Info,
		FormatVersion: doc.FormatVersion,
		Removed:       doc.Removed,
	}

	// A .conda artifact shadows the .tar.bz2 with the same stem.
	shadowed := map[string]bool{}
	for fn := range doc.PackagesConda {
		shadowed[strings.TrimSuffix(fn, ".conda")+".tar.bz2"] = true
	}

	add := func(fn string, raw json.RawMessage) {
		var r types.PackageRecord
		if err := json.Unmarshal(raw, &r); err != nil {
			log.Warn("dropping index entry", "url", redact(indexURL), "err", &types.RecordParseError{FileName: fn, Err: err})
			return
		}
		if err := r.Validate(); err != nil {
			log.Warn("dropping index entry", "url", redact(indexURL), "err", &types.RecordParseError{FileName: fn, Err: err})
			return
		}
		r.FileName = fn
		r.URL = baseURL + fn
		r.Channel = chanURL
		if r.Subdir == "" {
			r.Subdir = subdir
		}
		rd.Records = append(rd.Records, &r)
	}
	for _, fn := range slices.Sorted(maps.Keys(doc.Packages)) {
		if shadowed[fn] {
			continue
		}
		add(fn, doc.Packages[fn])
	}
	for _, fn := range slices.Sorted(maps.Keys(doc.PackagesConda)) {
		add(fn, doc.PackagesConda[fn])
	}
	slices.SortStableFunc(rd.Records, func(a, b *types.PackageRecord) int {
		return strings.Compare(a.FileName, b.FileName)
	})
	return rd
}

// resolveBase resolves info.base_url, which may be relative to the subdir.
func resolveBase(subdirURL, base string) string {
	if strings.Contains(base, "://") {
		return strings.TrimSuffix(base, "/") + "/"
	}
	return strings.TrimSuffix(subdirURL+"/"+base, "/") + "/"
}
