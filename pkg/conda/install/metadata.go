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
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/conda/version"
	"chainguard.dev/cpm/pkg/limitio"
)

// legacyPlaceholder is the prefix conda-build wrote into packages before
// paths.json recorded the placeholder per file.
const legacyPlaceholder = "/opt/anaconda1anaconda2anaconda3"

// PathType is how a file appears in an unpacked package.
type PathType string

const (
	PathHardlink  PathType = "hardlink"
	PathSoftlink  PathType = "softlink"
	PathDirectory PathType = "directory"
)

// FileMode says how a prefix placeholder is rewritten.
type FileMode string

const (
	FileModeText   FileMode = "text"
	FileModeBinary FileMode = "binary"
)

// PathEntry is one entry of info/paths.json.
type PathEntry struct {
	Path              string   `json:"_path"`
	Type              PathType `json:"path_type"`
	PrefixPlaceholder string   `json:"prefix_placeholder,omitempty"`
	FileMode          FileMode `json:"file_mode,omitempty"`
	SHA256            string   `json:"sha256,omitempty"`
	Size              int64    `json:"size_in_bytes,omitempty"`
	NoLink            bool     `json:"no_link,omitempty"`
}

type pathsJSON struct {
	Version int         `json:"paths_version"`
	Paths   []PathEntry `json:"paths"`
}

type indexJSON struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build"`
}

type linkJSON struct {
	Noarch struct {
		Type        string   `json:"type"`
		EntryPoints []string `json:"entry_points"`
	} `json:"noarch"`
}

// pkgInfo is what the linker needs from an unpacked package.
type pkgInfo struct {
	paths       []PathEntry
	entryPoints []string
}

func readJSON(p string, limit int64, v any) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewDecoder(limitio.NewReader(f, filepath.Base(p), limit, DefaultMaxMetadataSize)).Decode(v); err != nil {
		return fmt.Errorf("decoding %s: %w", filepath.Base(p), err)
	}
	return nil
}

// checkIndex compares the artifact's info/index.json with rec.
func checkIndex(dir string, rec *types.PackageRecord, limit int64) error {
	var idx indexJSON
	if err := readJSON(filepath.Join(dir, "info", "index.json"), limit, &idx); err != nil {
		return fmt.Errorf("%s: %w", rec.DistName(), err)
	}
	if idx.Name != rec.Name {
		return &ArtifactMismatchError{Package: rec.DistName(), Field: "name", Expected: rec.Name, Actual: idx.Name}
	}
	v, err := version.Parse(idx.Version)
	if err != nil || !v.Equal(rec.Version) {
		return &ArtifactMismatchError{Package: rec.DistName(), Field: "version", Expected: rec.Version.String(), Actual: idx.Version}
	}
	if idx.Build != rec.Build {
		return &ArtifactMismatchError{Package: rec.DistName(), Field: "build", Expected: rec.Build, Actual: idx.Build}
	}
	return nil
}

// readPkgInfo loads the file list of an unpacked package from
// info/paths.json, or from the legacy info/files and info/has_prefix.
func readPkgInfo(dir string, limit int64) (*pkgInfo, error) {
	info := &pkgInfo{}

	var pj pathsJSON
	err := readJSON(filepath.Join(dir, "info", "paths.json"), limit, &pj)
	switch {
	case err == nil:
		info.paths = pj.Paths
	case errors.Is(err, fs.ErrNotExist):
		if info.paths, err = legacyPaths(dir); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}
	for i, p := range info.paths {
		clean, err := cleanEntry(p.Path)
		if err != nil {
			return nil, err
		}
		info.paths[i].Path = clean
		if p.Type == "" {
			info.paths[i].Type = PathHardlink
		}
		if p.PrefixPlaceholder != "" && p.FileMode == "" {
			info.paths[i].FileMode = FileModeText
		}
	}

	var lj linkJSON
	if err := readJSON(filepath.Join(dir, "info", "link.json"), limit, &lj); err == nil {
		info.entryPoints = lj.Noarch.EntryPoints
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return info, nil
}

func legacyPaths(dir string) ([]PathEntry, error) {
	files, err := readLines(filepath.Join(dir, "info", "files"))
	if err != nil {
		return nil, err
	}
	prefixed := map[string]PathEntry{}
	lines, err := readLines(filepath.Join(dir, "info", "has_prefix"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	for _, l := range lines {
		e := PathEntry{PrefixPlaceholder: legacyPlaceholder, FileMode: FileModeText}
		switch f := strings.Fields(l); len(f) {
		case 1:
			e.Path = f[0]
		case 3:
			e.PrefixPlaceholder, e.FileMode, e.Path = f[0], FileMode(f[1]), f[2]
		default:
			return nil, fmt.Errorf("malformed has_prefix line %q", l)
		}
		prefixed[e.Path] = e
	}

	out := make([]PathEntry, 0, len(files))
	for _, name := range files {
		e, ok := prefixed[name]
		if !ok {
			e = PathEntry{Path: name}
		}
		e.Type = PathHardlink
		if fi, err := os.Lstat(filepath.Join(dir, filepath.FromSlash(name))); err == nil && fi.Mode()&fs.ModeSymlink != 0 {
			e.Type = PathSoftlink
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func readLines(p string) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return scanLines(f)
}

func scanLines(r io.Reader) ([]string, error) {
	var out []string
	s := bufio.NewScanner(r)
	for s.Scan() {
		if l := strings.TrimSpace(s.Text()); l != "" && !strings.HasPrefix(l, "#") {
			out = append(out, l)
		}
	}
	return out, s.Err()
}
