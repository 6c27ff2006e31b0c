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
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"chainguard.dev/cpm/pkg/conda/repodata"
	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/conda/version"
)

type tarEntry struct {
	name string
	body string
	typ  byte
	link string
	mode int64
}

func tarBytes(t *testing.T, entries ...tarEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Typeflag: e.typ, Linkname: e.link, Mode: e.mode}
		if hdr.Typeflag == 0 {
			hdr.Typeflag = tar.TypeReg
		}
		if hdr.Mode == 0 {
			hdr.Mode = 0o644
		}
		if hdr.Typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = zw.Write(b)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// pkgSpec describes a test package.
type pkgSpec struct {
	name    string
	version string
	noarch  types.NoarchType
	files   map[string]string
	paths   []PathEntry
	link    *linkJSON
}

// condaArtifact builds a .conda archive for spec.
func condaArtifact(t *testing.T, spec pkgSpec) []byte {
	t.Helper()
	stem := spec.name + "-" + spec.version + "-0"

	idx, err := json.Marshal(map[string]any{"name": spec.name, "version": spec.version, "build": "0", "build_number": 0})
	require.NoError(t, err)
	info := []tarEntry{{name: "info/index.json", body: string(idx)}}
	if spec.paths != nil {
		pj, err := json.Marshal(pathsJSON{Version: 1, Paths: spec.paths})
		require.NoError(t, err)
		info = append(info, tarEntry{name: "info/paths.json", body: string(pj)})
	} else {
		var names []string
		for name := range spec.files {
			names = append(names, name)
		}
		info = append(info, tarEntry{name: "info/files", body: strings.Join(names, "\n")})
	}
	if spec.link != nil {
		lj, err := json.Marshal(spec.link)
		require.NoError(t, err)
		info = append(info, tarEntry{name: "info/link.json", body: string(lj)})
	}

	var pkg []tarEntry
	for name, body := range spec.files {
		mode := int64(0o644)
		if strings.HasPrefix(name, "bin/") || strings.HasPrefix(name, "python-scripts/") {
			mode = 0o755
		}
		pkg = append(pkg, tarEntry{name: name, body: body, mode: mode})
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string][]byte{
		"metadata.json":            []byte(`{"conda_pkg_format_version": 2}`),
		"info-" + stem + ".tar.zst": zstdBytes(t, tarBytes(t, info...)),
		"pkg-" + stem + ".tar.zst":  zstdBytes(t, tarBytes(t, pkg...)),
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// channelServer serves artifacts and counts requests per path.
type channelServer struct {
	*httptest.Server
	mu    sync.Mutex
	files map[string][]byte
	hits  map[string]int
}

func newChannelServer(t *testing.T) *channelServer {
	s := &channelServer{files: map[string][]byte{}, hits: map[string]int{}}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		b, ok := s.files[r.URL.Path]
		s.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(b)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *channelServer) requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.hits {
		n += c
	}
	return n
}

// publish serves data under linux-64/fn and returns a matching record.
func (s *channelServer) publish(t *testing.T, name, ver, fn string, data []byte) *types.PackageRecord {
	t.Helper()
	s.mu.Lock()
	s.files["/linux-64/"+fn] = data
	s.mu.Unlock()
	sum := sha256.Sum256(data)
	return &types.PackageRecord{
		Name:     name,
		Version:  version.MustParse(ver),
		Build:    "0",
		Subdir:   "linux-64",
		SHA256:   hex.EncodeToString(sum[:]),
		Size:     uint64(len(data)),
		FileName: fn,
		URL:      s.URL + "/linux-64/" + fn,
		Channel:  s.URL,
	}
}

func (s *channelServer) publishConda(t *testing.T, spec pkgSpec) *types.PackageRecord {
	t.Helper()
	rec := s.publish(t, spec.name, spec.version, spec.name+"-"+spec.version+"-0.conda", condaArtifact(t, spec))
	rec.Noarch = spec.noarch
	return rec
}

func (s *channelServer) publishTool(t *testing.T) *types.PackageRecord {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "tool-1.0-0.tar.bz2"))
	require.NoError(t, err)
	return s.publish(t, "tool", "1.0", "tool-1.0-0.tar.bz2", data)
}

// snapshot maps every path under root to its mode and content.
func snapshot(t *testing.T, root string) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		fi, err := os.Lstat(p)
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			out[rel] = "dir"
		case fi.Mode()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			out[rel] = "-> " + target
		default:
			b, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			out[rel] = fi.Mode().String() + " " + string(b)
		}
		return nil
	}))
	return out
}

func newInstaller(t *testing.T, cacheDir string, opts ...Option) *Installer {
	t.Helper()
	i, err := New(append([]Option{WithCacheDir(cacheDir)}, opts...)...)
	require.NoError(t, err)
	return i
}

// gatedSource holds every Fetch until release is closed or the caller's
// context is done. Each call announces itself on entered.
type gatedSource struct {
	next    repodata.Source
	entered chan struct{}
	release chan struct{}
}

func newGatedSource(client *http.Client) *gatedSource {
	return &gatedSource{
		next:    repodata.DefaultSource(client),
		entered: make(chan struct{}, 8),
		release: make(chan struct{}),
	}
}

func (g *gatedSource) Fetch(ctx context.Context, req repodata.Request) (*repodata.Response, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.next.Fetch(ctx, req)
}
