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

package cli

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

type testPackage struct {
	name, version string
	depends       []string
	files         []string
}

// noarchChannel writes a channel directory whose packages are all noarch, so
// it serves every platform.
func noarchChannel(t *testing.T, pkgs ...testPackage) string {
	t.Helper()
	dir := t.TempDir()
	sub := filepath.Join(dir, "noarch")
	require.NoError(t, os.MkdirAll(sub, 0o755))

	records := map[string]any{}
	for _, p := range pkgs {
		stem := p.name + "-" + p.version + "-0"
		data := condaPackage(t, p)
		require.NoError(t, os.WriteFile(filepath.Join(sub, stem+".conda"), data, 0o644))
		sum := sha256.Sum256(data)
		records[stem+".conda"] = map[string]any{
			"name":         p.name,
			"version":      p.version,
			"build":        "0",
			"build_number": 0,
			"depends":      p.depends,
			"noarch":       "generic",
			"subdir":       "noarch",
			"sha256":       hex.EncodeToString(sum[:]),
			"size":         len(data),
		}
	}
	doc, err := json.Marshal(map[string]any{"info": map[string]any{"subdir": "noarch"}, "packages.conda": records})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sub, "repodata.json"), doc, 0o644))
	return dir
}

func condaPackage(t *testing.T, p testPackage) []byte {
	t.Helper()
	zst := func(entries map[string]string) []byte {
		var buf bytes.Buffer
		tw := tar.NewWriter(&buf)
		for name, body := range entries {
			require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
			_, err := tw.Write([]byte(body))
			require.NoError(t, err)
		}
		require.NoError(t, tw.Close())
		var out bytes.Buffer
		zw, err := zstd.NewWriter(&out)
		require.NoError(t, err)
		_, err = zw.Write(buf.Bytes())
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		return out.Bytes()
	}

	idx, err := json.Marshal(map[string]any{"name": p.name, "version": p.version, "build": "0", "build_number": 0, "depends": p.depends})
	require.NoError(t, err)
	files := map[string]string{}
	for _, f := range p.files {
		files[f] = p.name + "\n"
	}

	stem := p.name + "-" + p.version + "-0"
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string][]byte{
		"metadata.json":            []byte(`{"conda_pkg_format_version": 2}`),
		"info-" + stem + ".tar.zst": zst(map[string]string{"info/index.json": string(idx), "info/files": strings.Join(p.files, "\n")}),
		"pkg-" + stem + ".tar.zst":  zst(files),
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// run executes the cpm command line with a private cache and no user
// config, returning stdout.
func run(t *testing.T, cacheDir string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cmd := New()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"--cache-dir", cacheDir, "-q"}, args...))
	err := cmd.Execute()
	return out.String(), err
}
