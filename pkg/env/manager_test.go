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

package env

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"chainguard.dev/cpm/pkg/conda/channel"
	"chainguard.dev/cpm/pkg/conda/install"
	"chainguard.dev/cpm/pkg/conda/repodata"
	"chainguard.dev/cpm/pkg/conda/solve"
	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/conda/virtual"
	"chainguard.dev/cpm/pkg/lock"
)

// localChannel is a channel directory on disk, addressed by path.
type localChannel struct {
	dir     string
	records map[string]map[string]any
}

func newLocalChannel(t *testing.T) *localChannel {
	return &localChannel{dir: t.TempDir(), records: map[string]map[string]any{}}
}

// add publishes name-version-0.conda in subdir. Every file's content is its
// own path.
func (c *localChannel) add(t *testing.T, subdir, name, ver string, depends []string, files ...string) {
	t.Helper()
	stem := name + "-" + ver + "-0"
	idx, err := json.Marshal(map[string]any{"name": name, "version": ver, "build": "0", "build_number": 0, "depends": depends})
	require.NoError(t, err)

	data := condaArchive(t, stem, map[string]string{
		"info/index.json": string(idx),
		"info/files":      strings.Join(files, "\n"),
	}, files)
	require.NoError(t, os.MkdirAll(filepath.Join(c.dir, subdir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, subdir, stem+".conda"), data, 0o644))

	sum := sha256.Sum256(data)
	rec := map[string]any{
		"name":         name,
		"version":      ver,
		"build":        "0",
		"build_number": 0,
		"depends":      depends,
		"subdir":       subdir,
		"sha256":       hex.EncodeToString(sum[:]),
		"size":         len(data),
	}
	if subdir == "noarch" {
		rec["noarch"] = "generic"
	}
	if c.records[subdir] == nil {
		c.records[subdir] = map[string]any{}
	}
	c.records[subdir][stem+".conda"] = rec
	c.writeIndex(t, subdir)
}

func (c *localChannel) writeIndex(t *testing.T, subdir string) {
	t.Helper()
	doc, err := json.Marshal(map[string]any{
		"info":           map[string]any{"subdir": subdir},
		"packages":       map[string]any{},
		"packages.conda": c.records[subdir],
	})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(c.dir, subdir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(c.dir, subdir, "repodata.json"), doc, 0o644))
}

func condaArchive(t *testing.T, stem string, info map[string]string, files []string) []byte {
	t.Helper()
	tarball := func(entries map[string]string) []byte {
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

	pkg := map[string]string{}
	for _, f := range files {
		pkg[f] = f + "\n"
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string][]byte{
		"metadata.json":            []byte(`{"conda_pkg_format_version": 2}`),
		"info-" + stem + ".tar.zst": tarball(info),
		"pkg-" + stem + ".tar.zst":  tarball(pkg),
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		require.NoError(t, err)
		_, err = w.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func unixOnly(_ context.Context, p channel.Platform) ([]*types.PackageRecord, error) {
	if !p.IsUnix() {
		return nil, nil
	}
	r, err := virtual.Package{Name: "__unix", Version: "0"}.Record(p)
	if err != nil {
		return nil, err
	}
	return []*types.PackageRecord{r}, nil
}

func newManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	cache := t.TempDir()
	p, err := repodata.New(repodata.WithCacheDir(cache))
	require.NoError(t, err)
	i, err := install.New(install.WithCacheDir(cache))
	require.NoError(t, err)
	m, err := New(append([]Option{
		WithProvider(p),
		WithInstaller(i),
		WithPlatform(channel.Linux64),
		WithVirtualPackages(unixOnly),
	}, opts...)...)
	require.NoError(t, err)
	return m
}

// sampleChannel publishes an app that needs lib, in two versions, on
// linux-64, plus a noarch data package.
func sampleChannel(t *testing.T) *localChannel {
	c := newLocalChannel(t)
	c.add(t, "linux-64", "lib", "1.0", []string{}, "lib/liblib.so.1")
	c.add(t, "linux-64", "lib", "2.0", []string{}, "lib/liblib.so.2")
	c.add(t, "linux-64", "app", "1.0", []string{"lib >=1", "data", "__unix"}, "bin/app")
	c.add(t, "noarch", "data", "0.1", []string{}, "share/data/data.txt")
	return c
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	c := sampleChannel(t)
	m := newManager(t)
	prefix := filepath.Join(t.TempDir(), "env")

	e, err := Parse([]byte("name: demo\nchannels: [" + c.dir + "]\ndependencies: [app]\n"))
	require.NoError(t, err)

	report, err := m.Create(ctx, e, prefix)
	require.NoError(t, err)
	var got []string
	for _, in := range report.Installed {
		got = append(got, in.Name+"="+in.Version)
	}
	require.ElementsMatch(t, []string{"app=1.0", "data=0.1", "lib=2.0"}, got)

	for _, f := range []string{"bin/app", "lib/liblib.so.2", "share/data/data.txt"} {
		require.FileExists(t, filepath.Join(prefix, f))
	}
	require.NoFileExists(t, filepath.Join(prefix, "lib/liblib.so.1"))

	// Nothing to do the second time round.
	report, err = m.Create(ctx, e, prefix)
	require.NoError(t, err)
	require.False(t, report.Changed())
	require.Len(t, report.Unchanged, 3)
}

func TestCreateKeepsInstalledPackages(t *testing.T) {
	ctx := context.Background()
	c := sampleChannel(t)
	m := newManager(t)
	prefix := filepath.Join(t.TempDir(), "env")

	pinned, err := Parse([]byte("channels: [" + c.dir + "]\ndependencies: [app]\npins: ['lib 1.*']\n"))
	require.NoError(t, err)
	_, err = m.Create(ctx, pinned, prefix)
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(prefix, "lib/liblib.so.1"))

	// Without the pin lib 2.0 would win, but the installed lib still fits.
	free, err := Parse([]byte("channels: [" + c.dir + "]\ndependencies: [app]\n"))
	require.NoError(t, err)
	report, err := m.Create(ctx, free, prefix)
	require.NoError(t, err)
	require.False(t, report.Changed())
	require.FileExists(t, filepath.Join(prefix, "lib/liblib.so.1"))
}

func TestCreateWrongPlatform(t *testing.T) {
	c := sampleChannel(t)
	m := newManager(t)

	e, err := Parse([]byte("channels: [" + c.dir + "]\nplatforms: [osx-arm64]\ndependencies: [app]\n"))
	require.NoError(t, err)
	_, err = m.Create(context.Background(), e, t.TempDir())
	require.ErrorContains(t, err, "not linux-64")
}

func TestSolveUnsatisfiable(t *testing.T) {
	c := sampleChannel(t)
	m := newManager(t)

	e, err := Parse([]byte("channels: [" + c.dir + "]\ndependencies: [app, 'lib >=3']\n"))
	require.NoError(t, err)
	_, err = m.Solve(context.Background(), e, channel.Linux64, nil)
	var unsat *solve.UnsatisfiableError
	require.True(t, errors.As(err, &unsat), "%v", err)
	require.Contains(t, err.Error(), "lib")
}

func TestLockAndInstallFromLock(t *testing.T) {
	ctx := context.Background()
	c := newLocalChannel(t)
	c.add(t, "noarch", "data", "0.1", []string{}, "share/data/data.txt")
	c.add(t, "noarch", "tool", "1.0", []string{"data", "__unix"}, "share/tool/tool.txt")
	c.writeIndex(t, "linux-64")
	c.writeIndex(t, "osx-arm64")
	m := newManager(t)

	e, err := Parse([]byte("name: demo\nchannels: [" + c.dir + "]\nplatforms: [linux-64, osx-arm64]\ndependencies: [tool]\n"))
	require.NoError(t, err)

	l, err := m.Lock(ctx, e)
	require.NoError(t, err)
	require.Equal(t, []string{"linux-64", "osx-arm64"}, l.Contents.Platforms)
	require.Equal(t, "demo", l.Config.Name)
	require.Len(t, l.Contents.Channels, 1)
	for _, p := range l.Contents.Platforms {
		pkgs := l.PackagesFor(p)
		require.Len(t, pkgs, 2)
		// Install order puts dependencies first.
		require.Equal(t, "data", pkgs[0].Name)
		require.Equal(t, "tool", pkgs[1].Name)
		require.True(t, strings.HasPrefix(pkgs[1].PURL, "pkg:conda/tool@1.0"), pkgs[1].PURL)
	}
	require.NoError(t, m.Verify(e, l))

	lockPath := filepath.Join(t.TempDir(), "cpm.lock.json")
	require.NoError(t, l.SaveToFile(lockPath))
	loaded, err := lock.FromFile(lockPath)
	require.NoError(t, err)

	// Installing from the lock doesn't read the channel index again.
	require.NoError(t, os.Remove(filepath.Join(c.dir, "noarch", "repodata.json")))
	prefix := filepath.Join(t.TempDir(), "env")
	report, err := m.InstallLock(ctx, &loaded, prefix)
	require.NoError(t, err)
	require.Len(t, report.Installed, 2)
	require.FileExists(t, filepath.Join(prefix, "share/tool/tool.txt"))
}

func TestVerifyStaleLock(t *testing.T) {
	m := newManager(t)
	e, err := Parse([]byte("dependencies: [zlib]\n"))
	require.NoError(t, err)
	sum, err := m.Checksum(e)
	require.NoError(t, err)
	l := &lock.Lock{Version: lock.FormatVersion, Config: &lock.Config{DeepChecksum: sum}}
	require.NoError(t, m.Verify(e, l))

	e.Dependencies = append(e.Dependencies, "bzip2")
	require.ErrorContains(t, m.Verify(e, l), "out of date")

	// Overriding the channel priority changes how the same file solves.
	disabled := newManager(t, WithChannelPriority(solve.PriorityDisabled))
	e.Dependencies = e.Dependencies[:1]
	require.Error(t, disabled.Verify(e, l))
}

func TestWithPlatformRejectsNoarch(t *testing.T) {
	_, err := New(WithPlatform(channel.NoArch), WithProvider(&repodata.Provider{}), WithInstaller(&install.Installer{}))
	require.ErrorContains(t, err, "cannot install for noarch")
}
