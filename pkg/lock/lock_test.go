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

package lock

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/conda/version"
)

func record(name, ver, subdir string) *types.PackageRecord {
	return &types.PackageRecord{
		Name:     name,
		Version:  version.MustParse(ver),
		Build:    "h0_0",
		Depends:  []string{},
		Subdir:   subdir,
		SHA256:   "00ff",
		Size:     42,
		FileName: name + "-" + ver + "-h0_0.conda",
		URL:      "https://conda.anaconda.org/conda-forge/" + subdir + "/" + name + "-" + ver + "-h0_0.conda",
		Channel:  "https://conda.anaconda.org/conda-forge",
	}
}

func TestPackagesFor(t *testing.T) {
	l := Lock{
		Contents: LockContents{
			Packages: []LockPkg{{
				Name:     "zlib",
				Version:  "1.3.1",
				Platform: "linux-64",
			}, {
				Name:     "zlib",
				Version:  "1.3.1",
				Platform: "osx-arm64",
			}},
		},
	}

	if got, want := len(l.PackagesFor("osx-arm64")), 1; got != want {
		t.Errorf("wanted %d packages, got %d", want, got)
	}
	if got := len(l.PackagesFor("win-64")); got != 0 {
		t.Errorf("wanted no packages, got %d", got)
	}
}

func TestRoundTrip(t *testing.T) {
	glibc := &types.PackageRecord{Name: "__glibc", Version: version.MustParse("2.28"), Build: "0", Channel: "@virtual"}
	zlib := record("zlib", "1.3.1", "linux-64")
	py := record("python", "3.12.1", "linux-64")
	py.Depends = []string{"zlib >=1.3,<2"}
	six := record("six", "1.16.0", "noarch")
	six.Noarch = types.NoarchPython
	sol := &types.Solution{Records: []*types.PackageRecord{glibc, zlib, py, six}}

	l := Lock{
		Version: FormatVersion,
		Config:  &Config{Name: "demo", DeepChecksum: Checksum([]byte("env"))},
		Contents: LockContents{
			Channels:  []LockChannel{{Name: "conda-forge", URL: "https://conda.anaconda.org/conda-forge"}},
			Platforms: []string{"linux-64"},
		},
	}
	l.AddSolution("linux-64", sol, func(r *types.PackageRecord) string { return "pkg:conda/" + r.Name })
	require.Len(t, l.Contents.Packages, 3, "virtual packages are not locked")
	require.Equal(t, "pkg:conda/python", l.Contents.Packages[1].PURL)

	p := filepath.Join(t.TempDir(), "cpm.lock.json")
	require.NoError(t, l.SaveToFile(p))
	got, err := FromFile(p)
	require.NoError(t, err)
	if diff := cmp.Diff(l, got); diff != "" {
		t.Errorf("lock changed on disk (-want +got):\n%s", diff)
	}

	back, err := got.Solution("linux-64")
	require.NoError(t, err)
	require.Equal(t, []string{"zlib", "python", "six"}, back.Names())
	require.Equal(t, types.NoarchPython, back.Records[2].Noarch)
	require.True(t, back.Records[1].Version.Equal(py.Version))
	require.Equal(t, py.URL, back.Records[1].URL)

	_, err = got.Solution("osx-64")
	require.Error(t, err)
}

func TestChecksum(t *testing.T) {
	require.Equal(t, Checksum([]byte("ab"), []byte("c")), Checksum([]byte("ab"), []byte("c")))
	require.NotEqual(t, Checksum([]byte("ab"), []byte("c")), Checksum([]byte("a"), []byte("bc")))
}

func TestFromFileRejectsUnknownVersion(t *testing.T) {
	p := filepath.Join(t.TempDir(), "cpm.lock.json")
	require.NoError(t, Lock{Version: "v0"}.SaveToFile(p))
	_, err := FromFile(p)
	require.ErrorContains(t, err, "unsupported lockfile version")
}
