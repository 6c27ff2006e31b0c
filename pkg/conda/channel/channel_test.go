// Copyright 2025 Chainguard, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package channel

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	config := DefaultConfig()
	tests := []struct {
		in   string
		want Channel
		base string
	}{{
		in:   "conda-forge",
		want: Channel{Scheme: "https", Location: "conda.anaconda.org", Name: "conda-forge"},
		base: "https://conda.anaconda.org/conda-forge",
	}, {
		in:   "https://conda.anaconda.com/conda-forge[linux-32]",
		want: Channel{Scheme: "https", Location: "conda.anaconda.com", Name: "conda-forge", Platforms: []Platform{Linux32}},
		base: "https://conda.anaconda.com/conda-forge",
	}, {
		in:   "https://repo.anaconda.com/pkgs/main[linux-64, noarch]",
		want: Channel{Scheme: "https", Location: "repo.anaconda.com", Name: "pkgs/main", Platforms: []Platform{Linux64, NoArch}},
		base: "https://repo.anaconda.com/pkgs/main",
	}, {
		in:   "http://localhost:8080/",
		want: Channel{Scheme: "http", Location: "localhost:8080"},
		base: "http://localhost:8080",
	}, {
		in:   "pkgs/main",
		want: Channel{Scheme: "https", Location: "conda.anaconda.org", Name: "pkgs/main"},
		base: "https://conda.anaconda.org/pkgs/main",
	}, {
		in:   "file:///srv/channels/local",
		want: Channel{Scheme: "file", Location: "/srv/channels", Name: "local"},
		base: "file:///srv/channels/local",
	}}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in, config)
			require.NoError(t, err)
			if diff := cmp.Diff(&tt.want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
			require.Equal(t, tt.base, got.BaseURL())
		})
	}
}

func TestParsePath(t *testing.T) {
	dir := t.TempDir()
	c, err := Parse(filepath.Join(dir, "mirror"), DefaultConfig())
	require.NoError(t, err)
	require.Equal(t, "file", c.Scheme)
	require.Equal(t, "mirror", c.Name)
	require.Equal(t, "file://"+filepath.ToSlash(dir)+"/mirror/linux-64/", c.PlatformURL(Linux64))
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "conda-forge[linux-1024]", "[linux-64]"} {
		_, err := Parse(in, DefaultConfig())
		require.Error(t, err, in)
	}
}

func TestAlias(t *testing.T) {
	config, err := NewConfig("https://mirror.example.com/conda/")
	require.NoError(t, err)
	c := MustParse("bioconda", config)
	require.Equal(t, "https://mirror.example.com/conda/bioconda/osx-arm64/", c.PlatformURL(OsxArm64))
	require.Equal(t, "bioconda", c.DisplayName(config))
	require.Equal(t, "https://mirror.example.com/conda/bioconda", c.DisplayName(DefaultConfig()))

	_, err = NewConfig("not-a-url")
	require.Error(t, err)
}

func TestSubdirs(t *testing.T) {
	config := DefaultConfig()
	forge := MustParse("conda-forge", config)
	pinned := MustParse("bioconda[osx-64]", config)

	got := Subdirs([]*Channel{forge, pinned}, []Platform{Linux64})
	var urls []string
	var prios []int
	for _, s := range got {
		urls = append(urls, s.URL())
		prios = append(prios, s.Priority)
	}
	require.Equal(t, []string{
		"https://conda.anaconda.org/conda-forge/linux-64/",
		"https://conda.anaconda.org/conda-forge/noarch/",
		"https://conda.anaconda.org/bioconda/osx-64/",
		"https://conda.anaconda.org/bioconda/noarch/",
	}, urls)
	require.Equal(t, []int{0, 0, 1, 1}, prios)
}

func TestPlatform(t *testing.T) {
	require.Equal(t, Linux64, FromGo("linux", "amd64"))
	require.Equal(t, LinuxAarch64, FromGo("linux", "arm64"))
	require.Equal(t, OsxArm64, FromGo("darwin", "arm64"))
	require.Equal(t, Win64, FromGo("windows", "amd64"))
	require.Equal(t, NoArch, FromGo("plan9", "amd64"))
	require.Equal(t, "linux", LinuxS390X.OS())
	require.Equal(t, "s390x", LinuxS390X.Arch())
	require.Equal(t, "", NoArch.OS())
	require.True(t, Osx64.IsUnix())
	require.False(t, Win64.IsUnix())

	_, err := ParsePlatform("amiga-68k")
	require.Error(t, err)
}
