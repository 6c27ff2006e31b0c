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

package matchspec

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/conda/version"
)

func rec(name, ver, build string) *types.PackageRecord {
	return &types.PackageRecord{
		Name:    name,
		Version: version.MustParse(ver),
		Build:   build,
		Subdir:  "linux-64",
		Channel: "https://conda.anaconda.org/conda-forge",
	}
}

func TestParseFields(t *testing.T) {
	tests := []struct {
		in      string
		name    string
		version string
		build   string
		channel string
		subdir  string
	}{
		{in: "numpy", name: "numpy", version: "*"},
		{in: "NumPy", name: "numpy", version: "*"},
		{in: "numpy>=1.20", name: "numpy", version: ">=1.20"},
		{in: "numpy >= 1.20 , < 2", name: "numpy", version: ">=1.20,<2"},
		{in: "numpy 1.26.*", name: "numpy", version: "1.26.*"},
		{in: "numpy 1.26.4 py312_0", name: "numpy", version: "==1.26.4", build: "py312_0"},
		{in: "numpy=1.26", name: "numpy", version: "1.26.*"},
		{in: "numpy=1.26=py312*", name: "numpy", version: "1.26.*", build: "py312*"},
		{in: "numpy==1.26.4=py312_0", name: "numpy", version: "==1.26.4", build: "py312_0"},
		{in: "numpy * py312*", name: "numpy", version: "*", build: "py312*"},
		{in: "numpy>=1.26::conda-forge", name: "numpy", version: ">=1.26", channel: "conda-forge"},
		{in: "conda-forge::numpy", name: "numpy", version: "*", channel: "conda-forge"},
		{in: "conda-forge/linux-64::numpy>=1", name: "numpy", version: ">=1", channel: "conda-forge", subdir: "linux-64"},
		{in: "https://repo.example.com/main::numpy", name: "numpy", version: "*", channel: "https://repo.example.com/main"},
		{in: "numpy[version='>=1.2,<2', build=py*]", name: "numpy", version: ">=1.2,<2", build: "py*"},
		{in: "python ~=3.11.2", name: "python", version: "~=3.11.2"},
		{in: "openssl !=3.0.*", name: "openssl", version: "!=3.0.*"},
		{in: "libgcc >=12 # comment", name: "libgcc", version: ">=12"},
		{in: "python_abi 3.12.* *_cp312", name: "python_abi", version: "3.12.*", build: "*_cp312"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			m, err := Parse(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.name, m.Name)
			require.Equal(t, tt.version, m.Version.String())
			require.Equal(t, tt.build, m.Build)
			require.Equal(t, tt.channel, m.Channel)
			require.Equal(t, tt.subdir, m.Subdir)
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		in        string
		offending string
	}{
		{"", ""},
		{">=1.0", ">=1.0"},
		{"numpy=>1.0", "=>"},
		{"numpy<>1", "<>"},
		{"numpy~1.0", "~"},
		{"numpy >=1.0.x", "x"},
		{"numpy 1.0 py_0 extra", "extra"},
		{"numpy[version=1", "[version=1"},
		{"numpy[colour=red]", "colour"},
		{"numpy ~=1", "~=1"},
		{"numpy $1", "$1"},
		{"numpy >=1.0,", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, err := Parse(tt.in)
			require.Error(t, err)
			var perr *ParseError
			require.True(t, errors.As(err, &perr), "%T", err)
			require.Equal(t, tt.in, perr.Input)
			require.Equal(t, tt.offending, perr.Offending)
		})
	}
}

func TestSatisfies(t *testing.T) {
	r := rec("numpy", "1.26.4", "py312h8753938_0")
	r.BuildNumber = 3
	r.SHA256 = "ABCD"

	tests := []struct {
		spec string
		want bool
	}{
		{"numpy", true},
		{"scipy", false},
		{"numpy>=1.26", true},
		{"numpy>1.26.4", false},
		{"numpy<=1.26.4", true},
		{"numpy<1.26.4", false},
		{"numpy==1.26.4", true},
		{"numpy==1.26", false},
		{"numpy!=1.26.4", false},
		{"numpy 1.26", false},
		{"numpy 1.26.4.0", true},
		{"numpy=1.26", true},
		{"numpy 1.2.*", false},
		{"numpy 1.*", true},
		{"numpy ~=1.26.0", true},
		{"numpy ~=1.25.0", false},
		{"numpy <1|>=1.26,<1.27", true},
		{"numpy >=2|<1", false},
		{"numpy !=1.26.*", false},
		{"numpy * py312*", true},
		{"numpy * py311*", false},
		{"numpy * *_0", true},
		{"numpy[build_number='>=3']", true},
		{"numpy[build_number='>3']", false},
		{"numpy[build_number=3]", true},
		{"conda-forge::numpy", true},
		{"bioconda::numpy", false},
		{"https://conda.anaconda.org/conda-forge::numpy", true},
		{"conda-forge/linux-64::numpy", true},
		{"conda-forge/osx-64::numpy", false},
		{"numpy[sha256=abcd]", true},
		{"numpy[md5=abcd]", false},
	}
	for _, tt := range tests {
		t.Run(tt.spec, func(t *testing.T) {
			m := MustParse(tt.spec)
			require.Equal(t, tt.want, m.Satisfies(r))
			// pure: asking again gives the same answer and leaves the record alone
			require.Equal(t, tt.want, m.Satisfies(r))
			require.Equal(t, "1.26.4", r.Version.String())
		})
	}

	require.False(t, MustParse("numpy").Satisfies(nil))
	var nilSpec *MatchSpec
	require.False(t, nilSpec.Satisfies(r))
}

func TestPrereleaseOrdering(t *testing.T) {
	m := MustParse("python >=3.12.0a0,<3.13.0a0")
	require.True(t, m.Satisfies(rec("python", "3.12.1", "h_0")))
	require.True(t, m.Satisfies(rec("python", "3.12.0rc1", "h_0")))
	require.False(t, m.Satisfies(rec("python", "3.13.0", "h_0")))
	require.False(t, m.Satisfies(rec("python", "3.13.0a0", "h_0")))
}

func TestStringRoundTrip(t *testing.T) {
	for _, in := range []string{
		"numpy",
		"numpy>=1.20,<2|2.1.*",
		"numpy 1.26.* py312*",
		"numpy=1.26=py312_0",
		"numpy>=1.26::conda-forge",
		"conda-forge/linux-64::numpy",
		"numpy * py312*",
		"numpy[version='>=1.2', build_number='>=2', sha256=ABCD, subdir=osx-64]",
		"numpy >=1[build_number=2]::conda-forge",
	} {
		t.Run(in, func(t *testing.T) {
			m := MustParse(in)
			again, err := Parse(m.String())
			require.NoError(t, err, "reparse %q", m.String())
			require.Equal(t, m.String(), again.String())
			require.Equal(t, m.Name, again.Name)
			require.Equal(t, m.Channel, again.Channel)
			require.Equal(t, m.Subdir, again.Subdir)
			require.Equal(t, m.Build, again.Build)
			require.Equal(t, m.SHA256, again.SHA256)
		})
	}
}

func TestVersionSpecFlags(t *testing.T) {
	require.True(t, MustParse("numpy==1.0").Version.IsExact())
	require.False(t, MustParse("numpy>=1.0").Version.IsExact())
	require.Nil(t, MustParse("numpy *").Version)
	var nilSpec *VersionSpec
	require.True(t, nilSpec.IsAny())
	require.True(t, nilSpec.Matches(version.MustParse("1")))
}

func TestParseVersionSpec(t *testing.T) {
	vs, err := ParseVersionSpec(">=1.2, <2 | 3.0.*")
	require.NoError(t, err)
	require.Equal(t, ">=1.2,<2|3.0.*", vs.String())
	for v, want := range map[string]bool{
		"1.1":   false,
		"1.2":   true,
		"1.9.9": true,
		"2.0":   false,
		"3.0.4": true,
		"3.1":   false,
	} {
		require.Equal(t, want, vs.Matches(version.MustParse(v)), v)
	}

	_, err = ParseVersionSpec(">=1,(2)")
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, ">=1,(2)", perr.Input)
}

func TestParseBuildNumberSpec(t *testing.T) {
	b, err := ParseBuildNumberSpec(">=2")
	require.NoError(t, err)
	require.False(t, b.Matches(1))
	require.True(t, b.Matches(2))
	require.True(t, b.Matches(7))
	require.Equal(t, ">=2", b.String())

	b, err = ParseBuildNumberSpec(" 3 ")
	require.NoError(t, err)
	require.True(t, b.Matches(3))
	require.False(t, b.Matches(4))
	require.Equal(t, "3", b.String())

	for _, in := range []string{"~=2", "abc", ">="} {
		_, err := ParseBuildNumberSpec(in)
		var perr *ParseError
		require.ErrorAs(t, err, &perr, in)
		require.Equal(t, in, perr.Input)
	}
}
