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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"chainguard.dev/cpm/pkg/conda/channel"
	"chainguard.dev/cpm/pkg/conda/solve"
)

func TestLoad(t *testing.T) {
	p := filepath.Join(t.TempDir(), "environment.yaml")
	require.NoError(t, os.WriteFile(p, []byte(`
name: demo
channels: [conda-forge, bioconda]
platforms: [linux-64, osx-arm64]
dependencies:
  - python >=3.11
  - numpy
pins: ["openssl 3.*"]
channel-priority: disabled
`), 0o644))

	var e Environment
	require.NoError(t, e.Load(p))
	require.NoError(t, e.Validate())

	want := Environment{
		Name:            "demo",
		Channels:        []string{"conda-forge", "bioconda"},
		Platforms:       []string{"linux-64", "osx-arm64"},
		Dependencies:    []string{"python >=3.11", "numpy"},
		Pins:            []string{"openssl 3.*"},
		ChannelPriority: "disabled",
	}
	if diff := cmp.Diff(want, e); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}

	ps, err := e.TargetPlatforms()
	require.NoError(t, err)
	require.Equal(t, []channel.Platform{channel.Linux64, channel.OsxArm64}, ps)
	prio, err := e.Priority()
	require.NoError(t, err)
	require.Equal(t, solve.PriorityDisabled, prio)
	specs, err := e.Specs()
	require.NoError(t, err)
	require.Equal(t, "python", specs[0].Name)
}

func TestLoadMissingFile(t *testing.T) {
	var e Environment
	require.ErrorContains(t, e.Load(filepath.Join(t.TempDir(), "nope.yaml")), "failed to read environment file")
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name, doc, want string
	}{{
		name: "empty",
		doc:  "",
		want: "empty document",
	}, {
		name: "unknown key",
		doc:  "dependencies: [zlib]\nchannel: conda-forge\n",
		want: "field channel not found",
	}, {
		name: "no dependencies",
		doc:  "name: x\n",
		want: "no dependencies",
	}, {
		name: "bad spec",
		doc:  "dependencies: ['zlib<>1']\n",
		want: `dependency "zlib<>1"`,
	}, {
		name: "bad pin",
		doc:  "dependencies: [zlib]\npins: ['>=1']\n",
		want: "pin",
	}, {
		name: "bad platform",
		doc:  "dependencies: [zlib]\nplatforms: [plan9-64]\n",
		want: "unknown platform",
	}, {
		name: "bad priority",
		doc:  "dependencies: [zlib]\nchannel-priority: flexible\n",
		want: "unknown channel priority",
	}, {
		name: "bad channel",
		doc:  "dependencies: [zlib]\nchannels: ['conda-forge[linux-99]']\n",
		want: "parsing channel",
	}} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestChannelListDefault(t *testing.T) {
	e := Environment{Dependencies: []string{"zlib"}}
	require.Equal(t, DefaultChannels, e.ChannelList())
}

func TestChecksum(t *testing.T) {
	a, err := Parse([]byte("dependencies: [zlib]\n"))
	require.NoError(t, err)
	b, err := Parse([]byte("# a comment\ndependencies:\n  - zlib\n"))
	require.NoError(t, err)
	c, err := Parse([]byte("dependencies: [zlib, bzip2]\n"))
	require.NoError(t, err)

	sa, err := a.Checksum()
	require.NoError(t, err)
	sb, err := b.Checksum()
	require.NoError(t, err)
	sc, err := c.Checksum()
	require.NoError(t, err)
	require.Equal(t, sa, sb, "formatting doesn't change the checksum")
	require.NotEqual(t, sa, sc)

	withAlias, err := a.Checksum("https://example.com")
	require.NoError(t, err)
	require.NotEqual(t, sa, withAlias)
}

func TestChecksumIgnoresNameAndPlatforms(t *testing.T) {
	a, err := Parse([]byte("dependencies: [zlib]\n"))
	require.NoError(t, err)
	b, err := Parse([]byte("name: other\nplatforms: [osx-arm64]\ndependencies: [zlib]\n"))
	require.NoError(t, err)

	sa, err := a.Checksum()
	require.NoError(t, err)
	sb, err := b.Checksum()
	require.NoError(t, err)
	require.Equal(t, sa, sb)
}
