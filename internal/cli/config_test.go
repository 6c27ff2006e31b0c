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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"chainguard.dev/cpm/pkg/conda/channel"
)

func TestSettingsLayering(t *testing.T) {
	cache := t.TempDir()
	cfg := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte(`
offline: true
retries: 2
concurrency: 3
link-mode: copy
timeout: 5s
`), 0o644))
	t.Setenv("CPM_RETRIES", "7")
	t.Setenv("CPM_RATE_LIMIT", "2.5")

	out, err := run(t, cache, "--config", cfg, "--concurrency", "9", "show-config")
	require.NoError(t, err)

	var got settings
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	want := settings{
		CacheDir:     cache,
		Offline:      true,            // config file
		Concurrency:  9,               // flag beats config file
		Retries:      7,               // environment beats config file
		Timeout:      5 * time.Second, // config file
		ChannelAlias: channel.DefaultAlias,
		LinkMode:     "copy",
		RateLimit:    2.5,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestSettingsMissingConfigFile(t *testing.T) {
	_, err := run(t, t.TempDir(), "--config", filepath.Join(t.TempDir(), "nope.yaml"), "show-config")
	require.ErrorContains(t, err, "failed to read configuration file")
}

func TestSettingsValidation(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want string
	}{
		{[]string{"--concurrency", "0"}, "concurrency must be at least 1"},
		{[]string{"--retries", "-1"}, "retries must not be negative"},
		{[]string{"--link-mode", "symlink"}, "symlink"},
		{[]string{"--channel-priority", "flexible"}, "unknown channel priority"},
		{[]string{"--channel-alias", "not-a-url"}, "must be an absolute URL"},
	} {
		t.Run(tc.want, func(t *testing.T) {
			_, err := run(t, t.TempDir(), append(tc.args, "show-config")...)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestShowConfigWithEnvironment(t *testing.T) {
	envFile := writeEnv(t, "dependencies: [zlib]\n")
	out, err := run(t, t.TempDir(), "show-config", envFile)
	require.NoError(t, err)
	require.Contains(t, out, "---")
	require.Contains(t, out, "- conda-forge")
	require.Contains(t, out, "- zlib")
}
