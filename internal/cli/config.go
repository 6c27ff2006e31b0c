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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"chainguard.dev/cpm/pkg/conda/channel"
	"chainguard.dev/cpm/pkg/conda/install"
	"chainguard.dev/cpm/pkg/conda/repodata"
	"chainguard.dev/cpm/pkg/conda/solve"
	"chainguard.dev/cpm/pkg/env"
	"chainguard.dev/cpm/pkg/fetch"
)

// Keys shared by flags, CPM_* environment variables and the config file.
const (
	keyCacheDir        = "cache-dir"
	keyOffline         = "offline"
	keyConcurrency     = "concurrency"
	keyRetries         = "retries"
	keyTimeout         = "timeout"
	keyChannelAlias    = "channel-alias"
	keyChannelPriority = "channel-priority"
	keyLinkMode        = "link-mode"
	keyAllowStale      = "allow-stale"
	keyRateLimit       = "rate-limit"
)

// settings are the resolved global options.
type settings struct {
	CacheDir        string        `yaml:"cache-dir"`
	Offline         bool          `yaml:"offline"`
	Concurrency     int           `yaml:"concurrency"`
	Retries         int           `yaml:"retries"`
	Timeout         time.Duration `yaml:"timeout"`
	ChannelAlias    string        `yaml:"channel-alias,omitempty"`
	ChannelPriority string        `yaml:"channel-priority,omitempty"`
	LinkMode        string        `yaml:"link-mode"`
	AllowStale      bool          `yaml:"allow-stale"`
	RateLimit       float64       `yaml:"rate-limit"`

	// ConfigFile is the file the settings were read from, if any.
	ConfigFile string `yaml:"-"`
}

func addSettingsFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String(keyCacheDir, fetch.DefaultCacheDir(), "directory caching indexes and unpacked packages")
	f.Bool(keyOffline, false, "do not use the network; indexes and packages must be cached")
	f.Int(keyConcurrency, 4, "number of packages fetched at once")
	f.Int(keyRetries, fetch.DefaultRetries, "retries for failed requests")
	f.Duration(keyTimeout, fetch.DefaultTimeout, "time allowed for a server to start responding")
	f.String(keyChannelAlias, channel.DefaultAlias, "URL prefixed to channel names")
	f.String(keyChannelPriority, "", "strict or disabled; overrides environment files")
	f.String(keyLinkMode, install.LinkHardlink.String(), "how files are placed in prefixes: hardlink or copy")
	f.Bool(keyAllowStale, false, "use cached indexes when a channel cannot be reached")
	f.Float64(keyRateLimit, 0, "maximum requests per second (0 means unlimited)")
}

// defaultConfigFile is $XDG_CONFIG_HOME/cpm/config.yaml or the platform
// equivalent.
func defaultConfigFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cpm", "config.yaml")
}

// loadSettings layers flags over CPM_* environment variables over the
// config file. An explicitly named config file must exist.
func loadSettings(cmd *cobra.Command, configFile string) (*settings, error) {
	v := viper.New()
	v.SetEnvPrefix("CPM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, err
	}

	explicit := configFile != ""
	if !explicit {
		configFile = defaultConfigFile()
	}
	var used string
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		switch err := v.ReadInConfig(); {
		case err == nil:
			used = configFile
		case !explicit && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	s := &settings{
		CacheDir:        v.GetString(keyCacheDir),
		Offline:         v.GetBool(keyOffline),
		Concurrency:     v.GetInt(keyConcurrency),
		Retries:         v.GetInt(keyRetries),
		Timeout:         v.GetDuration(keyTimeout),
		ChannelAlias:    v.GetString(keyChannelAlias),
		ChannelPriority: v.GetString(keyChannelPriority),
		LinkMode:        v.GetString(keyLinkMode),
		AllowStale:      v.GetBool(keyAllowStale),
		RateLimit:       v.GetFloat64(keyRateLimit),
		ConfigFile:      used,
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *settings) Validate() error {
	if s.CacheDir == "" {
		return fmt.Errorf("%s must not be empty", keyCacheDir)
	}
	if s.Concurrency < 1 {
		return fmt.Errorf("%s must be at least 1, got %d", keyConcurrency, s.Concurrency)
	}
	if s.Retries < 0 {
		return fmt.Errorf("%s must not be negative, got %d", keyRetries, s.Retries)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("%s must not be negative, got %s", keyTimeout, s.Timeout)
	}
	if s.RateLimit < 0 {
		return fmt.Errorf("%s must not be negative, got %v", keyRateLimit, s.RateLimit)
	}
	if _, err := channel.NewConfig(s.ChannelAlias); err != nil {
		return err
	}
	if s.ChannelPriority != "" {
		if _, err := solve.ParseChannelPriority(s.ChannelPriority); err != nil {
			return err
		}
	}
	if _, err := install.ParseLinkMode(s.LinkMode); err != nil {
		return err
	}
	return nil
}

func (s *settings) clientOptions() []fetch.ClientOption {
	return []fetch.ClientOption{
		fetch.WithRetries(s.Retries),
		fetch.WithTimeout(s.Timeout),
		fetch.WithRateLimit(s.RateLimit),
	}
}

func (s *settings) provider() (*repodata.Provider, error) {
	return repodata.New(
		repodata.WithCacheDir(s.CacheDir),
		repodata.WithClientOptions(s.clientOptions()...),
		repodata.WithOffline(s.Offline),
		repodata.WithStaleFallback(s.AllowStale),
	)
}

func (s *settings) installer(progress func(install.Event)) (*install.Installer, error) {
	mode, err := install.ParseLinkMode(s.LinkMode)
	if err != nil {
		return nil, err
	}
	opts := []install.Option{
		install.WithCacheDir(s.CacheDir),
		install.WithClientOptions(s.clientOptions()...),
		install.WithConcurrency(s.Concurrency),
		install.WithLinkMode(mode),
	}
	if progress != nil {
		opts = append(opts, install.WithProgress(progress))
	}
	return install.New(opts...)
}

// manager wires a Manager from the settings.
func (s *settings) manager(progress func(install.Event), extra ...env.Option) (*env.Manager, error) {
	p, err := s.provider()
	if err != nil {
		return nil, err
	}
	i, err := s.installer(progress)
	if err != nil {
		return nil, err
	}
	cc, err := channel.NewConfig(s.ChannelAlias)
	if err != nil {
		return nil, err
	}
	opts := []env.Option{env.WithProvider(p), env.WithInstaller(i), env.WithChannelConfig(cc)}
	if s.ChannelPriority != "" {
		prio, err := solve.ParseChannelPriority(s.ChannelPriority)
		if err != nil {
			return nil, err
		}
		opts = append(opts, env.WithChannelPriority(prio))
	}
	return env.New(append(opts, extra...)...)
}
