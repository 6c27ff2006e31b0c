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

// Package channel resolves human readable channel strings such as
// "conda-forge", "https://repo.anaconda.com/pkgs/main[linux-64]" or
// "./local-channel" into the URLs of their platform subdirectories.
package channel

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"go.lsp.dev/uri"
)

// DefaultAlias is prefixed to channel names that are not URLs or paths.
const DefaultAlias = "https://conda.anaconda.org"

var pathRegex = regexp.MustCompile(`^(\.\.?$|\.\.?[/\\]|~|/|[a-zA-Z]:[/\\]|\\\\)`)

// Config influences how channel strings are interpreted.
type Config struct {
	// Alias is prefixed to bare channel names.
	Alias *url.URL
}

// DefaultConfig returns a Config using DefaultAlias.
func DefaultConfig() Config {
	u, _ := url.Parse(DefaultAlias)
	return Config{Alias: u}
}

// NewConfig returns a Config for the given alias, or the default alias when
// empty.
func NewConfig(alias string) (Config, error) {
	if alias == "" {
		return DefaultConfig(), nil
	}
	u, err := url.Parse(strings.TrimSuffix(alias, "/"))
	if err != nil {
		return Config{}, fmt.Errorf("parsing channel alias %q: %w", alias, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return Config{}, fmt.Errorf("channel alias %q must be an absolute URL", alias)
	}
	return Config{Alias: u}, nil
}

// Channel is a parsed channel.
type Channel struct {
	// Platforms restricts the subdirectories of the channel; nil means the
	// default platforms.
	Platforms []Platform `json:"platforms,omitempty"`
	// Scheme is usually http, https or file.
	Scheme string `json:"scheme"`
	// Location is the host (and port) or, for file channels, the parent
	// directory.
	Location string `json:"location"`
	// Name is the path of the channel below Location.
	Name string `json:"name"`
}

// Parse parses a channel string.
func Parse(s string, config Config) (*Channel, error) {
	platforms, rest, err := parsePlatforms(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("parsing channel %q: %w", s, err)
	}
	if rest == "" {
		return nil, fmt.Errorf("parsing channel %q: empty channel", s)
	}

	switch {
	case hasScheme(rest):
		u, err := url.Parse(rest)
		if err != nil {
			return nil, fmt.Errorf("parsing channel %q: %w", s, err)
		}
		return fromURL(u, platforms), nil
	case isPath(rest):
		abs, err := filepath.Abs(expandHome(rest))
		if err != nil {
			return nil, fmt.Errorf("parsing channel %q: invalid path: %w", s, err)
		}
		u, err := url.Parse(string(uri.File(abs)))
		if err != nil {
			return nil, fmt.Errorf("parsing channel %q: invalid path: %w", s, err)
		}
		return fromURL(u, platforms), nil
	default:
		return fromName(rest, platforms, config), nil
	}
}

// MustParse is like Parse but panics on error.
func MustParse(s string, config Config) *Channel {
	c, err := Parse(s, config)
	if err != nil {
		panic(err)
	}
	return c
}

func fromURL(u *url.URL, platforms []Platform) *Channel {
	path := strings.TrimSuffix(u.Path, "/")
	if u.Host == "" && u.Scheme == "file" {
		location, name := "/", strings.TrimPrefix(path, "/")
		if i := strings.LastIndex(path, "/"); i >= 0 {
			location, name = path[:i], path[i+1:]
		}
		return &Channel{Platforms: platforms, Scheme: "file", Location: location, Name: name}
	}
	return &Channel{
		Platforms: platforms,
		Scheme:    u.Scheme,
		Location:  u.Host,
		Name:      strings.TrimPrefix(path, "/"),
	}
}

func fromName(name string, platforms []Platform, config Config) *Channel {
	alias := config.Alias
	if alias == nil {
		alias = DefaultConfig().Alias
	}
	return &Channel{
		Platforms: platforms,
		Scheme:    alias.Scheme,
		Location:  strings.TrimSuffix(alias.Host+alias.Path, "/"),
		Name:      strings.Trim(name, "/"),
	}
}

// BaseURL returns the URL of the channel without a platform.
func (c *Channel) BaseURL() string {
	if c.Scheme == "file" {
		return "file://" + strings.TrimSuffix(c.Location, "/") + "/" + c.Name
	}
	if c.Name == "" {
		return fmt.Sprintf("%s://%s", c.Scheme, c.Location)
	}
	return fmt.Sprintf("%s://%s/%s", c.Scheme, c.Location, c.Name)
}

// PlatformURL returns the subdirectory URL of platform, with a trailing slash.
func (c *Channel) PlatformURL(p Platform) string {
	return c.BaseURL() + "/" + string(p) + "/"
}

// CanonicalName identifies the channel in records and lock files.
func (c *Channel) CanonicalName() string {
	return c.BaseURL()
}

// DisplayName is the short name users typed for alias channels and the full
// URL otherwise.
func (c *Channel) DisplayName(config Config) string {
	alias := config.Alias
	if alias == nil {
		alias = DefaultConfig().Alias
	}
	if c.Scheme == alias.Scheme && c.Location == strings.TrimSuffix(alias.Host+alias.Path, "/") {
		return c.Name
	}
	return c.BaseURL()
}

// PlatformsOrDefault returns the explicit platforms or the defaults.
func (c *Channel) PlatformsOrDefault() []Platform {
	if len(c.Platforms) > 0 {
		return c.Platforms
	}
	return DefaultPlatforms()
}

func (c *Channel) String() string {
	return c.CanonicalName()
}

// Subdir is one platform subdirectory of a channel. Priority orders channels
// as the user listed them: 0 is the most preferred.
type Subdir struct {
	Channel  *Channel
	Platform Platform
	Priority int
}

// URL returns the subdirectory URL.
func (s Subdir) URL() string {
	return s.Channel.PlatformURL(s.Platform)
}

func (s Subdir) String() string {
	return s.URL()
}

// Subdirs expands channels into their subdirectories for the given platforms.
// A channel with explicit platforms ignores the argument. When platforms is
// empty the defaults are used. noarch is always included.
func Subdirs(channels []*Channel, platforms []Platform) []Subdir {
	var out []Subdir
	for prio, c := range channels {
		ps := platforms
		if len(c.Platforms) > 0 {
			ps = c.Platforms
		} else if len(ps) == 0 {
			ps = DefaultPlatforms()
		}
		seen := map[Platform]bool{}
		for _, p := range append(append([]Platform{}, ps...), NoArch) {
			if seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, Subdir{Channel: c, Platform: p, Priority: prio})
		}
	}
	return out
}

// parsePlatforms splits a trailing "[plat1,plat2]" suffix off a channel.
func parsePlatforms(s string) ([]Platform, string, error) {
	if !strings.HasSuffix(s, "]") {
		return nil, s, nil
	}
	start := strings.LastIndex(s, "[")
	if start < 0 {
		return nil, s, nil
	}
	ps, err := ParsePlatforms(strings.Split(s[start+1:len(s)-1], ","))
	if err != nil {
		return nil, "", err
	}
	return ps, s[:start], nil
}

// hasScheme reports whether s starts with a short "scheme://" prefix.
func hasScheme(s string) bool {
	end := strings.Index(s, "://")
	if end <= 0 || end > 11 {
		return false
	}
	for i, r := range s[:end] {
		if i == 0 && !unicode.IsLetter(r) {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func isPath(s string) bool {
	return pathRegex.MatchString(s)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
