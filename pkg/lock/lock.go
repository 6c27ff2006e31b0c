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

// Package lock reads and writes cpm lock files: the exact packages an
// environment resolved to, per target platform, so that it can be recreated
// without solving.
package lock

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/conda/version"
	"chainguard.dev/cpm/pkg/fetch"
)

// FormatVersion is written into every lock file.
const FormatVersion = "v1"

type Lock struct {
	Version  string       `json:"version"`
	Config   *Config      `json:"config,omitempty"`
	Contents LockContents `json:"contents"`
}

// Config describes the environment file used to generate the lock file.
// Used to detect that the environment changed without regenerating the
// lock file.
type Config struct {
	Name string `json:"name,omitempty"`
	// DeepChecksum covers the environment file and the settings that
	// influence the solve.
	DeepChecksum string `json:"checksum,omitempty"`
}

type LockContents struct {
	Channels  []LockChannel `json:"channels"`
	Platforms []string      `json:"platforms"`
	// Packages in order of installation, per platform.
	Packages []LockPkg `json:"packages"`
}

type LockChannel struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

type LockPkg struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Build       string   `json:"build"`
	BuildNumber uint64   `json:"build_number"`
	Platform    string   `json:"platform"`
	Subdir      string   `json:"subdir"`
	Channel     string   `json:"channel"`
	URL         string   `json:"url"`
	FileName    string   `json:"fn,omitempty"`
	SHA256      string   `json:"sha256,omitempty"`
	MD5         string   `json:"md5,omitempty"`
	Size        uint64   `json:"size,omitempty"`
	Depends     []string `json:"depends"`
	Constrains  []string `json:"constrains,omitempty"`
	Noarch      string   `json:"noarch,omitempty"`
	PURL        string   `json:"purl,omitempty"`
}

// Checksum returns the checksum recorded in Config.DeepChecksum for the
// given inputs.
func Checksum(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		// Length prefix so that part boundaries can't shift.
		fmt.Fprintf(h, "%d:", len(p))
		h.Write(p)
	}
	return "sha256-" + hex.EncodeToString(h.Sum(nil))
}

// AddSolution appends the installable records of sol for platform.
func (lock *Lock) AddSolution(platform string, sol *types.Solution, purl func(*types.PackageRecord) string) {
	for _, r := range sol.Installable() {
		p := LockPkg{
			Name:        r.Name,
			Version:     r.Version.String(),
			Build:       r.Build,
			BuildNumber: r.BuildNumber,
			Platform:    platform,
			Subdir:      r.Subdir,
			Channel:     r.Channel,
			URL:         r.URL,
			FileName:    r.FileName,
			SHA256:      r.SHA256,
			MD5:         r.MD5,
			Size:        r.Size,
			Depends:     append([]string{}, r.Depends...),
			Constrains:  r.Constrains,
			Noarch:      string(r.Noarch),
		}
		if purl != nil {
			p.PURL = purl(r)
		}
		lock.Contents.Packages = append(lock.Contents.Packages, p)
	}
}

// PackagesFor returns the locked packages of one platform in install order.
func (lock Lock) PackagesFor(platform string) []LockPkg {
	var out []LockPkg
	for _, p := range lock.Contents.Packages {
		if p.Platform == platform {
			out = append(out, p)
		}
	}
	return out
}

// Solution rebuilds the solution locked for platform.
func (lock Lock) Solution(platform string) (*types.Solution, error) {
	pkgs := lock.PackagesFor(platform)
	if len(pkgs) == 0 {
		return nil, fmt.Errorf("lock file has no packages for %s", platform)
	}
	sol := &types.Solution{Records: make([]*types.PackageRecord, 0, len(pkgs))}
	seen := map[string]bool{}
	for _, p := range pkgs {
		if seen[p.Name] {
			return nil, fmt.Errorf("lock file lists %s twice for %s", p.Name, platform)
		}
		seen[p.Name] = true
		v, err := version.Parse(p.Version)
		if err != nil {
			return nil, fmt.Errorf("locked package %s: %w", p.Name, err)
		}
		if p.URL == "" {
			return nil, fmt.Errorf("locked package %s has no url", p.Name)
		}
		sol.Records = append(sol.Records, &types.PackageRecord{
			Name:        p.Name,
			Version:     v,
			Build:       p.Build,
			BuildNumber: p.BuildNumber,
			Depends:     p.Depends,
			Constrains:  p.Constrains,
			Subdir:      p.Subdir,
			Noarch:      types.NoarchType(p.Noarch),
			MD5:         p.MD5,
			SHA256:      p.SHA256,
			Size:        p.Size,
			FileName:    p.FileName,
			URL:         p.URL,
			Channel:     p.Channel,
		})
	}
	return sol, nil
}

func FromFile(lockFile string) (Lock, error) {
	payload, err := os.ReadFile(lockFile)
	if err != nil {
		return Lock{}, fmt.Errorf("failed to load lockfile: %w", err)
	}
	var lock Lock
	if err := json.Unmarshal(payload, &lock); err != nil {
		return Lock{}, fmt.Errorf("failed to parse lockfile %s: %w", lockFile, err)
	}
	if lock.Version != FormatVersion {
		return Lock{}, fmt.Errorf("unsupported lockfile version %q in %s", lock.Version, lockFile)
	}
	return lock, nil
}

func (lock Lock) SaveToFile(lockFile string) error {
	jsonb, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshall json: %w", err)
	}
	// Github and pre-commit checks (like end-of-file-fixer) are expecting ASCII files
	// to end with a newline that marshal is not providing.
	jsonb = append(jsonb, '\n')
	return fetch.WriteBytesAtomic(lockFile, 0o644, jsonb)
}
