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

// Package virtual describes the system an environment targets as a set of
// virtual packages (__unix, __linux, __glibc, __osx, __win, __archspec and
// __cuda) that package dependencies can name like any other package.
package virtual

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/chainguard-dev/clog"

	"chainguard.dev/cpm/pkg/conda/channel"
	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/conda/version"
)

// Environment variables that replace detected values. An empty value removes
// the package.
const (
	OverrideGlibc    = "CONDA_OVERRIDE_GLIBC"
	OverrideCuda     = "CONDA_OVERRIDE_CUDA"
	OverrideOSX      = "CONDA_OVERRIDE_OSX"
	OverrideLinux    = "CONDA_OVERRIDE_LINUX"
	OverrideArchspec = "CONDA_OVERRIDE_ARCHSPEC"
	OverrideWin      = "CONDA_OVERRIDE_WIN"
)

// Defaults used when solving for a platform other than the host.
const (
	DefaultGlibc    = "2.17"
	DefaultOSXIntel = "10.13"
	DefaultOSXArm   = "11.0"
)

var leadingVersion = regexp.MustCompile(`^\d+(\.\d+)*`)

// Package is one virtual package.
type Package struct {
	Name    string
	Version string
	Build   string
}

// Record converts p into a record the solver can choose.
func (p Package) Record(platform channel.Platform) (*types.PackageRecord, error) {
	v, err := version.Parse(p.Version)
	if err != nil {
		return nil, fmt.Errorf("virtual package %s: %w", p.Name, err)
	}
	build := p.Build
	if build == "" {
		build = "0"
	}
	return &types.PackageRecord{
		Name:    p.Name,
		Version: v,
		Build:   build,
		Subdir:  string(platform),
		Channel: "@virtual",
	}, nil
}

// host is what the running system reports. Fields are empty when unknown.
// When inspected is false the platform defaults apply instead.
type host struct {
	inspected bool
	kernel    string
	glibc     string
	osx       string
}

type lookupEnv func(string) (string, bool)

// Detect returns the virtual packages for platform. When platform is the host
// platform the running system is inspected; otherwise defaults are used.
// CONDA_OVERRIDE_* variables win in both cases.
func Detect(ctx context.Context, platform channel.Platform) ([]Package, error) {
	var h host
	if platform == channel.Current() {
		h = detectHost(ctx)
	}
	return packages(platform, h, os.LookupEnv)
}

// Records is Detect converted to records.
func Records(ctx context.Context, platform channel.Platform) ([]*types.PackageRecord, error) {
	pkgs, err := Detect(ctx, platform)
	if err != nil {
		return nil, err
	}
	out := make([]*types.PackageRecord, 0, len(pkgs))
	for _, p := range pkgs {
		r, err := p.Record(platform)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	clog.FromContext(ctx).Debugf("virtual packages for %s: %v", platform, pkgs)
	return out, nil
}

func packages(platform channel.Platform, h host, env lookupEnv) ([]Package, error) {
	var out []Package
	// add appends a package unless an override removes it.
	add := func(name, detected, override, build string) {
		v := detected
		if o, ok := env(override); ok && override != "" {
			v = o
		}
		if v == "" {
			return
		}
		out = append(out, Package{Name: name, Version: v, Build: build})
	}

	if platform.IsUnix() {
		out = append(out, Package{Name: "__unix", Version: "0"})
	}

	switch platform.OS() {
	case "linux":
		kernel := "0"
		if m := leadingVersion.FindString(h.kernel); m != "" {
			kernel = m
		}
		add("__linux", kernel, OverrideLinux, "")
		glibc := h.glibc
		if !h.inspected {
			glibc = DefaultGlibc
		}
		add("__glibc", glibc, OverrideGlibc, "")
	case "osx":
		osx := h.osx
		if !h.inspected || osx == "" {
			osx = DefaultOSXIntel
			if platform == channel.OsxArm64 {
				osx = DefaultOSXArm
			}
		}
		add("__osx", osx, OverrideOSX, "")
	case "win":
		add("__win", "0", OverrideWin, "")
	}

	add("__cuda", "", OverrideCuda, "")

	if arch := archspec(platform); arch != "" {
		build := arch
		if o, ok := env(OverrideArchspec); ok {
			build = o
		}
		if build != "" {
			out = append(out, Package{Name: "__archspec", Version: "1", Build: build})
		}
	}

	for _, p := range out {
		if _, err := version.Parse(p.Version); err != nil {
			return nil, fmt.Errorf("virtual package %s: %w", p.Name, err)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// archspec names the generic microarchitecture of a platform.
func archspec(p channel.Platform) string {
	switch p {
	case channel.Linux64, channel.Osx64, channel.Win64:
		return "x86_64"
	case channel.Linux32, channel.Win32:
		return "x86"
	case channel.LinuxAarch64:
		return "aarch64"
	case channel.OsxArm64, channel.WinArm64:
		return "arm64"
	case channel.LinuxPpc64le:
		return "ppc64le"
	case channel.LinuxPpc64:
		return "ppc64"
	case channel.LinuxS390X:
		return "s390x"
	case channel.LinuxArmV6l:
		return "armv6l"
	case channel.LinuxArmV7l:
		return "armv7l"
	case channel.LinuxRiscv64:
		return "riscv64"
	case channel.EmscriptenWasm32, channel.WasiWasm32:
		return "wasm32"
	}
	return ""
}

// parseGlibc reads the output of `getconf GNU_LIBC_VERSION`.
func parseGlibc(out []byte) string {
	fields := strings.Fields(string(out))
	if len(fields) != 2 || !strings.EqualFold(fields[0], "glibc") {
		return ""
	}
	return leadingVersion.FindString(fields[1])
}
