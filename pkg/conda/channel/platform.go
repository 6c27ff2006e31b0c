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
	"fmt"
	"runtime"
	"strings"
)

// Platform names a channel subdirectory.
type Platform string

const (
	NoArch           Platform = "noarch"
	Linux32          Platform = "linux-32"
	Linux64          Platform = "linux-64"
	LinuxAarch64     Platform = "linux-aarch64"
	LinuxArmV6l      Platform = "linux-armv6l"
	LinuxArmV7l      Platform = "linux-armv7l"
	LinuxPpc64le     Platform = "linux-ppc64le"
	LinuxPpc64       Platform = "linux-ppc64"
	LinuxS390X       Platform = "linux-s390x"
	LinuxRiscv64     Platform = "linux-riscv64"
	Osx64            Platform = "osx-64"
	OsxArm64         Platform = "osx-arm64"
	Win32            Platform = "win-32"
	Win64            Platform = "win-64"
	WinArm64         Platform = "win-arm64"
	EmscriptenWasm32 Platform = "emscripten-wasm32"
	WasiWasm32       Platform = "wasi-wasm32"
)

// AllPlatforms lists every known platform.
var AllPlatforms = []Platform{
	NoArch, Linux32, Linux64, LinuxAarch64, LinuxArmV6l, LinuxArmV7l, LinuxPpc64le, LinuxPpc64,
	LinuxS390X, LinuxRiscv64, Osx64, OsxArm64, Win32, Win64, WinArm64, EmscriptenWasm32, WasiWasm32,
}

// ParsePlatform validates a platform name.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllPlatforms {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// Current returns the platform this binary runs on, falling back to noarch
// for unknown combinations.
func Current() Platform {
	return FromGo(runtime.GOOS, runtime.GOARCH)
}

// FromGo maps a GOOS/GOARCH pair to a platform.
func FromGo(goos, goarch string) Platform {
	os := goos
	if os == "darwin" {
		os = "osx"
	}
	if os == "windows" {
		os = "win"
	}
	var arch string
	switch goarch {
	case "amd64":
		arch = "64"
	case "386":
		arch = "32"
	case "arm64":
		if os == "linux" {
			arch = "aarch64"
		} else {
			arch = "arm64"
		}
	case "arm":
		arch = "armv7l"
	case "ppc64le", "ppc64", "s390x", "riscv64":
		arch = goarch
	default:
		return NoArch
	}
	p, err := ParsePlatform(os + "-" + arch)
	if err != nil {
		return NoArch
	}
	return p
}

func (p Platform) String() string {
	return string(p)
}

// OS returns the operating system half of the platform, "" for noarch.
func (p Platform) OS() string {
	os, _, ok := strings.Cut(string(p), "-")
	if !ok {
		return ""
	}
	return os
}

// Arch returns the architecture half of the platform, "" for noarch.
func (p Platform) Arch() string {
	_, arch, ok := strings.Cut(string(p), "-")
	if !ok {
		return ""
	}
	return arch
}

// IsUnix reports whether the platform is linux or osx.
func (p Platform) IsUnix() bool {
	return p.OS() == "linux" || p.OS() == "osx"
}

// ParsePlatforms parses a list of platform names, dropping duplicates.
func ParsePlatforms(in []string) ([]Platform, error) {
	var out []Platform
	seen := map[Platform]bool{}
	for _, s := range in {
		p, err := ParsePlatform(s)
		if err != nil {
			return nil, err
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// DefaultPlatforms returns the current platform and noarch.
func DefaultPlatforms() []Platform {
	if c := Current(); c != NoArch {
		return []Platform{c, NoArch}
	}
	return []Platform{NoArch}
}
