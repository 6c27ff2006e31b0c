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

//go:build linux
// +build linux

package virtual

import (
	"context"
	"os/exec"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sys/unix"
)

func detectHost(ctx context.Context) host {
	h := host{inspected: true}
	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		h.kernel = unix.ByteSliceToString(uts.Release[:])
	} else {
		clog.FromContext(ctx).Debugf("uname: %v", err)
	}
	h.glibc = glibcVersion(ctx)
	return h
}

// glibcVersion asks getconf, which prints e.g. "glibc 2.36". Systems
// without glibc (musl) report nothing.
func glibcVersion(ctx context.Context) string {
	out, err := exec.CommandContext(ctx, "getconf", "GNU_LIBC_VERSION").Output()
	if err != nil {
		clog.FromContext(ctx).Debugf("getconf GNU_LIBC_VERSION: %v", err)
		return ""
	}
	return parseGlibc(out)
}
