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

//go:build darwin
// +build darwin

package virtual

import (
	"context"

	"github.com/chainguard-dev/clog"
	"golang.org/x/sys/unix"
)

func detectHost(ctx context.Context) host {
	v, err := unix.Sysctl("kern.osproductversion")
	if err != nil {
		clog.FromContext(ctx).Debugf("sysctl kern.osproductversion: %v", err)
		return host{inspected: true}
	}
	return host{inspected: true, osx: leadingVersion.FindString(v)}
}
