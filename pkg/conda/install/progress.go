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

package install

import "fmt"

// EventKind says what happened to a package.
type EventKind int

const (
	PackageStarted EventKind = iota
	BytesTransferred
	PackageVerified
	PackageUnpacked
	PackageLinked
	PackageFinished
	PackageRemoved
)

func (k EventKind) String() string {
	switch k {
	case PackageStarted:
		return "started"
	case BytesTransferred:
		return "bytes"
	case PackageVerified:
		return "verified"
	case PackageUnpacked:
		return "unpacked"
	case PackageLinked:
		return "linked"
	case PackageFinished:
		return "finished"
	case PackageRemoved:
		return "removed"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one progress notification. Bytes and Total are only set for
// BytesTransferred: Bytes is the running count for the package and Total
// its declared size, 0 when unknown.
type Event struct {
	Kind    EventKind
	Package string
	Bytes   int64
	Total   int64
}

// countingWriter reports BytesTransferred as an artifact streams to disk.
type countingWriter struct {
	pkg   string
	n     int64
	total int64
	emit  func(Event)
}

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	w.emit(Event{Kind: BytesTransferred, Package: w.pkg, Bytes: w.n, Total: w.total})
	return len(p), nil
}
