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

import (
	"errors"
	"fmt"
)

// ErrUnsafePath is wrapped when an archive entry or link target would land
// outside the directory it is extracted into.
var ErrUnsafePath = errors.New("path escapes the extraction root")

// ChecksumMismatchError reports an artifact whose bytes don't hash to the
// value its record declares. The artifact is discarded.
type ChecksumMismatchError struct {
	Package   string
	URL       string
	Algorithm string
	Expected  string
	Actual    string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("%s: %s mismatch for %s: expected %s, got %s", e.Package, e.Algorithm, e.URL, e.Expected, e.Actual)
}

// ArtifactMismatchError reports an artifact whose info/index.json disagrees
// with the record it was downloaded for.
type ArtifactMismatchError struct {
	Package  string
	Field    string
	Expected string
	Actual   string
}

func (e *ArtifactMismatchError) Error() string {
	return fmt.Sprintf("%s: artifact metadata has %s %q, the index has %q", e.Package, e.Field, e.Actual, e.Expected)
}

// FilesystemError reports a failed filesystem operation while unpacking into
// the package cache or linking into a prefix.
type FilesystemError struct {
	Package string
	Path    string
	Op      string
	Err     error
}

func (e *FilesystemError) Error() string {
	if e.Package == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", e.Package, e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

func (e *FilesystemError) Is(target error) bool {
	_, ok := target.(*FilesystemError)
	return ok
}

// ErrFilesystem can be used with errors.Is to test for a FilesystemError.
var ErrFilesystem error = &FilesystemError{}

func fsError(pkg, op, path string, err error) error {
	if err == nil {
		return nil
	}
	var fe *FilesystemError
	if errors.As(err, &fe) {
		return err
	}
	return &FilesystemError{Package: pkg, Path: path, Op: op, Err: err}
}
