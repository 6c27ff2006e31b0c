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

package types

// PrefixRecord is the conda-meta entry of a package linked into a prefix.
type PrefixRecord struct {
	PackageRecord

	// Files lists the linked paths relative to the prefix, with forward
	// slashes.
	Files []string `json:"files"`
	// ExtractedPackageDir is the package cache directory the files came
	// from.
	ExtractedPackageDir string `json:"extracted_package_dir,omitempty"`
	Link                *Link  `json:"link,omitempty"`
}

// Link records how a package's files were placed into the prefix.
type Link struct {
	Source string `json:"source"`
	Type   string `json:"type"`
}

// MetaFileName is the file name of the record under <prefix>/conda-meta.
func (r *PrefixRecord) MetaFileName() string {
	return r.DistName() + ".json"
}
