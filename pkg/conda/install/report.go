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
	"strings"

	purl "github.com/package-url/packageurl-go"

	"chainguard.dev/cpm/pkg/conda/types"
)

const purlType = "conda"

// InstallReport describes what an Install changed.
type InstallReport struct {
	Prefix    string
	Installed []Entry
	Removed   []Entry
	Unchanged []Entry

	// Downloaded and Unpacked count artifacts fetched and unpacked by this
	// run. CacheHits counts packages already in the package cache.
	Downloaded int
	Unpacked   int
	CacheHits  int
}

// Changed reports whether the prefix was modified.
func (r *InstallReport) Changed() bool {
	return len(r.Installed) > 0 || len(r.Removed) > 0
}

// Entry identifies one package in a report.
type Entry struct {
	Name    string
	Version string
	Build   string
	Channel string
	Subdir  string
	PURL    string
}

func newEntry(rec *types.PackageRecord) Entry {
	return Entry{
		Name:    rec.Name,
		Version: rec.Version.String(),
		Build:   rec.Build,
		Channel: rec.Channel,
		Subdir:  rec.Subdir,
		PURL:    PackageURL(rec),
	}
}

// PackageURL returns the pkg:conda package URL of rec.
func PackageURL(rec *types.PackageRecord) string {
	q := map[string]string{"build": rec.Build}
	if rec.Channel != "" {
		q["channel"] = rec.Channel
	}
	if rec.Subdir != "" {
		q["subdir"] = rec.Subdir
	}
	switch {
	case strings.HasSuffix(rec.FileName, extConda):
		q["type"] = "conda"
	case strings.HasSuffix(rec.FileName, extTarBz2):
		q["type"] = "tar.bz2"
	}
	return purl.NewPackageURL(purlType, "", rec.Name, rec.Version.String(), purl.QualifiersFromMap(q), "").ToString()
}
