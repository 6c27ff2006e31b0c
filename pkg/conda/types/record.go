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

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chainguard.dev/cpm/pkg/conda/version"
)

// PackageRecord describes one installable package as published in a channel
// index.
type PackageRecord struct {
	Name          string          `json:"name"`
	Version       version.Version `json:"version"`
	Build         string          `json:"build"`
	BuildNumber   uint64          `json:"build_number"`
	Depends       []string        `json:"depends"`
	Constrains    []string        `json:"constrains,omitempty"`
	Subdir        string          `json:"subdir,omitempty"`
	Noarch        NoarchType      `json:"noarch,omitempty"`
	MD5           string          `json:"md5,omitempty"`
	SHA256        string          `json:"sha256,omitempty"`
	Size          uint64          `json:"size,omitempty"`
	Timestamp     Timestamp       `json:"timestamp,omitempty"`
	License       string          `json:"license,omitempty"`
	TrackFeatures Features        `json:"track_features,omitempty"`
	Features      string          `json:"features,omitempty"`

	// The fields below are filled in from the index that published the
	// record rather than from the record itself.
	FileName string `json:"fn,omitempty"`
	URL      string `json:"url,omitempty"`
	Channel  string `json:"channel,omitempty"`
}

// DistName is the conventional "name-version-build" identifier.
func (r *PackageRecord) DistName() string {
	return r.Name + "-" + r.Version.String() + "-" + r.Build
}

// Key uniquely identifies the record: name, version, build and channel.
func (r *PackageRecord) Key() string {
	return r.Channel + "::" + r.DistName()
}

func (r *PackageRecord) String() string {
	return fmt.Sprintf("%s %s %s", r.Name, r.Version, r.Build)
}

// Hash returns the strongest declared content hash and its algorithm.
func (r *PackageRecord) Hash() (algorithm, digest string) {
	switch {
	case r.SHA256 != "":
		return "sha256", strings.ToLower(r.SHA256)
	case r.MD5 != "":
		return "md5", strings.ToLower(r.MD5)
	default:
		return "", ""
	}
}

// IsVirtual reports whether the record describes a system capability rather
// than a downloadable artifact.
func (r *PackageRecord) IsVirtual() bool {
	return strings.HasPrefix(r.Name, "__")
}

// RecordParseError is returned when an index entry cannot be decoded.
type RecordParseError struct {
	FileName string
	Err      error
}

func (e *RecordParseError) Error() string {
	return fmt.Sprintf("invalid record %q: %v", e.FileName, e.Err)
}

func (e *RecordParseError) Unwrap() error {
	return e.Err
}

// Validate checks the fields every record must carry.
func (r *PackageRecord) Validate() error {
	switch {
	case r.Name == "":
		return fmt.Errorf("missing name")
	case r.Version.IsZero():
		return fmt.Errorf("missing version")
	}
	return nil
}

// NoarchType is the kind of a noarch package. Indexes spell it as a string or,
// in older records, as a boolean.
type NoarchType string

const (
	NoarchNone    NoarchType = ""
	NoarchGeneric NoarchType = "generic"
	NoarchPython  NoarchType = "python"
)

func (n *NoarchType) UnmarshalJSON(b []byte) error {
	switch string(b) {
	case "null", "false":
		*n = NoarchNone
		return nil
	case "true":
		*n = NoarchGeneric
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("noarch: %w", err)
	}
	*n = NoarchType(s)
	return nil
}

// Features is a list of feature names. Indexes spell it as a list or as a
// single space or comma separated string.
type Features []string

func (f *Features) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var l []string
		if err := json.Unmarshal(b, &l); err != nil {
			return err
		}
		*f = l
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("track_features: %w", err)
	}
	*f = strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' })
	return nil
}

func (f Features) MarshalJSON() ([]byte, error) {
	return json.Marshal(strings.Join(f, " "))
}

// Timestamp is an upload time in milliseconds since the epoch. Older indexes
// use seconds, which are normalized on decode.
type Timestamp int64

// secondsCutoff is the largest value read as seconds: 9999-12-31 in seconds.
const secondsCutoff = 253402300799

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*t = 0
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if f <= secondsCutoff {
		f *= 1000
	}
	*t = Timestamp(f)
	return nil
}

// Time converts the timestamp to a time.Time, the zero time when unset.
func (t Timestamp) Time() time.Time {
	if t == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(t)).UTC()
}
