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

// Package matchspec implements conda match specifications: queries that
// select packages by name, version, build and origin.
//
// Accepted forms include:
//
//	numpy
//	numpy>=1.20,<2|2.1.*
//	numpy 1.26.* py312*
//	numpy=1.26=py312h8753938_0
//	numpy>=1.26::conda-forge
//	conda-forge/linux-64::numpy
//	numpy[version='>=1.26', build_number='>=1', sha256=...]
package matchspec

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"chainguard.dev/cpm/pkg/conda/channel"
	"chainguard.dev/cpm/pkg/conda/types"
)

var (
	nameRegex     = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.\-]*`)
	opSpaceRegex  = regexp.MustCompile(`([<>=!~]+)\s+`)
	sepSpaceRegex = regexp.MustCompile(`\s*([,|])\s*`)
)

// ParseError is returned for text that is not a valid match spec.
type ParseError struct {
	Input     string
	Offending string
	Reason    string
	Err       error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("invalid match spec %q: %s", e.Input, e.Reason)
	if e.Offending != "" {
		msg += fmt.Sprintf(" (at %q)", e.Offending)
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func withInput(err error, input string) error {
	var perr *ParseError
	if errors.As(err, &perr) && perr.Input == "" {
		perr.Input = input
	}
	return err
}

// MatchSpec selects packages. Empty fields match anything.
type MatchSpec struct {
	Name        string
	Version     *VersionSpec
	Build       string
	BuildNumber *BuildNumberSpec
	Channel     string
	Subdir      string
	MD5         string
	SHA256      string
}

// Parse parses a match spec.
func Parse(s string) (*MatchSpec, error) {
	m, err := parse(s)
	if err != nil {
		return nil, withInput(err, s)
	}
	return m, nil
}

// MustParse is like Parse but panics on error.
func MustParse(s string) *MatchSpec {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

func parse(s string) (*MatchSpec, error) {
	text := strings.TrimSpace(s)
	if i := strings.Index(text, " #"); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	if text == "" {
		return nil, &ParseError{Reason: "empty match spec"}
	}

	m := &MatchSpec{}
	rest, chanPart := splitChannel(text)
	if chanPart != "" {
		if err := m.setChannel(chanPart); err != nil {
			return nil, err
		}
	}

	rest, brackets, err := splitBrackets(rest)
	if err != nil {
		return nil, err
	}

	rest = strings.TrimSpace(rest)
	loc := nameRegex.FindStringIndex(rest)
	if loc == nil {
		if rest == "" || strings.ContainsRune(operatorChars, rune(rest[0])) {
			return nil, &ParseError{Offending: rest, Reason: "empty package name"}
		}
		return nil, &ParseError{Offending: strings.Fields(rest)[0], Reason: "invalid package name"}
	}
	m.Name = strings.ToLower(rest[:loc[1]])
	remainder := strings.TrimSpace(rest[loc[1]:])
	remainder = sepSpaceRegex.ReplaceAllString(remainder, "$1")
	remainder = opSpaceRegex.ReplaceAllString(remainder, "$1")

	var versionPart, buildPart string
	fields := strings.Fields(remainder)
	switch len(fields) {
	case 0:
	case 1:
		versionPart = fields[0]
	case 2:
		versionPart, buildPart = fields[0], fields[1]
	default:
		return nil, &ParseError{Offending: strings.Join(fields[2:], " "), Reason: "unexpected trailing text"}
	}
	if versionPart != "" && !strings.ContainsRune(operatorChars+"0123456789*", rune(versionPart[0])) {
		return nil, &ParseError{Offending: versionPart, Reason: "expected an operator or version"}
	}

	if versionPart != "" {
		v, b := splitBuild(versionPart)
		if b != "" {
			if buildPart != "" {
				return nil, &ParseError{Offending: b, Reason: "build given twice"}
			}
			buildPart = b
		}
		if m.Version, err = parseVersionSpec(v); err != nil {
			return nil, err
		}
		if m.Version.IsAny() {
			m.Version = nil
		}
	}
	if buildPart != "" {
		if err := m.setBuild(buildPart); err != nil {
			return nil, err
		}
	}

	for _, kv := range brackets {
		if err := m.setKey(kv[0], kv[1]); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *MatchSpec) setBuild(b string) error {
	if _, err := path.Match(b, ""); err != nil {
		return &ParseError{Offending: b, Reason: "invalid build pattern", Err: err}
	}
	if b == "*" {
		b = ""
	}
	m.Build = b
	return nil
}

func (m *MatchSpec) setChannel(s string) error {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "]") {
		if i := strings.LastIndex(s, "["); i >= 0 {
			p, err := channel.ParsePlatform(s[i+1 : len(s)-1])
			if err != nil {
				return &ParseError{Offending: s[i:], Reason: "invalid channel platform", Err: err}
			}
			m.Subdir = string(p)
			s = s[:i]
		}
	}
	if i := strings.LastIndex(s, "/"); i >= 0 {
		if p, err := channel.ParsePlatform(s[i+1:]); err == nil {
			m.Subdir = string(p)
			s = s[:i]
		}
	}
	if s == "" {
		return &ParseError{Offending: "::", Reason: "empty channel"}
	}
	m.Channel = strings.TrimSuffix(s, "/")
	return nil
}

func (m *MatchSpec) setKey(key, value string) error {
	var err error
	switch key {
	case "version":
		if m.Version, err = parseVersionSpec(value); err != nil {
			return err
		}
		if m.Version.IsAny() {
			m.Version = nil
		}
	case "build":
		return m.setBuild(value)
	case "build_number":
		m.BuildNumber, err = parseBuildNumberSpec(value)
		return err
	case "channel":
		return m.setChannel(value)
	case "subdir":
		p, err := channel.ParsePlatform(value)
		if err != nil {
			return &ParseError{Offending: value, Reason: "invalid subdir", Err: err}
		}
		m.Subdir = string(p)
	case "md5":
		m.MD5 = strings.ToLower(value)
	case "sha256":
		m.SHA256 = strings.ToLower(value)
	default:
		return &ParseError{Offending: key, Reason: "unknown bracket key"}
	}
	return nil
}

// looksLikeSpec reports whether s carries version or build constraints, which
// tells "name::channel" apart from "channel::name".
func looksLikeSpec(s string) bool {
	outside, inside := s, ""
	if i := strings.Index(s, "["); i >= 0 {
		outside, inside = s[:i], s[i:]
	}
	return strings.ContainsAny(outside, operatorChars+" ,|*") || strings.Contains(inside, "=")
}

// splitChannel separates the channel from "channel::spec" or "spec::channel".
// When neither side carries constraints the conda "channel::name" reading wins.
func splitChannel(s string) (rest, ch string) {
	i := strings.Index(s, "::")
	if i < 0 {
		return s, ""
	}
	left, right := strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+2:])
	if looksLikeSpec(left) && !looksLikeSpec(right) {
		return left, right
	}
	return right, left
}

// splitBrackets removes a trailing "[key=value, ...]" block.
func splitBrackets(s string) (string, [][2]string, error) {
	i := strings.Index(s, "[")
	if i < 0 {
		return s, nil, nil
	}
	j := strings.LastIndex(s, "]")
	if j < i || strings.TrimSpace(s[j+1:]) != "" {
		return "", nil, &ParseError{Offending: s[i:], Reason: "unterminated bracket"}
	}

	var (
		parts []string
		cur   strings.Builder
		quote rune
	)
	for _, r := range s[i+1 : j] {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '\'' || r == '"':
			quote = r
			cur.WriteRune(r)
		case r == ',':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return "", nil, &ParseError{Offending: s[i:], Reason: "unterminated quote"}
	}
	parts = append(parts, cur.String())

	var kvs [][2]string
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		key, value, ok := strings.Cut(p, "=")
		if !ok {
			return "", nil, &ParseError{Offending: p, Reason: "expected key=value"}
		}
		value = strings.TrimSpace(value)
		if len(value) >= 2 && (value[0] == '\'' || value[0] == '"') && value[len(value)-1] == value[0] {
			value = value[1 : len(value)-1]
		}
		kvs = append(kvs, [2]string{strings.ToLower(strings.TrimSpace(key)), value})
	}
	return s[:i] + s[j+1:], kvs, nil
}

// splitBuild splits "==1.0=py_0" into its version and build halves. The build
// separator is an '=' that is neither part of an operator nor followed by one.
func splitBuild(s string) (string, string) {
	for i := 1; i < len(s)-1; i++ {
		if s[i] != '=' {
			continue
		}
		if strings.IndexByte(operatorChars, s[i-1]) >= 0 || s[i+1] == '=' {
			continue
		}
		return s[:i], s[i+1:]
	}
	return s, ""
}

// Satisfies reports whether record matches every field of the spec.
func (m *MatchSpec) Satisfies(r *types.PackageRecord) bool {
	if m == nil || r == nil {
		return false
	}
	if r.Name != m.Name {
		return false
	}
	if !m.Version.Matches(r.Version) {
		return false
	}
	if m.Build != "" {
		if ok, _ := path.Match(m.Build, r.Build); !ok {
			return false
		}
	}
	if !m.BuildNumber.Matches(r.BuildNumber) {
		return false
	}
	if m.Subdir != "" && r.Subdir != m.Subdir {
		return false
	}
	if m.MD5 != "" && !strings.EqualFold(r.MD5, m.MD5) {
		return false
	}
	if m.SHA256 != "" && !strings.EqualFold(r.SHA256, m.SHA256) {
		return false
	}
	return channelMatches(m.Channel, r.Channel)
}

func channelMatches(want, have string) bool {
	if want == "" {
		return true
	}
	want, have = strings.TrimSuffix(want, "/"), strings.TrimSuffix(have, "/")
	return have == want || strings.HasSuffix(have, "/"+want)
}

// String formats the spec so that Parse returns an equivalent spec.
func (m *MatchSpec) String() string {
	var b strings.Builder
	constrained := m.Version != nil || m.Build != ""
	ch := m.Channel
	if ch != "" && m.Subdir != "" {
		ch += "/" + m.Subdir
	}
	if ch != "" && !constrained {
		b.WriteString(ch + "::")
	}
	b.WriteString(m.Name)

	if m.Version != nil {
		v := m.Version.String()
		if strings.ContainsRune(operatorChars, rune(v[0])) && m.Build == "" {
			b.WriteString(v)
		} else {
			b.WriteString(" " + v)
		}
	}
	if m.Build != "" {
		if m.Version == nil {
			b.WriteString(" *")
		}
		b.WriteString(" " + m.Build)
	}

	var extras []string
	if m.BuildNumber != nil {
		extras = append(extras, fmt.Sprintf("build_number='%s'", m.BuildNumber))
	}
	if m.Subdir != "" && m.Channel == "" {
		extras = append(extras, "subdir="+m.Subdir)
	}
	if m.MD5 != "" {
		extras = append(extras, "md5="+m.MD5)
	}
	if m.SHA256 != "" {
		extras = append(extras, "sha256="+m.SHA256)
	}
	if len(extras) > 0 {
		b.WriteString("[" + strings.Join(extras, ", ") + "]")
	}

	if ch != "" && constrained {
		b.WriteString("::" + ch)
	}
	return b.String()
}
