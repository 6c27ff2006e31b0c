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

// Package version parses and orders conda package versions.
//
// A version is made of an optional epoch, a dotted release segment and optional
// pre-release, post-release, development and local segments:
//
//	[N!]N(.N)*[{a|b|rc}N][.postN][.devN][+local]
//
// Markers are case-insensitive and accept the usual spellings (alpha, beta, c, pre,
// preview, rev, r) with an optional '.', '-' or '_' separator.
package version

import (
	"cmp"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"
)

var versionRegex = regexp.MustCompile(`(?i)^` +
	`(?:([0-9]+)!)?` + // epoch
	`([0-9]+(?:\.[0-9]+)*)` + // release
	`(?:[-_.]?(alpha|a|beta|b|preview|pre|c|rc)[-_.]?([0-9]+)?)?` + // pre
	`(?:-([0-9]+)|[-_.]?(post|rev|r)[-_.]?([0-9]+)?)?` + // post
	`(?:[-_.]?(dev)[-_.]?([0-9]+)?)?` + // dev
	`(?:\+([a-z0-9]+(?:[-_.][a-z0-9]+)*))?` + // local
	`$`)

const (
	groupEpoch = iota + 1
	groupRelease
	groupPreLabel
	groupPreNumber
	groupPostImplicit
	groupPostLabel
	groupPostNumber
	groupDevLabel
	groupDevNumber
	groupLocal
)

// Phase orders the pre-release kinds. The order of these matters.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseAlpha
	PhaseBeta
	PhaseRC
)

func (p Phase) String() string {
	switch p {
	case PhaseAlpha:
		return "a"
	case PhaseBeta:
		return "b"
	case PhaseRC:
		return "rc"
	default:
		return ""
	}
}

func phaseFromLabel(label string) Phase {
	switch strings.ToLower(label) {
	case "a", "alpha":
		return PhaseAlpha
	case "b", "beta":
		return PhaseBeta
	default:
		return PhaseRC
	}
}

type localSegment struct {
	num   uint64
	str   string
	isNum bool
}

// Version is a parsed package version. The zero value is not a valid version;
// use Parse or MustParse.
type Version struct {
	raw     string
	epoch   uint64
	release []uint64

	pre    Phase
	preNum uint64

	hasPost bool
	post    uint64

	hasDev bool
	dev    uint64

	local []localSegment
}

// ParseError is returned for text that is not a valid version.
type ParseError struct {
	Input     string
	Offending string
	Err       error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("invalid version %q", e.Input)
	if e.Offending != "" && e.Offending != e.Input {
		msg += fmt.Sprintf(": unexpected %q", e.Offending)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Parse parses a version string.
func Parse(s string) (Version, error) {
	text := strings.TrimSpace(s)
	if text == "" {
		return Version{}, &ParseError{Input: s, Err: fmt.Errorf("empty version")}
	}
	parts := versionRegex.FindStringSubmatch(text)
	if parts == nil {
		return Version{}, &ParseError{Input: s, Offending: offending(text)}
	}

	v := Version{raw: text}
	num := func(group int) (uint64, error) {
		if parts[group] == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(parts[group], 10, 64)
		if err != nil {
			return 0, &ParseError{Input: s, Offending: parts[group], Err: err}
		}
		return n, nil
	}

	var err error
	if v.epoch, err = num(groupEpoch); err != nil {
		return Version{}, err
	}
	for _, r := range strings.Split(parts[groupRelease], ".") {
		n, err := strconv.ParseUint(r, 10, 64)
		if err != nil {
			return Version{}, &ParseError{Input: s, Offending: r, Err: err}
		}
		v.release = append(v.release, n)
	}
	if parts[groupPreLabel] != "" {
		v.pre = phaseFromLabel(parts[groupPreLabel])
		if v.preNum, err = num(groupPreNumber); err != nil {
			return Version{}, err
		}
	}
	switch {
	case parts[groupPostImplicit] != "":
		v.hasPost = true
		if v.post, err = num(groupPostImplicit); err != nil {
			return Version{}, err
		}
	case parts[groupPostLabel] != "":
		v.hasPost = true
		if v.post, err = num(groupPostNumber); err != nil {
			return Version{}, err
		}
	}
	if parts[groupDevLabel] != "" {
		v.hasDev = true
		if v.dev, err = num(groupDevNumber); err != nil {
			return Version{}, err
		}
	}
	if parts[groupLocal] != "" {
		for _, seg := range strings.FieldsFunc(strings.ToLower(parts[groupLocal]), isLocalSeparator) {
			if n, err := strconv.ParseUint(seg, 10, 64); err == nil {
				v.local = append(v.local, localSegment{num: n, str: seg, isNum: true})
			} else {
				v.local = append(v.local, localSegment{str: seg})
			}
		}
	}
	return v, nil
}

// MustParse is like Parse but panics on malformed input. It is meant for
// constants and tests.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func isLocalSeparator(r rune) bool {
	return r == '.' || r == '-' || r == '_'
}

// offending finds the part of text that stops it from being a version: the
// remainder after the longest prefix that parses on its own.
func offending(text string) string {
	for i := len(text) - 1; i > 0; i-- {
		if versionRegex.MatchString(text[:i]) {
			rest := text[i:]
			if len(rest) > 1 && strings.IndexByte(".-_", rest[0]) >= 0 && unicode.IsLetter(rune(rest[1])) {
				rest = rest[1:]
			}
			return rest
		}
	}
	return text
}

// String returns the version as it was written.
func (v Version) String() string {
	if v.raw != "" {
		return v.raw
	}
	return v.Canonical()
}

// Canonical returns the normalized spelling of the version.
func (v Version) Canonical() string {
	var b strings.Builder
	if v.epoch != 0 {
		fmt.Fprintf(&b, "%d!", v.epoch)
	}
	for i, r := range v.release {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.FormatUint(r, 10))
	}
	if v.pre != PhaseNone {
		fmt.Fprintf(&b, "%s%d", v.pre, v.preNum)
	}
	if v.hasPost {
		fmt.Fprintf(&b, ".post%d", v.post)
	}
	if v.hasDev {
		fmt.Fprintf(&b, ".dev%d", v.dev)
	}
	if len(v.local) > 0 {
		b.WriteByte('+')
		for i, l := range v.local {
			if i > 0 {
				b.WriteByte('.')
			}
			b.WriteString(l.str)
		}
	}
	return b.String()
}

// IsZero reports whether v is the zero Version.
func (v Version) IsZero() bool {
	return len(v.release) == 0
}

// Epoch returns the epoch, 0 when absent.
func (v Version) Epoch() uint64 {
	return v.epoch
}

// Release returns a copy of the release segment.
func (v Version) Release() []uint64 {
	return slices.Clone(v.release)
}

// IsPrerelease reports whether v carries a pre-release or dev marker.
func (v Version) IsPrerelease() bool {
	return v.pre != PhaseNone || v.hasDev
}

// Prefix returns the version made of the epoch and the first n release
// components. It is used to build "V.*" style bounds.
func (v Version) Prefix(n int) Version {
	n = min(n, len(v.release))
	p := Version{epoch: v.epoch, release: slices.Clone(v.release[:n])}
	p.raw = p.Canonical()
	return p
}

// HasPrefix reports whether v starts with prefix: equal epochs, a release that
// begins with prefix's release and, when prefix has them, equal pre, post and
// dev segments.
func (v Version) HasPrefix(prefix Version) bool {
	if v.epoch != prefix.epoch {
		return false
	}
	for i, r := range prefix.release {
		var have uint64
		if i < len(v.release) {
			have = v.release[i]
		}
		if have != r {
			return false
		}
	}
	if prefix.pre != PhaseNone && (v.pre != prefix.pre || v.preNum != prefix.preNum) {
		return false
	}
	if prefix.hasPost && (!v.hasPost || v.post != prefix.post) {
		return false
	}
	if prefix.hasDev && (!v.hasDev || v.dev != prefix.dev) {
		return false
	}
	return true
}

// Equal reports whether a and b compare equal.
func (v Version) Equal(o Version) bool {
	return Compare(v, o) == 0
}

// Less reports whether v orders before o.
func (v Version) Less(o Version) bool {
	return Compare(v, o) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Compare returns -1, 0 or 1 when a orders before, equal to or after b.
func Compare(a, b Version) int {
	if c := cmp.Compare(a.epoch, b.epoch); c != 0 {
		return c
	}
	if c := compareRelease(a.release, b.release); c != 0 {
		return c
	}
	if c := comparePair(a.preKey(), b.preKey()); c != 0 {
		return c
	}
	if c := comparePair(a.postKey(), b.postKey()); c != 0 {
		return c
	}
	if c := comparePair(a.devKey(), b.devKey()); c != 0 {
		return c
	}
	return compareLocal(a.local, b.local)
}

func compareRelease(a, b []uint64) int {
	for i := 0; i < max(len(a), len(b)); i++ {
		var x, y uint64
		if i < len(a) {
			x = a[i]
		}
		if i < len(b) {
			y = b[i]
		}
		if c := cmp.Compare(x, y); c != 0 {
			return c
		}
	}
	return 0
}

type pair struct {
	rank int
	n    uint64
}

func comparePair(a, b pair) int {
	if c := cmp.Compare(a.rank, b.rank); c != 0 {
		return c
	}
	return cmp.Compare(a.n, b.n)
}

// preKey puts a bare dev release before every pre-release and a final release
// after them.
func (v Version) preKey() pair {
	switch {
	case v.pre == PhaseNone && !v.hasPost && v.hasDev:
		return pair{rank: -1}
	case v.pre == PhaseNone:
		return pair{rank: int(PhaseRC) + 1}
	default:
		return pair{rank: int(v.pre), n: v.preNum}
	}
}

func (v Version) postKey() pair {
	if !v.hasPost {
		return pair{rank: 0}
	}
	return pair{rank: 1, n: v.post}
}

func (v Version) devKey() pair {
	if !v.hasDev {
		return pair{rank: 1}
	}
	return pair{rank: 0, n: v.dev}
}

// compareLocal orders absent before present, numeric segments above
// alphanumeric ones and a longer local after its own prefix.
func compareLocal(a, b []localSegment) int {
	for i := 0; i < min(len(a), len(b)); i++ {
		x, y := a[i], b[i]
		switch {
		case x.isNum && y.isNum:
			if c := cmp.Compare(x.num, y.num); c != 0 {
				return c
			}
		case x.isNum:
			return 1
		case y.isNum:
			return -1
		default:
			if c := strings.Compare(x.str, y.str); c != 0 {
				return c
			}
		}
	}
	return cmp.Compare(len(a), len(b))
}
