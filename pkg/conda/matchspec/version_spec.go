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

package matchspec

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"chainguard.dev/cpm/pkg/conda/version"
)

type operator int

// the order of these matters for String
const (
	opAny operator = iota
	opEqual
	opNotEqual
	opLess
	opLessEqual
	opGreater
	opGreaterEqual
	opStartsWith
	opNotStartsWith
	opCompatible
)

var operatorSymbols = map[string]operator{
	"==": opEqual,
	"!=": opNotEqual,
	"<":  opLess,
	"<=": opLessEqual,
	">":  opGreater,
	">=": opGreaterEqual,
	"=":  opStartsWith,
	"~=": opCompatible,
}

const operatorChars = "<>=!~"

type constraint struct {
	op operator
	v  version.Version
	// prefix is the release prefix for opCompatible.
	prefix version.Version
}

func (c constraint) matches(v version.Version) bool {
	switch c.op {
	case opAny:
		return true
	case opEqual:
		return version.Compare(v, c.v) == 0
	case opNotEqual:
		return version.Compare(v, c.v) != 0
	case opLess:
		return version.Compare(v, c.v) < 0
	case opLessEqual:
		return version.Compare(v, c.v) <= 0
	case opGreater:
		return version.Compare(v, c.v) > 0
	case opGreaterEqual:
		return version.Compare(v, c.v) >= 0
	case opStartsWith:
		return v.HasPrefix(c.v)
	case opNotStartsWith:
		return !v.HasPrefix(c.v)
	case opCompatible:
		return version.Compare(v, c.v) >= 0 && v.HasPrefix(c.prefix)
	}
	return false
}

func (c constraint) String() string {
	switch c.op {
	case opAny:
		return "*"
	case opEqual:
		return "==" + c.v.String()
	case opNotEqual:
		return "!=" + c.v.String()
	case opLess:
		return "<" + c.v.String()
	case opLessEqual:
		return "<=" + c.v.String()
	case opGreater:
		return ">" + c.v.String()
	case opGreaterEqual:
		return ">=" + c.v.String()
	case opStartsWith:
		return c.v.String() + ".*"
	case opNotStartsWith:
		return "!=" + c.v.String() + ".*"
	case opCompatible:
		return "~=" + c.v.String()
	}
	return ""
}

// VersionSpec is a version constraint: alternatives separated by '|', each a
// conjunction of terms separated by ','.
type VersionSpec struct {
	anyOf [][]constraint
}

// parseVersionSpec leaves ParseError.Input for the caller to fill in.
func parseVersionSpec(s string) (*VersionSpec, error) {
	text := strings.Join(strings.Fields(s), "")
	if text == "" {
		return nil, &ParseError{Reason: "empty version constraint"}
	}
	if strings.HasPrefix(text, "(") || strings.Contains(text, ")") {
		return nil, &ParseError{Offending: "(", Reason: "grouping is not supported"}
	}
	vs := &VersionSpec{}
	for _, alt := range strings.Split(text, "|") {
		var all []constraint
		for _, term := range strings.Split(alt, ",") {
			c, err := parseConstraint(term)
			if err != nil {
				return nil, err
			}
			all = append(all, c)
		}
		vs.anyOf = append(vs.anyOf, all)
	}
	return vs, nil
}

// parseConstraint reads one term. A term without an operator is an exact
// version unless it ends in a wildcard.
func parseConstraint(term string) (constraint, error) {
	if term == "" {
		return constraint{}, &ParseError{Reason: "empty version term"}
	}
	if term == "*" || term == ".*" {
		return constraint{op: opAny}, nil
	}

	opText := term[:len(term)-len(strings.TrimLeft(term, operatorChars))]
	rest := term[len(opText):]
	op, known := operatorSymbols[opText]
	switch {
	case opText == "":
		op = opEqual
	case !known:
		return constraint{}, &ParseError{Offending: opText, Reason: "unknown operator"}
	}

	glob := false
	switch {
	case strings.HasSuffix(rest, ".*"):
		rest, glob = strings.TrimSuffix(rest, ".*"), true
	case strings.HasSuffix(rest, "*"):
		rest, glob = strings.TrimSuffix(rest, "*"), true
	}
	if rest == "" {
		return constraint{}, &ParseError{Offending: term, Reason: "missing version"}
	}
	v, err := version.Parse(rest)
	if err != nil {
		var verr *version.ParseError
		if errors.As(err, &verr) {
			return constraint{}, &ParseError{Offending: verr.Offending, Reason: "invalid version", Err: err}
		}
		return constraint{}, &ParseError{Offending: rest, Reason: "invalid version", Err: err}
	}

	if glob {
		switch op {
		case opEqual, opStartsWith:
			op = opStartsWith
		case opNotEqual:
			op = opNotStartsWith
		case opCompatible:
			return constraint{}, &ParseError{Offending: term, Reason: "~= does not take a wildcard"}
		}
		// Ordering operators ignore a trailing wildcard.
	}

	c := constraint{op: op, v: v}
	if op == opCompatible {
		rel := v.Release()
		if len(rel) < 2 {
			return constraint{}, &ParseError{Offending: term, Reason: "~= needs at least two release components"}
		}
		c.prefix = v.Prefix(len(rel) - 1)
	}
	return c, nil
}

// Matches reports whether v satisfies the constraint. A nil spec matches
// everything.
func (vs *VersionSpec) Matches(v version.Version) bool {
	if vs == nil {
		return true
	}
	for _, all := range vs.anyOf {
		ok := true
		for _, c := range all {
			if !c.matches(v) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// IsAny reports whether the spec places no restriction on the version.
func (vs *VersionSpec) IsAny() bool {
	if vs == nil {
		return true
	}
	for _, all := range vs.anyOf {
		unrestricted := true
		for _, c := range all {
			if c.op != opAny {
				unrestricted = false
			}
		}
		if unrestricted {
			return true
		}
	}
	return false
}

// IsExact reports whether the spec pins a single version with "==".
func (vs *VersionSpec) IsExact() bool {
	return vs != nil && len(vs.anyOf) == 1 && len(vs.anyOf[0]) == 1 && vs.anyOf[0][0].op == opEqual
}

func (vs *VersionSpec) String() string {
	if vs == nil {
		return "*"
	}
	alts := make([]string, 0, len(vs.anyOf))
	for _, all := range vs.anyOf {
		terms := make([]string, 0, len(all))
		for _, c := range all {
			terms = append(terms, c.String())
		}
		alts = append(alts, strings.Join(terms, ","))
	}
	return strings.Join(alts, "|")
}

// BuildNumberSpec constrains a record's build number.
type BuildNumberSpec struct {
	op operator
	n  uint64
}

func parseBuildNumberSpec(s string) (*BuildNumberSpec, error) {
	text := strings.TrimSpace(s)
	opText := text[:len(text)-len(strings.TrimLeft(text, operatorChars))]
	rest := text[len(opText):]
	op := opEqual
	if opText != "" {
		var ok bool
		op, ok = operatorSymbols[opText]
		if !ok || op == opStartsWith || op == opCompatible {
			return nil, &ParseError{Offending: opText, Reason: "unknown build number operator"}
		}
	}
	n, err := strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return nil, &ParseError{Offending: rest, Reason: "invalid build number", Err: err}
	}
	return &BuildNumberSpec{op: op, n: n}, nil
}

// Matches reports whether n satisfies the constraint.
func (b *BuildNumberSpec) Matches(n uint64) bool {
	if b == nil {
		return true
	}
	switch b.op {
	case opEqual:
		return n == b.n
	case opNotEqual:
		return n != b.n
	case opLess:
		return n < b.n
	case opLessEqual:
		return n <= b.n
	case opGreater:
		return n > b.n
	case opGreaterEqual:
		return n >= b.n
	}
	return false
}

func (b *BuildNumberSpec) String() string {
	if b.op == opEqual {
		return strconv.FormatUint(b.n, 10)
	}
	sym := ""
	for s, op := range operatorSymbols {
		if op == b.op {
			sym = s
		}
	}
	return fmt.Sprintf("%s%d", sym, b.n)
}

// ParseVersionSpec parses a version constraint such as ">=1.2,<2|3.0.*".
func ParseVersionSpec(s string) (*VersionSpec, error) {
	vs, err := parseVersionSpec(s)
	if err != nil {
		return nil, withInput(err, s)
	}
	return vs, nil
}

// ParseBuildNumberSpec parses "3", "==3", ">=2" and similar.
func ParseBuildNumberSpec(s string) (*BuildNumberSpec, error) {
	b, err := parseBuildNumberSpec(s)
	if err != nil {
		return nil, withInput(err, s)
	}
	return b, nil
}
