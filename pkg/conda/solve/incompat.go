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

package solve

import (
	"fmt"
	"slices"
	"strings"

	"chainguard.dev/cpm/pkg/conda/version"
)

type kind int

const (
	// kindRoot: the request must be installed.
	kindRoot kind = iota
	// kindRequest: the request requires spec.
	kindRequest
	// kindPin: target must match spec when installed.
	kindPin
	// kindDependency: from depends on spec.
	kindDependency
	// kindConstrains: from only allows target matching spec.
	kindConstrains
	// kindInvalid: from's metadata does not parse.
	kindInvalid
	// kindDerived: learned from causes.
	kindDerived
)

// term says a package is one of the candidates in set.
type term struct {
	pkg int
	set bitset
}

type incompat struct {
	kind  kind
	terms []term

	from   int
	spec   string
	target string
	err    error

	causes  [2]int
	indexed bool
}

func (inc *incompat) derived() bool {
	return inc.kind == kindDerived
}

// describe renders an incompatibility as a clause of a sentence.
func (s *state) describe(id int) string {
	inc := s.incs[id]
	switch inc.kind {
	case kindRoot:
		return ""
	case kindRequest:
		return "the environment requires " + inc.spec + s.unmatched(inc)
	case kindPin:
		return inc.target + " is pinned to " + inc.spec
	case kindDependency:
		return s.describeTerm(inc, inc.from) + " depends on " + inc.spec + s.unmatched(inc)
	case kindConstrains:
		return s.describeTerm(inc, inc.from) + " constrains " + inc.spec
	case kindInvalid:
		return fmt.Sprintf("%s has invalid metadata (%v)", s.describeTerm(inc, inc.from), inc.err)
	}

	var pos, neg []string
	for _, t := range inc.terms {
		if t.pkg == rootID {
			continue
		}
		p := s.pkgs[t.pkg]
		if t.set.has(p.absent) {
			neg = append(neg, s.describeSet(t.pkg, p.all.andNot(t.set)))
		} else {
			pos = append(pos, s.describeSet(t.pkg, t.set))
		}
	}
	root := slices.ContainsFunc(inc.terms, func(t term) bool { return t.pkg == rootID })
	switch {
	case len(pos) == 0 && len(neg) == 0:
		return "the environment cannot be solved"
	case len(pos) == 0 && root:
		return "the environment requires " + joinWords(neg, "or")
	case len(pos) == 0:
		return joinWords(neg, "or") + " is required"
	case len(neg) == 0 && len(pos) == 1:
		return pos[0] + " cannot be installed"
	case len(neg) == 0 && len(pos) == 2:
		return pos[0] + " is incompatible with " + pos[1]
	case len(neg) == 0:
		return joinWords(pos, "and") + " cannot be installed together"
	}
	return joinWords(pos, "and") + " requires " + joinWords(neg, "or")
}

// unmatched explains a dependency whose target term was dropped because no
// candidate matches it.
func (s *state) unmatched(inc *incompat) string {
	if slices.ContainsFunc(inc.terms, func(t term) bool { return s.pkgs[t.pkg].name == inc.target && t.pkg != inc.from }) {
		return ""
	}
	if !s.pool.known(inc.target) {
		return ", but no channel provides " + inc.target
	}
	return ", but no " + inc.target + " package matches it"
}

func (s *state) describeTerm(inc *incompat, id int) string {
	for _, t := range inc.terms {
		if t.pkg == id {
			return s.describeSet(id, t.set)
		}
	}
	return s.pkgs[id].name
}

// maxListed bounds how many versions a description spells out.
const maxListed = 4

// describeSet names the candidates of a package in set, e.g. "b", "b 2.1",
// "b >=2.0" or "b 1.0|1.2".
func (s *state) describeSet(id int, set bitset) string {
	p := s.pkgs[id]
	if id == rootID {
		return "the environment"
	}
	set = set.andNot(singleton(len(p.cands)+1, p.absent))
	if set.empty() {
		return "no " + p.name
	}

	// versions holds the distinct versions in ascending order, with the
	// candidates of each.
	type group struct {
		v     version.Version
		cands []int
		in    []int
	}
	var versions []*group
	order := make([]int, len(p.cands))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return version.Compare(p.cands[a].Version, p.cands[b].Version)
	})
	for _, i := range order {
		v := p.cands[i].Version
		if len(versions) == 0 || !versions[len(versions)-1].v.Equal(v) {
			versions = append(versions, &group{v: v})
		}
		g := versions[len(versions)-1]
		g.cands = append(g.cands, i)
		if set.has(i) {
			g.in = append(g.in, i)
		}
	}

	var (
		partial  bool
		included []int
	)
	for gi, g := range versions {
		if len(g.in) == 0 {
			continue
		}
		included = append(included, gi)
		if len(g.in) != len(g.cands) {
			partial = true
		}
	}

	if partial {
		var items []string
		for _, gi := range included {
			g := versions[gi]
			for _, i := range g.in {
				items = append(items, g.v.String()+"="+p.cands[i].Build)
			}
		}
		return p.name + " " + listItems(items)
	}

	lo, hi := included[0], included[len(included)-1]
	contiguous := hi-lo+1 == len(included)
	switch {
	case len(included) == len(versions) && len(versions) > 1:
		return p.name
	case len(included) == 1:
		return p.name + " " + versions[lo].v.String()
	case contiguous && hi == len(versions)-1:
		return p.name + " >=" + versions[lo].v.String()
	case contiguous && lo == 0:
		return p.name + " <=" + versions[hi].v.String()
	case contiguous:
		return p.name + " >=" + versions[lo].v.String() + ",<=" + versions[hi].v.String()
	}
	items := make([]string, 0, len(included))
	for _, gi := range included {
		items = append(items, versions[gi].v.String())
	}
	return p.name + " " + listItems(items)
}

func listItems(items []string) string {
	if len(items) > maxListed {
		return fmt.Sprintf("%s|... (%d more)", strings.Join(items[:maxListed], "|"), len(items)-maxListed)
	}
	return strings.Join(items, "|")
}

func joinWords(items []string, conj string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	}
	return strings.Join(items[:len(items)-1], ", ") + " " + conj + " " + items[len(items)-1]
}
