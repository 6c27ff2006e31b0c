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
	"strings"
	"unicode"
	"unicode/utf8"

	"k8s.io/apimachinery/pkg/util/sets"
)

type line struct {
	text string
	num  int
}

// reporter renders the derivation of a failed incompatibility, one
// inference per line. Incompatibilities used more than once get a number so
// later lines can refer back to them.
type reporter struct {
	s       *state
	lines   []line
	refs    map[int]int
	numbers map[int]int
}

func (s *state) unsatisfiable(id int) error {
	r := &reporter{s: s, refs: map[int]int{}, numbers: map[int]int{}}
	r.count(id)
	if s.incs[id].derived() {
		r.visit(id)
	} else {
		r.write(capitalize(s.describe(id)) + ".")
	}

	var b strings.Builder
	for i, l := range r.lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.text)
		if l.num > 0 {
			fmt.Fprintf(&b, " (%d)", l.num)
		}
	}
	return &UnsatisfiableError{Explanation: b.String(), Packages: r.packages(id)}
}

func (r *reporter) count(id int) {
	inc := r.s.incs[id]
	if !inc.derived() {
		return
	}
	r.refs[id]++
	if r.refs[id] == 1 {
		r.count(inc.causes[0])
		r.count(inc.causes[1])
	}
}

func (r *reporter) derived(id int) bool {
	return r.s.incs[id].derived()
}

func (r *reporter) write(text string) {
	r.lines = append(r.lines, line{text: text})
}

// number gives the last line a number and remembers it for id.
func (r *reporter) number(id int) {
	if _, ok := r.numbers[id]; ok || len(r.lines) == 0 {
		return
	}
	n := len(r.numbers) + 1
	r.lines[len(r.lines)-1].num = n
	r.numbers[id] = n
}

func (r *reporter) ref(id int) string {
	return fmt.Sprintf("%s (%d)", r.s.describe(id), r.numbers[id])
}

// because joins the reasons that are worth stating.
func because(prefix string, reasons []string, conclusion string) string {
	var keep []string
	for _, s := range reasons {
		if s != "" {
			keep = append(keep, s)
		}
	}
	if len(keep) == 0 {
		if prefix == "Because" {
			return capitalize(conclusion) + "."
		}
		return "So " + conclusion + "."
	}
	return fmt.Sprintf("%s %s, %s.", prefix, strings.Join(keep, " and "), conclusion)
}

func (r *reporter) visit(id int) {
	s := r.s
	inc := s.incs[id]
	c1, c2 := inc.causes[0], inc.causes[1]
	conclusion := s.describe(id)

	switch {
	case r.derived(c1) && r.derived(c2):
		_, ok1 := r.numbers[c1]
		_, ok2 := r.numbers[c2]
		switch {
		case ok1 && ok2:
			r.write(because("Because", []string{r.ref(c1), r.ref(c2)}, conclusion))
		case ok1 || ok2:
			with, without := c1, c2
			if ok2 {
				with, without = c2, c1
			}
			r.visit(without)
			r.write(because("And because", []string{r.ref(with)}, conclusion))
		default:
			r.visit(c1)
			r.number(c1)
			r.visit(c2)
			r.write(because("And because", []string{r.ref(c1)}, conclusion))
		}

	case r.derived(c1) || r.derived(c2):
		der, ext := c1, c2
		if r.derived(c2) {
			der, ext = c2, c1
		}
		if _, ok := r.numbers[der]; ok {
			r.write(because("Because", []string{s.describe(ext), r.ref(der)}, conclusion))
			break
		}
		if dd, de, ok := r.collapsible(der); ok {
			r.visit(dd)
			r.write(because("And because", []string{s.describe(de), s.describe(ext)}, conclusion))
			break
		}
		r.visit(der)
		r.write(because("And because", []string{s.describe(ext)}, conclusion))

	default:
		r.write(because("Because", []string{s.describe(c1), s.describe(c2)}, conclusion))
	}

	if r.refs[id] > 1 {
		r.number(id)
	}
}

// collapsible reports whether a derived incompatibility that is used once
// has exactly one derived cause, in which case its line can be folded into
// the next one.
func (r *reporter) collapsible(id int) (derived, external int, ok bool) {
	if r.refs[id] > 1 {
		return 0, 0, false
	}
	c1, c2 := r.s.incs[id].causes[0], r.s.incs[id].causes[1]
	if r.derived(c1) == r.derived(c2) {
		return 0, 0, false
	}
	if r.derived(c2) {
		c1, c2 = c2, c1
	}
	if _, numbered := r.numbers[c1]; numbered {
		return 0, 0, false
	}
	return c1, c2, true
}

// packages lists the names mentioned by the external incompatibilities the
// failure was derived from.
func (r *reporter) packages(id int) []string {
	names := sets.New[string]()
	seen := sets.New[int]()
	var walk func(int)
	walk = func(id int) {
		if seen.Has(id) {
			return
		}
		seen.Insert(id)
		inc := r.s.incs[id]
		if inc.derived() {
			walk(inc.causes[0])
			walk(inc.causes[1])
			return
		}
		for _, t := range inc.terms {
			if t.pkg != rootID {
				names.Insert(r.s.pkgs[t.pkg].name)
			}
		}
		if inc.target != "" {
			names.Insert(inc.target)
		}
	}
	walk(id)
	return sets.List(names)
}

func capitalize(s string) string {
	r, n := utf8.DecodeRuneInString(s)
	if n == 0 {
		return s
	}
	return string(unicode.ToUpper(r)) + s[n:]
}
