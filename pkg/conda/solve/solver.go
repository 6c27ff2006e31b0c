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

// Package solve picks one record per package name so that every dependency
// and constraint holds, or explains why no such choice exists.
//
// The search is conflict-driven in the manner of PubGrub. Each package's
// candidates are indexed in order of preference, and every statement the
// solver knows is an incompatibility: a set of terms "package is one of
// these candidates" that cannot all hold. One extra index per package stands
// for "not installed". Dependencies are added lazily as candidates are
// chosen. When a choice leads to a conflict the solver learns a new
// incompatibility from the chain of derivations and jumps back to the
// decision that caused it; a learned incompatibility about the request
// itself means the problem is unsatisfiable, and the derivation tree is
// rendered as the explanation.
package solve

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/apimachinery/pkg/util/sets"

	"chainguard.dev/cpm/pkg/conda/matchspec"
	"chainguard.dev/cpm/pkg/conda/types"
)

// Problem is the input to a solve.
type Problem struct {
	// Specs are the requested packages.
	Specs []*matchspec.MatchSpec
	// RepoData are the indexes to choose from. Their Priority orders
	// channels.
	RepoData []*types.RepoData
	// Virtual are the system's virtual packages.
	Virtual []*types.PackageRecord
	// Locked records are preferred over other candidates of the same name
	// while they still fit.
	Locked []*types.PackageRecord
	// Pins restrict a name without requiring it.
	Pins []*matchspec.MatchSpec
}

// Solver resolves problems. It holds only configuration and is safe for
// concurrent use.
type Solver struct {
	priority ChannelPriority
	pins     []*matchspec.MatchSpec
}

// New builds a Solver.
func New(options ...Option) (*Solver, error) {
	o := &opts{}
	for _, opt := range options {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return &Solver{priority: o.priority, pins: o.pins}, nil
}

// Solve returns one record per required package name, dependencies first.
// It returns *UnsatisfiableError when no solution exists and
// *types.CancelledError when ctx is done first.
func (s *Solver) Solve(ctx context.Context, p Problem) (*types.Solution, error) {
	ctx, span := otel.Tracer("cpm").Start(ctx, "Solve")
	defer span.End()
	log := clog.FromContext(ctx)

	if err := types.Cancelled(ctx, "solve"); err != nil {
		return nil, err
	}

	pins := append(slices.Clone(s.pins), p.Pins...)
	explicit := sets.New[string]()
	for _, ms := range slices.Concat(p.Specs, pins) {
		if ms == nil {
			return nil, fmt.Errorf("nil match spec")
		}
		if ms.Channel != "" {
			explicit.Insert(ms.Name)
		}
	}

	st := newState(ctx, newPool(p.RepoData, p.Virtual, p.Locked, s.priority == PriorityStrict, explicit))
	if err := st.run(p.Specs, pins); err != nil {
		span.SetAttributes(attribute.Int("decisions", st.decisions), attribute.Int("conflicts", st.conflicts))
		return nil, err
	}

	sol := st.solution()
	span.SetAttributes(
		attribute.Int("packages", len(sol.Records)),
		attribute.Int("decisions", st.decisions),
		attribute.Int("conflicts", st.conflicts),
	)
	log.Debugf("solved %d packages: %d decisions, %d conflicts, %d incompatibilities", len(sol.Records), st.decisions, st.conflicts, len(st.incs))
	return sol, nil
}

// rootID is the package standing for the request itself. It has a single
// candidate, which is always chosen.
const rootID = 0

// pkg is one package name in the search. Candidate i is cands[i]; index
// absent means not installed.
type pkg struct {
	name    string
	cands   []*types.PackageRecord
	absent  int
	all     bitset
	allowed bitset
	decided bool
	matches map[string]bitset
}

type assignment struct {
	pkg   int
	set   bitset
	level int
	// cause is the incompatibility the assignment was derived from, -1
	// for decisions.
	cause int
}

type state struct {
	ctx   context.Context
	pool  *pool
	pkgs  []*pkg
	ids   map[string]int
	incs  []*incompat
	byPkg [][]int
	trail []assignment
	level int
	added sets.Set[string]

	decisions, conflicts int
}

func newState(ctx context.Context, p *pool) *state {
	st := &state{
		ctx:   ctx,
		pool:  p,
		ids:   map[string]int{},
		added: sets.New[string](),
	}
	st.pkgs = append(st.pkgs, &pkg{
		cands:   []*types.PackageRecord{{Name: ""}},
		absent:  1,
		all:     fullBitset(2),
		allowed: fullBitset(2),
		matches: map[string]bitset{},
	})
	st.byPkg = append(st.byPkg, nil)
	return st
}

// id returns the package for name, loading its candidates on first use.
func (s *state) id(name string) int {
	if id, ok := s.ids[name]; ok {
		return id
	}
	cands := s.pool.candidates(name)
	p := &pkg{
		name:    name,
		cands:   cands,
		absent:  len(cands),
		all:     fullBitset(len(cands) + 1),
		matches: map[string]bitset{},
	}
	p.allowed = p.all.clone()
	id := len(s.pkgs)
	s.pkgs = append(s.pkgs, p)
	s.byPkg = append(s.byPkg, nil)
	s.ids[name] = id
	return id
}

// matching returns the candidates of id that satisfy ms, keyed by the
// spec's text.
func (s *state) matching(id int, text string, ms *matchspec.MatchSpec) bitset {
	p := s.pkgs[id]
	if b, ok := p.matches[text]; ok {
		return b
	}
	b := newBitset(len(p.cands) + 1)
	for i, r := range p.cands {
		if ms.Satisfies(r) {
			b.set(i)
		}
	}
	p.matches[text] = b
	return b
}

// without returns the candidates of id outside set, never including
// "not installed".
func (s *state) without(id int, set bitset) bitset {
	p := s.pkgs[id]
	out := p.all.andNot(set)
	return out.andNot(singleton(len(p.cands)+1, p.absent))
}

// run adds the request and searches until every package is decided or the
// request is proven unsatisfiable.
func (s *state) run(specs, pins []*matchspec.MatchSpec) error {
	s.add(&incompat{kind: kindRoot, terms: []term{{pkg: rootID, set: singleton(2, 1)}}}, true)
	for _, ms := range specs {
		q := s.id(ms.Name)
		text := ms.String()
		s.add(&incompat{
			kind:   kindRequest,
			from:   rootID,
			spec:   text,
			target: ms.Name,
			terms: []term{
				{pkg: rootID, set: singleton(2, 0)},
				{pkg: q, set: s.pkgs[q].all.andNot(s.matching(q, text, ms))},
			},
		}, true)
	}
	for _, ms := range pins {
		q := s.id(ms.Name)
		text := ms.String()
		bad := s.without(q, s.matching(q, text, ms))
		if bad.empty() {
			continue
		}
		s.add(&incompat{kind: kindPin, spec: text, target: ms.Name, terms: []term{{pkg: q, set: bad}}}, true)
	}

	changed := make([]int, len(s.pkgs))
	for i := range changed {
		changed[i] = i
	}
	if err := s.propagate(changed...); err != nil {
		return err
	}
	for {
		if err := types.Cancelled(s.ctx, "solve"); err != nil {
			return err
		}
		next, ok := s.choose()
		if !ok {
			return nil
		}
		if err := s.propagate(next); err != nil {
			return err
		}
	}
}

// add stores an incompatibility. Terms on the same package are intersected
// and terms that always hold are dropped. Only indexed incompatibilities take
// part in propagation.
func (s *state) add(inc *incompat, index bool) int {
	var terms []term
	for _, t := range inc.terms {
		if i := slices.IndexFunc(terms, func(o term) bool { return o.pkg == t.pkg }); i >= 0 {
			terms[i].set = terms[i].set.and(t.set)
			continue
		}
		terms = append(terms, term{pkg: t.pkg, set: t.set.clone()})
	}
	inc.terms = slices.DeleteFunc(terms, func(t term) bool {
		return t.set.equal(s.pkgs[t.pkg].all)
	})
	id := len(s.incs)
	s.incs = append(s.incs, inc)
	if index {
		s.index(id)
	}
	return id
}

func (s *state) index(id int) {
	inc := s.incs[id]
	if inc.indexed {
		return
	}
	inc.indexed = true
	for _, t := range inc.terms {
		s.byPkg[t.pkg] = append(s.byPkg[t.pkg], id)
	}
}

type relation int

const (
	relSatisfied relation = iota
	relAlmostSatisfied
	relContradicted
	relInconclusive
)

// relation compares an incompatibility with the current assignments. For
// relAlmostSatisfied it also returns the one term left undecided.
func (s *state) relation(id int) (relation, int) {
	unsatisfied := -1
	for i, t := range s.incs[id].terms {
		allowed := s.pkgs[t.pkg].allowed
		if allowed.subsetOf(t.set) {
			continue
		}
		if !allowed.intersects(t.set) {
			return relContradicted, -1
		}
		if unsatisfied >= 0 {
			return relInconclusive, -1
		}
		unsatisfied = i
	}
	if unsatisfied < 0 {
		return relSatisfied, -1
	}
	return relAlmostSatisfied, unsatisfied
}

// derive records that t cannot hold, because of cause.
func (s *state) derive(t term, cause int) {
	p := s.pkgs[t.pkg]
	set := p.all.andNot(t.set)
	s.trail = append(s.trail, assignment{pkg: t.pkg, set: set, level: s.level, cause: cause})
	p.allowed = p.allowed.and(set)
}

func (s *state) decide(id, cand int) {
	p := s.pkgs[id]
	s.level++
	s.decisions++
	set := singleton(len(p.cands)+1, cand)
	s.trail = append(s.trail, assignment{pkg: id, set: set, level: s.level, cause: -1})
	p.allowed = p.allowed.and(set)
	p.decided = true
}

// backtrack undoes every assignment made after level.
func (s *state) backtrack(level int) {
	cut := len(s.trail)
	for cut > 0 && s.trail[cut-1].level > level {
		cut--
	}
	touched := sets.New[int]()
	for _, a := range s.trail[cut:] {
		touched.Insert(a.pkg)
		if a.cause < 0 {
			s.pkgs[a.pkg].decided = false
		}
	}
	s.trail = s.trail[:cut]
	s.level = level
	for id := range touched {
		s.pkgs[id].allowed = s.pkgs[id].all.clone()
	}
	for _, a := range s.trail {
		if touched.Has(a.pkg) {
			s.pkgs[a.pkg].allowed = s.pkgs[a.pkg].allowed.and(a.set)
		}
	}
}

// propagate derives everything the changed packages imply, resolving any
// conflict it runs into.
func (s *state) propagate(changed ...int) error {
	queue := slices.Clone(changed)
	queued := sets.New(changed...)
	for step := 0; len(queue) > 0; step++ {
		if step%256 == 255 {
			if err := types.Cancelled(s.ctx, "solve"); err != nil {
				return err
			}
		}
		id := queue[0]
		queue = queue[1:]
		queued.Delete(id)

		ids := s.byPkg[id]
		for i := len(ids) - 1; i >= 0; i-- {
			rel, ti := s.relation(ids[i])
			if rel == relAlmostSatisfied {
				t := s.incs[ids[i]].terms[ti]
				s.derive(t, ids[i])
				if !queued.Has(t.pkg) {
					queue = append(queue, t.pkg)
					queued.Insert(t.pkg)
				}
				continue
			}
			if rel != relSatisfied {
				continue
			}

			learned, err := s.resolve(ids[i])
			if err != nil {
				return err
			}
			rel, ti = s.relation(learned)
			if rel != relAlmostSatisfied {
				return fmt.Errorf("solver invariant violated: learned incompatibility %d is not unit after backjumping", learned)
			}
			t := s.incs[learned].terms[ti]
			s.derive(t, learned)
			queue = []int{t.pkg}
			queued = sets.New(t.pkg)
			break
		}
	}
	return nil
}

// failed reports whether an incompatibility rules out the request itself.
func (s *state) failed(inc *incompat) bool {
	if len(inc.terms) == 0 {
		return true
	}
	return len(inc.terms) == 1 && inc.terms[0].pkg == rootID && inc.terms[0].set.has(0)
}

// resolve learns from a satisfied incompatibility. It walks back through
// the causes of the assignments that satisfy it until it finds one that
// becomes unit after backjumping, and returns it.
func (s *state) resolve(id int) (int, error) {
	s.conflicts++
	for {
		inc := s.incs[id]
		if s.failed(inc) {
			return -1, s.unsatisfiable(id)
		}
		si, prevLevel, err := s.satisfier(inc)
		if err != nil {
			return -1, err
		}
		sat := s.trail[si]
		if sat.cause < 0 || prevLevel < sat.level {
			s.backtrack(prevLevel)
			s.index(id)
			return id, nil
		}

		var (
			terms []term
			tSat  term
		)
		for _, t := range inc.terms {
			if t.pkg == sat.pkg {
				tSat = t
				continue
			}
			terms = append(terms, t)
		}
		for _, t := range s.incs[sat.cause].terms {
			if t.pkg != sat.pkg {
				terms = append(terms, t)
			}
		}
		if !sat.set.subsetOf(tSat.set) {
			all := s.pkgs[sat.pkg].all
			terms = append(terms, term{pkg: sat.pkg, set: all.andNot(sat.set).or(tSat.set)})
		}
		id = s.add(&incompat{kind: kindDerived, terms: terms, causes: [2]int{id, sat.cause}}, false)
	}
}

// satisfier finds the earliest assignment at which inc became satisfied,
// and the decision level at which inc minus that assignment's package was
// already satisfied.
func (s *state) satisfier(inc *incompat) (int, int, error) {
	acc := make([]bitset, len(inc.terms))
	reset := func() {
		for i, t := range inc.terms {
			acc[i] = s.pkgs[t.pkg].all
		}
	}
	// apply folds a into the accumulator and reports whether that
	// satisfied a term.
	apply := func(a assignment) bool {
		i := slices.IndexFunc(inc.terms, func(t term) bool { return t.pkg == a.pkg })
		if i < 0 || acc[i].subsetOf(inc.terms[i].set) {
			return false
		}
		acc[i] = acc[i].and(a.set)
		return acc[i].subsetOf(inc.terms[i].set)
	}

	reset()
	done, si := 0, -1
	for i, a := range s.trail {
		if apply(a) {
			if done++; done == len(inc.terms) {
				si = i
				break
			}
		}
	}
	if si < 0 {
		return 0, 0, fmt.Errorf("solver invariant violated: conflict is not satisfied by the partial solution")
	}

	reset()
	done = 0
	if apply(s.trail[si]) {
		done++
	}
	if done == len(inc.terms) {
		return si, 0, nil
	}
	for i := 0; i < si; i++ {
		if apply(s.trail[i]) {
			if done++; done == len(inc.terms) {
				return si, s.trail[i].level, nil
			}
		}
	}
	return si, s.trail[si].level, nil
}

// choose makes the next decision. Required packages come first, fewest
// remaining candidates first, each taking its most preferred candidate.
// Once nothing else is required the remaining packages are left out one at
// a time, so that incompatibilities about absent packages are checked too.
func (s *state) choose() (int, bool) {
	best, bestCount := -1, 0
	for id := rootID + 1; id < len(s.pkgs); id++ {
		p := s.pkgs[id]
		if p.decided || p.allowed.has(p.absent) {
			continue
		}
		n := p.allowed.count()
		if best < 0 || n < bestCount || (n == bestCount && p.name < s.pkgs[best].name) {
			best, bestCount = id, n
		}
	}
	if best >= 0 {
		cand := s.pkgs[best].allowed.first()
		s.addRecord(best, cand)
		s.decide(best, cand)
		return best, true
	}
	for id := rootID + 1; id < len(s.pkgs); id++ {
		if p := s.pkgs[id]; !p.decided {
			s.decide(id, p.absent)
			return id, true
		}
	}
	return 0, false
}

// addRecord adds the dependency and constraint incompatibilities of one
// candidate. Each spec is stated once for every candidate of the package
// that carries it.
func (s *state) addRecord(id, cand int) {
	p := s.pkgs[id]
	rs := s.pool.specsOf(p.cands[cand])
	if rs.err != nil {
		key := fmt.Sprintf("%d\x00invalid\x00%d", id, cand)
		if !s.added.Has(key) {
			s.added.Insert(key)
			s.add(&incompat{
				kind:  kindInvalid,
				from:  id,
				err:   rs.err,
				terms: []term{{pkg: id, set: singleton(len(p.cands)+1, cand)}},
			}, true)
		}
		return
	}

	group := func(field string, text string) bitset {
		b := newBitset(len(p.cands) + 1)
		for i, r := range p.cands {
			other := s.pool.specsOf(r)
			list := other.depends
			if field == "constrains" {
				list = other.constrains
			}
			if slices.ContainsFunc(list, func(ps parsedSpec) bool { return ps.text == text }) {
				b.set(i)
			}
		}
		return b
	}

	for _, d := range rs.depends {
		key := fmt.Sprintf("%d\x00depends\x00%s", id, d.text)
		if s.added.Has(key) {
			continue
		}
		s.added.Insert(key)
		q := s.id(d.spec.Name)
		s.add(&incompat{
			kind:   kindDependency,
			from:   id,
			spec:   strings.TrimSpace(d.text),
			target: d.spec.Name,
			terms: []term{
				{pkg: id, set: group("depends", d.text)},
				{pkg: q, set: s.pkgs[q].all.andNot(s.matching(q, d.text, d.spec))},
			},
		}, true)
	}
	for _, c := range rs.constrains {
		key := fmt.Sprintf("%d\x00constrains\x00%s", id, c.text)
		if s.added.Has(key) {
			continue
		}
		s.added.Insert(key)
		q := s.id(c.spec.Name)
		bad := s.without(q, s.matching(q, c.text, c.spec))
		if bad.empty() {
			continue
		}
		s.add(&incompat{
			kind:   kindConstrains,
			from:   id,
			spec:   strings.TrimSpace(c.text),
			target: c.spec.Name,
			terms: []term{
				{pkg: id, set: group("constrains", c.text)},
				{pkg: q, set: bad},
			},
		}, true)
	}
}

// solution collects the chosen candidate of every installed package.
func (s *state) solution() *types.Solution {
	var recs []*types.PackageRecord
	for id := rootID + 1; id < len(s.pkgs); id++ {
		p := s.pkgs[id]
		if c := p.allowed.first(); c >= 0 && c != p.absent {
			recs = append(recs, p.cands[c])
		}
	}
	return &types.Solution{Records: installOrder(recs, s.pool)}
}
