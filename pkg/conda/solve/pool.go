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
	"cmp"
	"fmt"
	"slices"

	"k8s.io/apimachinery/pkg/util/sets"

	"chainguard.dev/cpm/pkg/conda/channel"
	"chainguard.dev/cpm/pkg/conda/matchspec"
	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/conda/version"
)

// virtualPriority ranks virtual packages ahead of every channel.
const virtualPriority = -1

type parsedSpec struct {
	text string
	spec *matchspec.MatchSpec
}

type recordSpecs struct {
	depends    []parsedSpec
	constrains []parsedSpec
	err        error
}

// pool indexes every record of a problem by name. Candidate lists and parsed
// dependencies are built on first use, since a solve usually touches a small
// fraction of a channel.
type pool struct {
	byName   map[string][]*types.PackageRecord
	priority map[*types.PackageRecord]int
	locked   sets.Set[string]
	strict   bool
	// explicit names were requested from a specific channel and so keep
	// candidates from every channel.
	explicit sets.Set[string]
	specs    map[*types.PackageRecord]*recordSpecs
}

func newPool(repodata []*types.RepoData, virtual, locked []*types.PackageRecord, strict bool, explicit sets.Set[string]) *pool {
	n := len(virtual)
	for _, rd := range repodata {
		n += len(rd.Records)
	}
	p := &pool{
		byName:   make(map[string][]*types.PackageRecord),
		priority: make(map[*types.PackageRecord]int, n),
		locked:   sets.New[string](),
		strict:   strict,
		explicit: explicit,
		specs:    map[*types.PackageRecord]*recordSpecs{},
	}
	for _, rd := range repodata {
		if rd == nil {
			continue
		}
		for _, r := range rd.Records {
			if prio, ok := p.priority[r]; ok {
				// The same index listed twice keeps its best rank.
				p.priority[r] = min(prio, rd.Priority)
				continue
			}
			p.byName[r.Name] = append(p.byName[r.Name], r)
			p.priority[r] = rd.Priority
		}
	}
	for _, r := range virtual {
		if _, ok := p.priority[r]; ok {
			continue
		}
		p.byName[r.Name] = append(p.byName[r.Name], r)
		p.priority[r] = virtualPriority
	}
	for _, r := range locked {
		p.locked.Insert(r.Key())
	}
	return p
}

// known reports whether any channel publishes name, before priority
// filtering.
func (p *pool) known(name string) bool {
	return len(p.byName[name]) > 0
}

// candidates returns the records for name in order of preference.
func (p *pool) candidates(name string) []*types.PackageRecord {
	recs := slices.Clone(p.byName[name])
	if p.strict && !p.explicit.Has(name) && len(recs) > 0 {
		best := p.priority[recs[0]]
		for _, r := range recs[1:] {
			best = min(best, p.priority[r])
		}
		recs = slices.DeleteFunc(recs, func(r *types.PackageRecord) bool {
			return p.priority[r] != best
		})
	}
	slices.SortFunc(recs, p.compare)
	return slices.CompactFunc(recs, func(a, b *types.PackageRecord) bool {
		return a.Key() == b.Key() && a.Subdir == b.Subdir
	})
}

// compare orders candidates of one name, preferred first.
func (p *pool) compare(a, b *types.PackageRecord) int {
	if la, lb := p.locked.Has(a.Key()), p.locked.Has(b.Key()); la != lb {
		if la {
			return -1
		}
		return 1
	}
	if ta, tb := len(a.TrackFeatures) > 0, len(b.TrackFeatures) > 0; ta != tb {
		if tb {
			return -1
		}
		return 1
	}
	if c := version.Compare(b.Version, a.Version); c != 0 {
		return c
	}
	if c := cmp.Compare(b.BuildNumber, a.BuildNumber); c != 0 {
		return c
	}
	if c := cmp.Compare(p.priority[a], p.priority[b]); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Timestamp, a.Timestamp); c != 0 {
		return c
	}
	if c := cmp.Compare(b.Build, a.Build); c != 0 {
		return c
	}
	if na, nb := a.Subdir == string(channel.NoArch), b.Subdir == string(channel.NoArch); na != nb {
		if nb {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(a.Channel, b.Channel); c != 0 {
		return c
	}
	return cmp.Compare(a.Subdir, b.Subdir)
}

// specsOf parses the depends and constrains of r once.
func (p *pool) specsOf(r *types.PackageRecord) *recordSpecs {
	if rs, ok := p.specs[r]; ok {
		return rs
	}
	rs := &recordSpecs{}
	parse := func(field string, in []string) []parsedSpec {
		out := make([]parsedSpec, 0, len(in))
		for _, text := range in {
			ms, err := matchspec.Parse(text)
			if err != nil {
				if rs.err == nil {
					rs.err = fmt.Errorf("%s: %w", field, err)
				}
				continue
			}
			out = append(out, parsedSpec{text: text, spec: ms})
		}
		return out
	}
	rs.depends = parse("depends", r.Depends)
	rs.constrains = parse("constrains", r.Constrains)
	p.specs[r] = rs
	return rs
}
