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
	"k8s.io/apimachinery/pkg/util/sets"

	"chainguard.dev/cpm/pkg/conda/types"
)

// installOrder sorts records so that dependencies come before dependents,
// taking the alphabetically first ready package at each step. A cycle is
// broken at the alphabetically first remaining package.
func installOrder(recs []*types.PackageRecord, p *pool) []*types.PackageRecord {
	byName := make(map[string]*types.PackageRecord, len(recs))
	for _, r := range recs {
		byName[r.Name] = r
	}
	waiting := make(map[string]sets.Set[string], len(recs))
	for _, r := range recs {
		deps := sets.New[string]()
		for _, d := range p.specsOf(r).depends {
			if _, ok := byName[d.spec.Name]; ok && d.spec.Name != r.Name {
				deps.Insert(d.spec.Name)
			}
		}
		waiting[r.Name] = deps
	}

	remaining := sets.KeySet(waiting)
	out := make([]*types.PackageRecord, 0, len(recs))
	for remaining.Len() > 0 {
		names := sets.List(remaining)
		next := names[0]
		for _, n := range names {
			if waiting[n].Len() == 0 {
				next = n
				break
			}
		}
		remaining.Delete(next)
		out = append(out, byName[next])
		for n := range remaining {
			waiting[n].Delete(next)
		}
	}
	return out
}
