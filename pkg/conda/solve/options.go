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

	"chainguard.dev/cpm/pkg/conda/matchspec"
)

// ChannelPriority controls whether lower-priority channels can supply a
// package that a higher-priority channel also carries.
type ChannelPriority int

const (
	// PriorityStrict takes each package only from the first channel that
	// carries it.
	PriorityStrict ChannelPriority = iota
	// PriorityDisabled merges all channels and lets versions decide.
	PriorityDisabled
)

func (c ChannelPriority) String() string {
	if c == PriorityDisabled {
		return "disabled"
	}
	return "strict"
}

// ParseChannelPriority accepts "strict" and "disabled".
func ParseChannelPriority(s string) (ChannelPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "strict":
		return PriorityStrict, nil
	case "disabled":
		return PriorityDisabled, nil
	}
	return 0, fmt.Errorf("unknown channel priority %q, want strict or disabled", s)
}

type opts struct {
	priority ChannelPriority
	pins     []*matchspec.MatchSpec
}

// Option configures a Solver.
type Option func(*opts) error

// WithChannelPriority sets the channel priority mode. The default is strict.
func WithChannelPriority(p ChannelPriority) Option {
	return func(o *opts) error {
		if p != PriorityStrict && p != PriorityDisabled {
			return fmt.Errorf("invalid channel priority %d", p)
		}
		o.priority = p
		return nil
	}
}

// WithPins restricts the named packages on every solve without requiring
// them.
func WithPins(pins ...*matchspec.MatchSpec) Option {
	return func(o *opts) error {
		for _, p := range pins {
			if p == nil {
				return fmt.Errorf("nil pin")
			}
		}
		o.pins = append(o.pins, pins...)
		return nil
	}
}
