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

//go:generate go run ../../internal/gen-jsonschema -o ../../environment.schema.json

// Package env loads environment files and turns them into installed or
// locked environments.
package env

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chainguard-dev/clog"
	"gopkg.in/yaml.v3"

	"chainguard.dev/cpm/pkg/conda/channel"
	"chainguard.dev/cpm/pkg/conda/matchspec"
	"chainguard.dev/cpm/pkg/conda/solve"
	"chainguard.dev/cpm/pkg/lock"
)

// DefaultChannels are used when an environment lists none.
var DefaultChannels = []string{"conda-forge"}

// Environment is the contents of an environment file.
type Environment struct {
	// Optional: A name for the environment, recorded in lock files.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Optional: Channels to take packages from, most preferred first.
	// Defaults to conda-forge.
	Channels []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	// Optional: Platforms to lock for, e.g. linux-64. Installing targets the
	// running platform, which must be listed when this is set.
	Platforms []string `json:"platforms,omitempty" yaml:"platforms,omitempty"`
	// Required: The requested packages as match specs, e.g. "python >=3.11".
	Dependencies []string `json:"dependencies" yaml:"dependencies"`
	// Optional: Match specs that restrict packages without requiring them.
	Pins []string `json:"pins,omitempty" yaml:"pins,omitempty"`
	// Optional: strict (the default) or disabled.
	ChannelPriority string `json:"channel-priority,omitempty" yaml:"channel-priority,omitempty" jsonschema:"enum=strict,enum=disabled"`
}

// Load reads an environment file. Unknown keys are an error.
func (e *Environment) Load(envPath string) error {
	data, err := os.ReadFile(envPath)
	if err != nil {
		return fmt.Errorf("failed to read environment file: %w", err)
	}
	if err := e.parse(data); err != nil {
		return fmt.Errorf("failed to parse environment file %s: %w", envPath, err)
	}
	return nil
}

// Parse decodes and validates an environment document.
func Parse(data []byte) (*Environment, error) {
	var e Environment
	if err := e.parse(data); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Environment) parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(e); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty document")
		}
		return err
	}
	return nil
}

// Validate checks every spec, platform and setting of the environment.
func (e *Environment) Validate() error {
	if len(e.Dependencies) == 0 {
		return fmt.Errorf("environment has no dependencies")
	}
	if _, err := e.Specs(); err != nil {
		return err
	}
	if _, err := e.PinSpecs(); err != nil {
		return err
	}
	if _, err := e.TargetPlatforms(); err != nil {
		return err
	}
	if _, err := e.Priority(); err != nil {
		return err
	}
	for _, c := range e.Channels {
		if _, err := channel.Parse(c, channel.DefaultConfig()); err != nil {
			return err
		}
	}
	return nil
}

// Specs parses the dependencies.
func (e *Environment) Specs() ([]*matchspec.MatchSpec, error) {
	return parseSpecs("dependency", e.Dependencies)
}

// PinSpecs parses the pins.
func (e *Environment) PinSpecs() ([]*matchspec.MatchSpec, error) {
	return parseSpecs("pin", e.Pins)
}

func parseSpecs(what string, in []string) ([]*matchspec.MatchSpec, error) {
	out := make([]*matchspec.MatchSpec, 0, len(in))
	for _, s := range in {
		ms, err := matchspec.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%s %q: %w", what, s, err)
		}
		out = append(out, ms)
	}
	return out, nil
}

// TargetPlatforms returns the listed platforms, or nil when none are listed.
func (e *Environment) TargetPlatforms() ([]channel.Platform, error) {
	return channel.ParsePlatforms(e.Platforms)
}

// Priority parses the channel priority setting.
func (e *Environment) Priority() (solve.ChannelPriority, error) {
	return solve.ParseChannelPriority(e.ChannelPriority)
}

// ChannelList returns the channels, or DefaultChannels when none are listed.
func (e *Environment) ChannelList() []string {
	if len(e.Channels) == 0 {
		return DefaultChannels
	}
	return e.Channels
}

// Checksum identifies the solve inputs of the environment, so that a lock
// file can tell when it is out of date. The name and platforms are not
// inputs: they decide what gets locked, not what a platform resolves to.
func (e *Environment) Checksum(extra ...string) (string, error) {
	inputs := *e
	inputs.Name, inputs.Platforms = "", nil
	doc, err := yaml.Marshal(&inputs)
	if err != nil {
		return "", err
	}
	parts := [][]byte{doc}
	for _, x := range extra {
		parts = append(parts, []byte(x))
	}
	return lock.Checksum(parts...), nil
}

func (e *Environment) Summarize(logger *clog.Logger) {
	logger.Infof("environment %s:", e.Name)
	logger.Infof("  channels:     %v", e.ChannelList())
	if len(e.Platforms) != 0 {
		logger.Infof("  platforms:    %v", e.Platforms)
	}
	logger.Infof("  dependencies: %v", e.Dependencies)
	if len(e.Pins) != 0 {
		logger.Infof("  pins:         %v", e.Pins)
	}
	if e.ChannelPriority != "" {
		logger.Infof("  priority:     %s", e.ChannelPriority)
	}
}
