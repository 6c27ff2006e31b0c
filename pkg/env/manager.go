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

package env

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/chainguard-dev/clog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"chainguard.dev/cpm/pkg/conda/channel"
	"chainguard.dev/cpm/pkg/conda/install"
	"chainguard.dev/cpm/pkg/conda/repodata"
	"chainguard.dev/cpm/pkg/conda/solve"
	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/conda/virtual"
	"chainguard.dev/cpm/pkg/lock"
)

// VirtualFunc returns the virtual packages of a target platform.
type VirtualFunc func(ctx context.Context, platform channel.Platform) ([]*types.PackageRecord, error)

type opts struct {
	provider  *repodata.Provider
	installer *install.Installer
	channels  channel.Config
	solveOpts []solve.Option
	priority  *solve.ChannelPriority
	platform  channel.Platform
	virtual   VirtualFunc
}

// Option configures a Manager.
type Option func(*opts) error

// WithProvider sets the index provider. By default one is built with the
// default cache directory.
func WithProvider(p *repodata.Provider) Option {
	return func(o *opts) error {
		o.provider = p
		return nil
	}
}

// WithInstaller sets the installer. By default one is built with the
// default cache directory.
func WithInstaller(i *install.Installer) Option {
	return func(o *opts) error {
		o.installer = i
		return nil
	}
}

// WithChannelConfig sets how channel names are resolved.
func WithChannelConfig(c channel.Config) Option {
	return func(o *opts) error {
		o.channels = c
		return nil
	}
}

// WithSolverOptions passes options to every solve.
func WithSolverOptions(so ...solve.Option) Option {
	return func(o *opts) error {
		o.solveOpts = append(o.solveOpts, so...)
		return nil
	}
}

// WithChannelPriority overrides the channel priority of environment files.
func WithChannelPriority(p solve.ChannelPriority) Option {
	return func(o *opts) error {
		o.priority = &p
		return nil
	}
}

// WithPlatform sets the platform environments are installed for. Defaults
// to the running platform.
func WithPlatform(p channel.Platform) Option {
	return func(o *opts) error {
		if p == channel.NoArch {
			return fmt.Errorf("cannot install for %s", p)
		}
		o.platform = p
		return nil
	}
}

// WithVirtualPackages replaces virtual package detection.
func WithVirtualPackages(fn VirtualFunc) Option {
	return func(o *opts) error {
		o.virtual = fn
		return nil
	}
}

// Manager solves, locks and installs environments.
type Manager struct {
	opts
}

// New builds a Manager.
func New(options ...Option) (*Manager, error) {
	o := opts{
		channels: channel.DefaultConfig(),
		platform: channel.Current(),
		virtual:  virtual.Records,
	}
	for _, opt := range options {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.provider == nil {
		p, err := repodata.New()
		if err != nil {
			return nil, err
		}
		o.provider = p
	}
	if o.installer == nil {
		i, err := install.New()
		if err != nil {
			return nil, err
		}
		o.installer = i
	}
	return &Manager{opts: o}, nil
}

// Platform returns the platform environments are installed for.
func (m *Manager) Platform() channel.Platform {
	return m.platform
}

// Subdirs returns the channel subdirectories an environment draws from on
// platform.
func (m *Manager) Subdirs(e *Environment, platform channel.Platform) ([]channel.Subdir, error) {
	channels := make([]*channel.Channel, 0, len(e.ChannelList()))
	for _, s := range e.ChannelList() {
		c, err := channel.Parse(s, m.channels)
		if err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channel.Subdirs(channels, []channel.Platform{platform}), nil
}

// Solve resolves e for platform. Locked records are preferred while they
// still fit.
func (m *Manager) Solve(ctx context.Context, e *Environment, platform channel.Platform, locked []*types.PackageRecord) (*types.Solution, error) {
	ctx, span := otel.Tracer("cpm").Start(ctx, "env.Solve")
	defer span.End()
	span.SetAttributes(attribute.String("platform", string(platform)))

	specs, err := e.Specs()
	if err != nil {
		return nil, err
	}
	pins, err := e.PinSpecs()
	if err != nil {
		return nil, err
	}
	priority, err := e.Priority()
	if err != nil {
		return nil, err
	}
	if m.priority != nil {
		priority = *m.priority
	}

	subdirs, err := m.Subdirs(e, platform)
	if err != nil {
		return nil, err
	}
	rds, err := m.provider.FetchSubdirs(ctx, subdirs)
	if err != nil {
		return nil, err
	}
	for _, rd := range rds {
		if rd.Stale {
			clog.FromContext(ctx).Warnf("using a stale index for %s", rd.URL)
		}
	}

	virt, err := m.virtual(ctx, platform)
	if err != nil {
		return nil, err
	}

	s, err := solve.New(append(slices.Clone(m.solveOpts), solve.WithChannelPriority(priority))...)
	if err != nil {
		return nil, err
	}
	return s.Solve(ctx, solve.Problem{
		Specs:    specs,
		RepoData: rds,
		Virtual:  virt,
		Locked:   locked,
		Pins:     pins,
	})
}

// Create solves e for the install platform and makes prefix match the
// solution. Packages already in the prefix are kept when they still fit.
func (m *Manager) Create(ctx context.Context, e *Environment, prefix string) (*install.InstallReport, error) {
	ctx, span := otel.Tracer("cpm").Start(ctx, "env.Create")
	defer span.End()

	if err := m.checkPlatform(e); err != nil {
		return nil, err
	}

	installed, err := install.ReadPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	locked := make([]*types.PackageRecord, 0, len(installed))
	for _, name := range slices.Sorted(maps.Keys(installed)) {
		locked = append(locked, &installed[name].PackageRecord)
	}

	sol, err := m.Solve(ctx, e, m.platform, locked)
	if err != nil {
		return nil, err
	}
	return m.installer.Install(ctx, sol, prefix)
}

func (m *Manager) checkPlatform(e *Environment) error {
	ps, err := e.TargetPlatforms()
	if err != nil {
		return err
	}
	if len(ps) != 0 && !slices.Contains(ps, m.platform) {
		return fmt.Errorf("environment %s is for %v, not %s", e.Name, ps, m.platform)
	}
	return nil
}

// Lock solves e for each of its platforms, or the install platform when it
// lists none, and records the results.
func (m *Manager) Lock(ctx context.Context, e *Environment) (*lock.Lock, error) {
	ctx, span := otel.Tracer("cpm").Start(ctx, "env.Lock")
	defer span.End()

	platforms, err := e.TargetPlatforms()
	if err != nil {
		return nil, err
	}
	if len(platforms) == 0 {
		platforms = []channel.Platform{m.platform}
	}
	sum, err := m.Checksum(e)
	if err != nil {
		return nil, err
	}

	sols := make([]*types.Solution, len(platforms))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range platforms {
		g.Go(func() error {
			sol, err := m.Solve(gctx, e, p, nil)
			if err != nil {
				return fmt.Errorf("solving for %s: %w", p, err)
			}
			sols[i] = sol
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	l := &lock.Lock{
		Version: lock.FormatVersion,
		Config:  &lock.Config{Name: e.Name, DeepChecksum: sum},
	}
	for prio, s := range e.ChannelList() {
		c, err := channel.Parse(s, m.channels)
		if err != nil {
			return nil, err
		}
		l.Contents.Channels = append(l.Contents.Channels, lock.LockChannel{Name: s, URL: c.BaseURL(), Priority: prio})
	}
	for i, p := range platforms {
		l.Contents.Platforms = append(l.Contents.Platforms, string(p))
		l.AddSolution(string(p), sols[i], install.PackageURL)
	}
	return l, nil
}

// Checksum identifies e together with the settings of m that change how it
// solves.
func (m *Manager) Checksum(e *Environment) (string, error) {
	alias := ""
	if m.channels.Alias != nil {
		alias = m.channels.Alias.String()
	}
	priority := ""
	if m.priority != nil {
		priority = m.priority.String()
	}
	return e.Checksum(alias, priority)
}

// Verify reports whether l was generated from e with the current settings.
func (m *Manager) Verify(e *Environment, l *lock.Lock) error {
	sum, err := m.Checksum(e)
	if err != nil {
		return err
	}
	if l.Config == nil || l.Config.DeepChecksum != sum {
		return fmt.Errorf("lock file is out of date for environment %s", e.Name)
	}
	return nil
}

// InstallLock makes prefix match the packages l locks for the install
// platform, without solving.
func (m *Manager) InstallLock(ctx context.Context, l *lock.Lock, prefix string) (*install.InstallReport, error) {
	ctx, span := otel.Tracer("cpm").Start(ctx, "env.InstallLock")
	defer span.End()

	sol, err := l.Solution(string(m.platform))
	if err != nil {
		return nil, err
	}
	return m.installer.Install(ctx, sol, prefix)
}
