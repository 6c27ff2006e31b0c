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

package cli

import (
	"context"
	"fmt"
	"io"
	"text/template"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"chainguard.dev/cpm/pkg/conda/channel"
	"chainguard.dev/cpm/pkg/env"
)

const (
	formatNameSpaceVersion                 = `{{ .Name }} {{ .Version }}`
	formatNameSpaceVersionWithSource       = `{{ .Name }} {{ .Version }} {{ .Source }}`
	formatNameSpaceEqualsVersion           = `{{ .Name }}={{ .Version }}`
	formatNameSpaceEqualsVersionWithSource = `{{ .Name }}={{ .Version }} {{ .Source }}`
	formatMatchSpec                        = `{{ .Name }} =={{ .Version }} {{ .Build }}`
	formatDependency                       = `  - {{ .Name }} =={{ .Version }}`
	formatDependencyWithSource             = `  - {{ .Name }} =={{ .Version }} # {{ .Source }}`
)

var (
	showPkgsFormats = map[string]string{
		"name-version":        formatNameSpaceVersion,
		"name-version-source": formatNameSpaceVersionWithSource,
		"name=version":        formatNameSpaceEqualsVersion,
		"name=version-source": formatNameSpaceEqualsVersionWithSource,
		"matchspec":           formatMatchSpec,
		"dependency":          formatDependency,
		"dependency-source":   formatDependencyWithSource,
	}
)

type pkgInfo struct {
	Name     string
	Version  string
	Build    string
	Subdir   string
	Channel  string
	Source   string
	Platform string
}

func showPackages(g *globalOptions) *cobra.Command {
	var platforms []string
	var format string

	cmd := &cobra.Command{
		Use:     "solve",
		Aliases: []string{"show-packages"},
		Short:   "Show the packages an environment resolves to, without installing them",
		Long: `Show the packages an environment resolves to, without installing them.

Packages are listed in install order, dependencies first. When the environment
cannot be satisfied the reason is printed instead.

The output is one of several pre-defined formats, or can be customized to any go template, using
the provided vars. See https://pkg.go.dev/text/template for more information. Available vars are
.Name, .Version, .Build, .Subdir, .Channel, .Source, .Platform

The pre-defined formats are:
  name-version:          {{ .Name }} {{ .Version }}
  name-version-source:   {{ .Name }} {{ .Version }} {{ .Source }}
  name=version:          {{ .Name }}={{ .Version }}
  name=version-source:   {{ .Name }}={{ .Version }} {{ .Source }}
  matchspec:             {{ .Name }} =={{ .Version }} {{ .Build }}
  dependency:              - {{ .Name }} =={{ .Version }}
  dependency-source:       - {{ .Name }} =={{ .Version }} # {{ .Source }}

The default format is name-version.

dependency and dependency-source are particularly useful for inserting back into the
dependencies of an environment file.
`,
		Example: `  cpm solve environment.yaml
  cpm solve --platform osx-arm64 --format matchspec environment.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tmpl := format
			if t, ok := showPkgsFormats[format]; ok {
				tmpl = t
			}
			return ShowPackagesCmd(cmd.Context(), g.settings, cmd.OutOrStdout(), args[0], tmpl, platforms)
		},
	}

	cmd.Flags().StringSliceVar(&platforms, "platform", nil, "platforms to solve for (default is the environment's platforms, or the running platform)")
	cmd.Flags().StringVar(&format, "format", "name-version", "format for showing packages; if pre-defined from list, will use that, else go template. See https://pkg.go.dev/text/template for more information. Available vars are `.Name`, `.Version`, `.Build`, `.Subdir`, `.Channel`, `.Source`, `.Platform`")

	return cmd
}

func ShowPackagesCmd(ctx context.Context, s *settings, out io.Writer, envFile, format string, platforms []string) error {
	log := clog.FromContext(ctx)

	tmpl, err := template.New("format").Parse(format)
	if err != nil {
		return fmt.Errorf("failed to parse format: %w", err)
	}

	var e env.Environment
	if err := e.Load(envFile); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid environment file %s: %w", envFile, err)
	}

	m, err := s.manager(nil)
	if err != nil {
		return err
	}
	targets, err := solvePlatforms(&e, m, platforms)
	if err != nil {
		return err
	}

	for _, p := range targets {
		log := log.With("platform", string(p))
		ctx := clog.WithLogger(ctx, log)
		log.Infof("solving for %s", p)

		sol, err := m.Solve(ctx, &e, p, nil)
		if err != nil {
			return fmt.Errorf("solving for %s: %w", p, err)
		}
		for _, r := range sol.Installable() {
			info := pkgInfo{
				Name:     r.Name,
				Version:  r.Version.String(),
				Build:    r.Build,
				Subdir:   r.Subdir,
				Channel:  r.Channel,
				Source:   r.URL,
				Platform: string(p),
			}
			if err := tmpl.Execute(out, info); err != nil {
				return fmt.Errorf("failed to execute template: %w", err)
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}

// solvePlatforms picks the platforms to solve for: those on the command
// line, else those of the environment, else the running platform.
func solvePlatforms(e *env.Environment, m *env.Manager, flags []string) ([]channel.Platform, error) {
	if len(flags) > 0 {
		return channel.ParsePlatforms(flags)
	}
	ps, err := e.TargetPlatforms()
	if err != nil {
		return nil, err
	}
	if len(ps) == 0 {
		ps = []channel.Platform{m.Platform()}
	}
	return ps, nil
}
