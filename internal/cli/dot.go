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
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
	"github.com/tmc/dot"

	"chainguard.dev/cpm/pkg/conda/channel"
	"chainguard.dev/cpm/pkg/conda/matchspec"
	"chainguard.dev/cpm/pkg/conda/solve"
	"chainguard.dev/cpm/pkg/conda/types"
	"chainguard.dev/cpm/pkg/env"
)

func dotcmd(g *globalOptions) *cobra.Command {
	var platform string
	var span bool

	cmd := &cobra.Command{
		Use:   "dot",
		Short: "Output a digraph showing the resolved dependencies of an environment.",
		Long: `Output a digraph showing the resolved dependencies of an environment.

When the environment cannot be solved, the graph shows the error and the
packages involved in the conflict instead.

# Render an svg of environment.yaml
cpm dot environment.yaml | dot -Tsvg > graph.svg

# Render an (almost) minimum spanning tree
cpm dot -S environment.yaml | dot -Tsvg > graph.svg
`,
		Example: `  cpm dot <environment.yaml>`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return DotCmd(cmd.Context(), g.settings, cmd.OutOrStdout(), args[0], platform, span)
		},
	}

	cmd.Flags().StringVar(&platform, "platform", "", "platform to solve for (default is the running platform)")
	cmd.Flags().BoolVarP(&span, "spanning-tree", "S", false, "does something like a spanning tree to avoid a huge number of edges")

	return cmd
}

func DotCmd(ctx context.Context, s *settings, out io.Writer, envFile, platform string, span bool) error {
	log := clog.FromContext(ctx)

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
	p := m.Platform()
	if platform != "" {
		if p, err = channel.ParsePlatform(platform); err != nil {
			return err
		}
	}
	log.Infof("Determining packages for %s", p)

	sol, solveErr := m.Solve(ctx, &e, p, nil)
	if solveErr != nil {
		var unsat *solve.UnsatisfiableError
		if !errors.As(solveErr, &unsat) {
			return solveErr
		}
		log.Errorf("failed to solve environment: %v", solveErr)
	}

	fmt.Fprintln(out, renderGraph(envFile, &e, sol, solveErr, span).String())
	return nil
}

// renderGraph draws the environment file, its requests and the dependency
// edges of the solution. sol may be nil when solveErr is set.
func renderGraph(name string, e *env.Environment, sol *types.Solution, solveErr error, span bool) *dot.Graph {
	edges := map[string]struct{}{}

	out := dot.NewGraph("environment")
	if err := out.Set("rankdir", "LR"); err != nil {
		panic(err)
	}
	out.SetType(dot.DIGRAPH)

	file := dot.NewNode(name)
	out.AddNode(file)

	for _, dep := range e.Dependencies {
		n := dot.NewNode(depName(dep))
		out.AddNode(n)
		edge := dot.NewEdge(file, n)
		if dep != depName(dep) {
			if err := edge.Set("label", dep); err != nil {
				panic(err)
			}
		}
		out.AddEdge(edge)
	}

	if sol != nil {
		for _, r := range sol.Records {
			n := dot.NewNode(r.Name)
			if err := n.Set("label", pkgver(r)); err != nil {
				panic(err)
			}
			if r.IsVirtual() {
				if err := n.Set("shape", "rect"); err != nil {
					panic(err)
				}
			}
			out.AddNode(n)

			for _, dep := range r.Depends {
				dn := depName(dep)
				d := dot.NewNode(dn)
				out.AddNode(d)
				if _, ok := edges[dn]; !ok || !span {
					// This check is stupid but otherwise cycles render dumb.
					if r.Name != dn {
						out.AddEdge(dot.NewEdge(n, d))
						edges[dn] = struct{}{}
					}
				}
			}
		}
	}

	if solveErr != nil {
		errorNode := dot.NewNode("❌ error")

		out.AddNode(errorNode)
		walkErrors(out, solveErr, errorNode)
	}

	return out
}

func depName(dep string) string {
	if ms, err := matchspec.Parse(dep); err == nil {
		return ms.Name
	}
	name, _, _ := strings.Cut(strings.TrimSpace(dep), " ")
	return name
}

func pkgver(r *types.PackageRecord) string {
	return fmt.Sprintf("%s-%s-%s", r.Name, r.Version, r.Build)
}

type unwrapper interface {
	Unwrap() error
}

type unwrappers interface {
	Unwrap() []error
}

func canUnwrap(err error) bool {
	if _, ok := err.(unwrapper); ok { //nolint:errorlint
		return true
	}

	if _, ok := err.(unwrappers); ok { //nolint:errorlint
		return true
	}

	return false
}

func makeNode(out *dot.Graph, err error, parent *dot.Node) *dot.Node {
	if unsat, ok := err.(*solve.UnsatisfiableError); ok { //nolint:errorlint
		node := dot.NewNode("❌ cannot solve environment")
		out.AddNode(node)
		out.AddEdge(dot.NewEdge(parent, node))
		for _, p := range unsat.Packages {
			n := dot.NewNode(p)
			out.AddNode(n)
			edge := dot.NewEdge(node, n)
			if err := edge.Set("label", "conflict"); err != nil {
				panic(err)
			}
			out.AddEdge(edge)
		}
		return node
	}

	if canUnwrap(err) {
		return parent
	}
	node := dot.NewNode("❌ " + err.Error())
	out.AddNode(node)
	out.AddEdge(dot.NewEdge(parent, node))
	return node
}

func walkErrors(out *dot.Graph, err error, parent *dot.Node) {
	node := makeNode(out, err, parent)

	if wrapped := errors.Unwrap(err); wrapped != nil {
		walkErrors(out, wrapped, node)
	} else if mw, ok := err.(unwrappers); ok { //nolint:errorlint
		for _, wrapped := range mw.Unwrap() {
			walkErrors(out, wrapped, node)
		}
	}
}
