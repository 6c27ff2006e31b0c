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

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"chainguard.dev/cpm/pkg/conda/install"
	"chainguard.dev/cpm/pkg/env"
	pkglock "chainguard.dev/cpm/pkg/lock"
	cpmlog "chainguard.dev/cpm/pkg/log"
)

func createCmd(g *globalOptions) *cobra.Command {
	var prefix string
	var lockFile string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create or update an environment in a prefix",
		Long: `Create or update an environment in a prefix.

The environment file is solved for the running platform and the prefix is
changed to match: missing packages are installed, packages that are no longer
needed are removed, and packages already installed are kept when they still
fit.

With --lock the packages recorded in a lock file are installed without
solving. When an environment file is also given, the lock file must have been
generated from it.
`,
		Example: `  cpm create -p ./env environment.yaml
  cpm create -p ./env --lock environment.lock.json
  cpm create -p ./env --lock environment.lock.json environment.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if prefix == "" {
				return fmt.Errorf("--prefix is required")
			}
			envFile := ""
			if len(args) == 1 {
				envFile = args[0]
			}
			if envFile == "" && lockFile == "" {
				return fmt.Errorf("an environment file or --lock is required")
			}
			return CreateCmd(cmd.Context(), g.settings, cmd.OutOrStdout(), envFile, lockFile, prefix)
		},
	}

	cmd.Flags().StringVarP(&prefix, "prefix", "p", "", "directory to install the environment into")
	cmd.Flags().StringVar(&lockFile, "lock", "", "install the packages of this lock file instead of solving")

	return cmd
}

func CreateCmd(ctx context.Context, s *settings, out io.Writer, envFile, lockFile, prefix string) error {
	log := clog.FromContext(ctx)

	m, err := s.manager(progressLogger(ctx))
	if err != nil {
		return err
	}

	var e *env.Environment
	if envFile != "" {
		e = &env.Environment{}
		if err := e.Load(envFile); err != nil {
			return err
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("invalid environment file %s: %w", envFile, err)
		}
		e.Summarize(log)
	}

	var report *install.InstallReport
	if lockFile != "" {
		l, err := pkglock.FromFile(lockFile)
		if err != nil {
			return err
		}
		if e != nil {
			if err := m.Verify(e, &l); err != nil {
				return fmt.Errorf("%s: %w", lockFile, err)
			}
		}
		report, err = m.InstallLock(ctx, &l, prefix)
		if err != nil {
			return err
		}
	} else {
		report, err = m.Create(ctx, e, prefix)
		if err != nil {
			return err
		}
	}

	printReport(out, report)
	return nil
}

// progressLogger logs per-package milestones at debug, with the package in
// its own column.
func progressLogger(ctx context.Context) func(install.Event) {
	log := clog.FromContext(ctx)
	return func(e install.Event) {
		switch e.Kind {
		case install.PackageVerified, install.PackageUnpacked, install.PackageLinked, install.PackageRemoved:
			log.With(cpmlog.PackageKey, e.Package).Debugf("%s", e.Kind)
		case install.PackageFinished:
			log.With(cpmlog.PackageKey, e.Package).Infof("%s", e.Kind)
		}
	}
}

func printReport(out io.Writer, r *install.InstallReport) {
	if !r.Changed() {
		fmt.Fprintf(out, "%s is up to date (%d packages)\n", r.Prefix, len(r.Unchanged))
		return
	}
	for _, e := range r.Removed {
		fmt.Fprintf(out, "- %s %s %s\n", e.Name, e.Version, e.Build)
	}
	for _, e := range r.Installed {
		fmt.Fprintf(out, "+ %s %s %s\n", e.Name, e.Version, e.Build)
	}
	fmt.Fprintf(out, "%s: %d installed, %d removed, %d unchanged (%d downloaded, %d from cache)\n",
		r.Prefix, len(r.Installed), len(r.Removed), len(r.Unchanged), r.Downloaded, r.CacheHits)
}

