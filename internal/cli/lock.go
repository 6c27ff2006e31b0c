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
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"

	"chainguard.dev/cpm/pkg/env"
)

func lock(g *globalOptions) *cobra.Command {
	var platforms []string
	var output string

	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Solve an environment for each of its platforms and write a lock file",
		Long: `Solve an environment for each of its platforms and write a lock file.

The lock file records the exact packages, with their URLs and checksums, so
that "cpm create --lock" can recreate the environment without solving.
`,
		Example: `  cpm lock <environment.yaml>`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				output = fmt.Sprintf("%s.lock.json", strings.TrimSuffix(args[0], filepath.Ext(args[0])))
			}
			return LockCmd(cmd.Context(), g.settings, args[0], output, platforms)
		},
	}

	cmd.Flags().StringSliceVar(&platforms, "platform", nil, "platforms to lock for (default is the environment's platforms, or the running platform)")
	cmd.Flags().StringVar(&output, "output", "", "path to file where lock file will be written")

	return cmd
}

func LockCmd(ctx context.Context, s *settings, envFile, output string, platforms []string) error {
	log := clog.FromContext(ctx)

	var e env.Environment
	if err := e.Load(envFile); err != nil {
		return err
	}
	if len(platforms) > 0 {
		e.Platforms = platforms
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid environment file %s: %w", envFile, err)
	}
	if e.Name == "" {
		// Only labels the lock file; the checksum doesn't cover it.
		e.Name = strings.TrimSuffix(filepath.Base(envFile), filepath.Ext(envFile))
	}

	m, err := s.manager(nil)
	if err != nil {
		return err
	}
	l, err := m.Lock(ctx, &e)
	if err != nil {
		return err
	}
	log.Infof("locked %d packages for %v", len(l.Contents.Packages), l.Contents.Platforms)
	return l.SaveToFile(output)
}
