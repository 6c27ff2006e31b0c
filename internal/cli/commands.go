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
	"log/slog"
	"os"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/clog/slag"
	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"sigs.k8s.io/release-utils/version"

	"chainguard.dev/cpm/pkg/fetch"
	cpmlog "chainguard.dev/cpm/pkg/log"
)

// globalOptions holds the flags every command shares.
type globalOptions struct {
	configFile string
	logPolicy  []string
	quiet      bool
	verbose    int

	settings *settings
}

func New() *cobra.Command {
	g := &globalOptions{}
	level := slag.Level(slog.LevelInfo)

	cmd := &cobra.Command{
		Use:               "cpm",
		Short:             "Resolve, lock and install conda environments",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			fetch.UserAgent = fmt.Sprintf("cpm/%s", version.GetVersionInfo().GitVersion)

			switch {
			case g.quiet:
				level = slag.Level(slog.LevelError)
			case g.verbose == 1:
				level = slag.Level(slog.LevelDebug)
			case g.verbose > 1:
				level = slag.Level(slog.LevelDebug - 1)
			}
			ctx, err := setupLogging(cmd.Context(), slog.Level(level), g.logPolicy)
			if err != nil {
				return err
			}
			cmd.SetContext(ctx)

			s, err := loadSettings(cmd, g.configFile)
			if err != nil {
				return err
			}
			if s.ConfigFile != "" {
				clog.FromContext(ctx).Debugf("loaded settings from %s", s.ConfigFile)
			}
			g.settings = s
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&g.configFile, "config", "", "settings file (default $XDG_CONFIG_HOME/cpm/config.yaml)")
	cmd.PersistentFlags().Var(&level, "log-level", "log level (e.g. debug, info, warn, error)")
	cmd.PersistentFlags().StringSliceVar(&g.logPolicy, "log-policy", []string{}, "log targets: files, builtin:stderr or builtin:stdout")
	cmd.PersistentFlags().BoolVarP(&g.quiet, "quiet", "q", false, "print only errors")
	cmd.PersistentFlags().CountVarP(&g.verbose, "verbose", "v", "print more information (can be specified twice)")
	addSettingsFlags(cmd)

	cmd.AddCommand(createCmd(g))
	cmd.AddCommand(showPackages(g))
	cmd.AddCommand(lock(g))
	cmd.AddCommand(fetchIndex(g))
	cmd.AddCommand(showConfig(g))
	cmd.AddCommand(dotcmd(g))
	cmd.AddCommand(cleanCmd(g))
	cmd.AddCommand(version.Version())

	return cmd
}

// setupLogging installs the default slog handler and attaches it to ctx.
// Without a log policy logs go to stderr through charm.
func setupLogging(ctx context.Context, level slog.Level, logPolicy []string) (context.Context, error) {
	var h slog.Handler
	if len(logPolicy) > 0 {
		var err error
		if h, err = cpmlog.Handler(logPolicy, level); err != nil {
			return nil, fmt.Errorf("failed to set up logging: %w", err)
		}
	} else {
		h = charmlog.NewWithOptions(os.Stderr, charmlog.Options{
			ReportTimestamp: true,
			Level:           charmlog.Level(level),
		})
	}
	slog.SetDefault(slog.New(h))
	if ctx == nil {
		ctx = context.Background()
	}
	return clog.WithLogger(ctx, clog.New(h)), nil
}
