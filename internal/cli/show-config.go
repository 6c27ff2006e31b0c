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
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"chainguard.dev/cpm/pkg/env"
)

func showConfig(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show-config",
		Short: "Show the effective settings, and optionally an environment file",
		Long: `Show the effective settings, and optionally an environment file.

Settings are layered: flags win over CPM_* environment variables, which win
over the config file. The result is rendered in YAML. When an environment file
is given it is validated and rendered after the settings.
`,
		Example: `  cpm show-config
  CPM_OFFLINE=true cpm show-config environment.yaml`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			envFile := ""
			if len(args) == 1 {
				envFile = args[0]
			}
			return ShowConfigCmd(cmd.Context(), g.settings, cmd.OutOrStdout(), envFile)
		},
	}
	return cmd
}

func ShowConfigCmd(_ context.Context, s *settings, out io.Writer, envFile string) error {
	docs := []any{s}
	if envFile != "" {
		var e env.Environment
		if err := e.Load(envFile); err != nil {
			return err
		}
		if err := e.Validate(); err != nil {
			return fmt.Errorf("invalid environment file %s: %w", envFile, err)
		}
		e.Channels = e.ChannelList()
		docs = append(docs, &e)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	for _, d := range docs {
		if err := enc.Encode(d); err != nil {
			return fmt.Errorf("failed to encode YAML document: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode YAML document: %w", err)
	}

	if _, err := buf.WriteTo(out); err != nil {
		return fmt.Errorf("failed to write YAML document: %w", err)
	}
	return nil
}
