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

	"github.com/spf13/cobra"

	"chainguard.dev/cpm/pkg/conda/channel"
)

func fetchIndex(g *globalOptions) *cobra.Command {
	var platforms []string

	cmd := &cobra.Command{
		Use:   "fetch-index",
		Short: "Fetch channel indexes into the cache",
		Long: `Fetch channel indexes into the cache.

Each channel's subdirectories for the given platforms, plus noarch, are
fetched in parallel and revalidated against the cache. Run it before going
offline to make later solves work with --offline.
`,
		Example: `  cpm fetch-index conda-forge
  cpm fetch-index --platform linux-64,osx-arm64 conda-forge bioconda`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return FetchIndexCmd(cmd.Context(), g.settings, cmd.OutOrStdout(), args, platforms)
		},
	}

	cmd.Flags().StringSliceVar(&platforms, "platform", nil, "platforms to fetch (default is the running platform)")

	return cmd
}

func FetchIndexCmd(ctx context.Context, s *settings, out io.Writer, channels, platforms []string) error {
	cc, err := channel.NewConfig(s.ChannelAlias)
	if err != nil {
		return err
	}
	ps, err := channel.ParsePlatforms(platforms)
	if err != nil {
		return err
	}
	chans := make([]*channel.Channel, 0, len(channels))
	for _, c := range channels {
		ch, err := channel.Parse(c, cc)
		if err != nil {
			return err
		}
		chans = append(chans, ch)
	}

	p, err := s.provider()
	if err != nil {
		return err
	}
	subdirs := channel.Subdirs(chans, ps)
	rds, err := p.FetchSubdirs(ctx, subdirs)
	if err != nil {
		return err
	}
	for i, rd := range rds {
		stale := ""
		if rd.Stale {
			stale = " (stale)"
		}
		fmt.Fprintf(out, "%s: %d packages%s\n", subdirs[i].Channel.DisplayName(cc)+"/"+string(subdirs[i].Platform), len(rd.Records), stale)
	}
	return nil
}
