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
	"io/fs"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/spf13/cobra"
)

// Cache areas under the cache root.
const (
	areaIndexes  = "repodata"
	areaPackages = "pkgs"
)

func cleanCmd(g *globalOptions) *cobra.Command {
	var dryRun bool
	var indexes, packages bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove cached channel indexes and unpacked packages",
		Long: `Remove cached channel indexes and unpacked packages from the cpm cache.

Both are rebuilt on demand. Environments already created keep working, since
their files are hardlinks or copies rather than references into the cache.

Without --indexes or --packages the whole cache directory is removed.
The cache directory defaults to dev.chainguard.cpm under the user cache
directory and can be moved with --cache-dir or CPM_CACHE_DIR.`,
		Example: `  cpm clean
  cpm clean --indexes
  cpm clean --cache-dir /custom/cache/path --dry-run`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var areas []string
			if indexes {
				areas = append(areas, areaIndexes)
			}
			if packages {
				areas = append(areas, areaPackages)
			}
			return CleanImpl(cmd.Context(), g.settings.CacheDir, areas, dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be removed without removing it")
	cmd.Flags().BoolVar(&indexes, "indexes", false, "only remove cached channel indexes")
	cmd.Flags().BoolVar(&packages, "packages", false, "only remove unpacked packages")

	return cmd
}

// usage is how much of the cache one area takes up.
type usage struct {
	entries int
	bytes   int64
}

// dirUsage walks dir. Entries counts its direct children: one per index
// file or unpacked package.
func dirUsage(dir string) (usage, error) {
	var u usage
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if filepath.Dir(p) == dir {
			u.entries++
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			u.bytes += fi.Size()
		}
		return nil
	})
	return u, err
}

// CleanImpl removes the given areas of cacheDir, or all of it when areas is
// empty. With dryRun it only reports their size.
func CleanImpl(ctx context.Context, cacheDir string, areas []string, dryRun bool) error {
	log := clog.FromContext(ctx)

	cacheDir, err := filepath.Abs(cacheDir)
	if err != nil {
		return fmt.Errorf("resolving cache directory: %w", err)
	}

	fi, err := os.Stat(cacheDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Infof("%s does not exist, nothing to clean", cacheDir)
		return nil
	case err != nil:
		return fmt.Errorf("reading cache directory: %w", err)
	case !fi.IsDir():
		return fmt.Errorf("cache path %s is not a directory", cacheDir)
	}

	targets := []string{cacheDir}
	if len(areas) > 0 {
		targets = make([]string, 0, len(areas))
		for _, a := range areas {
			targets = append(targets, filepath.Join(cacheDir, a))
		}
	}

	var total usage
	for _, target := range targets {
		u, err := dirUsage(target)
		if errors.Is(err, fs.ErrNotExist) {
			log.Debugf("%s is empty", target)
			continue
		}
		if err != nil {
			return fmt.Errorf("measuring %s: %w", target, err)
		}
		total.entries += u.entries
		total.bytes += u.bytes

		if dryRun {
			log.Infof("would remove %s: %d entries, %s", target, u.entries, formatBytes(u.bytes))
			continue
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("removing %s: %w", target, err)
		}
		log.Infof("removed %s: %d entries, %s", target, u.entries, formatBytes(u.bytes))
	}

	if dryRun {
		log.Infof("dry run: %s would be freed", formatBytes(total.bytes))
	} else {
		log.Infof("freed %s", formatBytes(total.bytes))
	}
	return nil
}

// formatBytes renders n with a binary unit, e.g. "1.5 KB".
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
