package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/queelius/sandrun/internal/envmanager"
)

// newStatsCmd builds the stats subcommand: a snapshot of the environment
// cache's bookkeeping (spec.md §4.5's stats()), formatted the way the
// teacher's CLI reports dedupe summaries — humanized sizes, colored
// section headers.
func newStatsCmd() *cobra.Command {
	var (
		baseDir   string
		cachePath string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show environment cache statistics",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runStats(baseDir, cachePath)
		},
	}

	cmd.Flags().StringVar(&baseDir, "env-base-dir", envOr("SANDRUN_ENV_BASE_DIR", "/var/lib/sandrun/envs"), "root directory for cached environment fs_roots")
	cmd.Flags().StringVar(&cachePath, "env-cache-path", envOr("SANDRUN_ENV_CACHE_PATH", "/var/lib/sandrun/envs/cache.db"), "bbolt cache ledger path")

	return cmd
}

func runStats(baseDir, cachePath string) error {
	envs, err := envmanager.New(baseDir, cachePath, envmanager.LocalBuilder{})
	if err != nil {
		return fmt.Errorf("construct environment manager: %w", err)
	}
	defer func() { _ = envs.Close() }()

	s := envs.Stats()

	color.Cyan("environment cache")
	fmt.Printf("  templates registered : %d\n", s.TotalTemplates)
	fmt.Printf("  cached environments  : %d\n", s.CachedEnvironments)
	fmt.Printf("  total uses           : %d\n", s.TotalUses)
	fmt.Printf("  disk usage           : %s\n", humanize.IBytes(uint64(s.DiskUsageMB)*1024*1024))

	return nil
}
