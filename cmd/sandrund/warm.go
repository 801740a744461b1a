package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/queelius/sandrun/internal/envmanager"
	"github.com/queelius/sandrun/internal/progress"
)

// label is a trivial fmt.Stringer so plain strings can be handed to
// progress.Bar's Describe/Finish, which take fmt.Stringer to let callers
// defer string formatting until the bar actually redraws.
type label string

func (l label) String() string { return string(l) }

// newWarmCmd builds the warm subcommand: force-builds a template's base
// environment ahead of time, so the first job against it doesn't pay the
// build cost inline.
func newWarmCmd() *cobra.Command {
	var (
		baseDir     string
		cachePath   string
		baseImage   string
		packages    []string
		setupScript string
	)

	cmd := &cobra.Command{
		Use:   "warm <template>",
		Short: "Pre-build an environment template's cached base",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runWarm(args[0], baseDir, cachePath, baseImage, packages, setupScript)
		},
	}

	cmd.Flags().StringVar(&baseDir, "env-base-dir", envOr("SANDRUN_ENV_BASE_DIR", "/var/lib/sandrun/envs"), "root directory for cached environment fs_roots")
	cmd.Flags().StringVar(&cachePath, "env-cache-path", envOr("SANDRUN_ENV_CACHE_PATH", "/var/lib/sandrun/envs/cache.db"), "bbolt cache ledger path")
	cmd.Flags().StringVar(&baseImage, "base-image", "", "base image the template's setup_script runs against")
	cmd.Flags().StringSliceVar(&packages, "package", nil, "package to install (repeatable)")
	cmd.Flags().StringVar(&setupScript, "setup-script", "", "shell script that prepares the environment")

	return cmd
}

func runWarm(name, baseDir, cachePath, baseImage string, packages []string, setupScript string) error {
	envs, err := envmanager.New(baseDir, cachePath, envmanager.LocalBuilder{})
	if err != nil {
		return fmt.Errorf("construct environment manager: %w", err)
	}
	defer func() { _ = envs.Close() }()

	envs.RegisterTemplate(envmanager.Template{
		Name:        name,
		BaseImage:   baseImage,
		Packages:    packages,
		SetupScript: setupScript,
	})

	bar := progress.New(true, -1)
	bar.Describe(label(fmt.Sprintf("warming %q", name)))

	jobRoot, err := envs.PrepareEnvironment(context.Background(), name, "warm-"+name)
	if err != nil {
		return fmt.Errorf("warm %q: %w", name, err)
	}
	bar.Finish(label(fmt.Sprintf("template %q is warm", name)))
	_ = os.RemoveAll(jobRoot) // warm only needs the cached base; the throwaway job clone is discarded

	return nil
}
