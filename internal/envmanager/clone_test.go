//go:build unix

package envmanager

import (
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCloneEnvironmentHardlinksExecutablesAndCopiesConfig(t *testing.T) {
	src := t.TempDir()
	dst := filepath.Join(t.TempDir(), "clone")

	require.NoError(t, os.WriteFile(filepath.Join(src, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "config.yaml"), []byte("key: value\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "data.txt"), []byte("data"), 0o644))

	require.NoError(t, cloneEnvironment(src, dst))

	require.FileExists(t, filepath.Join(dst, "run.sh"))
	require.FileExists(t, filepath.Join(dst, "config.yaml"))
	require.FileExists(t, filepath.Join(dst, "nested", "data.txt"))

	srcInfo, err := os.Stat(filepath.Join(src, "run.sh"))
	require.NoError(t, err)
	dstInfo, err := os.Stat(filepath.Join(dst, "run.sh"))
	require.NoError(t, err)
	srcStat := srcInfo.Sys().(*syscall.Stat_t)
	dstStat := dstInfo.Sys().(*syscall.Stat_t)
	require.Equal(t, srcStat.Ino, dstStat.Ino, "executables must be hardlinked, sharing an inode")

	configContent, err := os.ReadFile(filepath.Join(dst, "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, "key: value\n", string(configContent))
}

func TestCloneEnvironmentProducesIndependentConfigCopies(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "config.yaml"), []byte("original"), 0o644))

	dst1 := filepath.Join(t.TempDir(), "clone1")
	dst2 := filepath.Join(t.TempDir(), "clone2")
	require.NoError(t, cloneEnvironment(src, dst1))
	require.NoError(t, cloneEnvironment(src, dst2))

	require.NoError(t, os.WriteFile(filepath.Join(dst1, "config.yaml"), []byte("mutated"), 0o644))

	content2, err := os.ReadFile(filepath.Join(dst2, "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, "original", string(content2), "mutating one job's clone must not affect another's")
}

func TestCreateHardlinkRefusesOrphanedTmpWithSingleLink(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "source")
	require.NoError(t, os.WriteFile(source, []byte("x"), 0o644))

	target := filepath.Join(dir, "target")
	orphan := target + ".sandrun.tmp"
	require.NoError(t, os.WriteFile(orphan, []byte("stale"), 0o644))
	oldTime := time.Now().Add(-2 * orphanedTmpMaxAge)
	require.NoError(t, os.Chtimes(orphan, oldTime, oldTime))

	// nlink=1 on the orphan itself (not linked to source) means it must be
	// refused as a possible sole copy.
	err := createHardlink(source, target)
	require.Error(t, err, "an nlink=1 orphan must not be deleted out from under a possible sole copy")
}
