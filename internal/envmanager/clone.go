//go:build unix

package envmanager

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// orphanedTmpMaxAge is the minimum age for a leftover .sandrun.tmp file to
// be considered orphaned rather than part of an in-flight clone.
const orphanedTmpMaxAge = time.Minute

// cloneEnvironment populates dst with a cheap copy of the ready base
// environment at src, per prepare_environment step 4: executables are
// hardlinked (shared inode, zero-copy), everything else is copied, so a
// job can freely rewrite its own config files without perturbing the
// shared base or other jobs cloned from the same entry.
//
// True copy-on-write (reflink/overlayfs) is the faster path spec.md
// prefers when available; it is filesystem-dependent and has no
// corresponding primitive in the teacher or the retrieval pack, so
// sandrun implements the explicitly-sanctioned fallback
// (hardlink-for-executables + copy-for-config) uniformly rather than
// probing for reflink support (see DESIGN.md).
func cloneEnvironment(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(src, p)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if info.Mode()&0o111 != 0 {
			return createHardlink(p, target)
		}
		return copyFile(p, target, info.Mode())
	})
}

// createHardlink creates a hardlink atomically by linking to a temp file
// then renaming, retrying once past an orphaned leftover. Grounded on the
// teacher's internal/deduper/links.go CreateHardlink, unchanged in
// mechanism.
func createHardlink(source, target string) error {
	tmp := target + ".sandrun.tmp"

	err := os.Link(source, tmp)
	if errors.Is(err, syscall.EEXIST) {
		if cleanupErr := tryCleanupOrphanedTmp(tmp, orphanedTmpMaxAge); cleanupErr != nil {
			return fmt.Errorf("envmanager: tmp file exists and cannot be cleaned: %w", cleanupErr)
		}
		err = os.Link(source, tmp)
	}
	if err != nil {
		return err
	}

	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// copyFile copies a regular file's bytes, used for anything the clone
// treats as mutable config rather than shared executable content.
func copyFile(source, target string, mode fs.FileMode) error {
	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	tmp := target + ".sandrun.tmp"
	dst, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// tryCleanupOrphanedTmp removes path only if it is old enough to be safely
// considered abandoned and, for a regular file, only if other hardlinks to
// its data still exist elsewhere. Grounded on the teacher's
// internal/deduper/links.go tryCleanupOrphanedTmp, unchanged in mechanism.
func tryCleanupOrphanedTmp(path string, maxAge time.Duration) error {
	info, err := os.Lstat(path)
	if err != nil {
		return fmt.Errorf("lstat: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	if info.ModTime().After(cutoff) {
		return fmt.Errorf("file too recent (mtime %v, cutoff %v)", info.ModTime(), cutoff)
	}

	mode := info.Mode()
	if mode&os.ModeSymlink != 0 {
		return os.Remove(path)
	}
	if !mode.IsRegular() {
		return fmt.Errorf("not a regular file or symlink (mode %v)", mode)
	}

	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return fmt.Errorf("cannot get syscall.Stat_t")
	}
	if stat.Nlink <= 1 {
		return fmt.Errorf("nlink=%d, may be only copy of data", stat.Nlink)
	}
	return os.Remove(path)
}
