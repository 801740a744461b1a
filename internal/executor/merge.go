package executor

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// mergeInto moves every entry under src into dst, overlaying it on top of
// whatever prepare_environment already cloned there. It is the executor's
// own glue, not teacher code: dupedog never needs to combine two directory
// trees into one, but the walk-and-relocate shape follows
// envmanager/clone.go's WalkDir-plus-per-file-handling structure.
func mergeInto(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		from := filepath.Join(src, entry.Name())
		to := filepath.Join(dst, entry.Name())
		if err := moveInto(from, to); err != nil {
			return err
		}
	}
	return os.RemoveAll(src)
}

func moveInto(from, to string) error {
	info, err := os.Lstat(from)
	if err != nil {
		return err
	}

	if info.IsDir() {
		if err := os.MkdirAll(to, info.Mode().Perm()); err != nil {
			return err
		}
		children, err := os.ReadDir(from)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := moveInto(filepath.Join(from, c.Name()), filepath.Join(to, c.Name())); err != nil {
				return err
			}
		}
		return nil
	}

	if err := os.Rename(from, to); err == nil {
		return nil
	}
	// Rename can fail across filesystem boundaries (job's work_dir and the
	// environment clone may live on different tmpfs mounts); fall back to
	// copy-then-remove.
	return copyOver(from, to, info.Mode())
}

func copyOver(from, to string, mode fs.FileMode) error {
	src, err := os.Open(from)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return fmt.Errorf("executor: copy %s: %w", to, err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	return os.Remove(from)
}
