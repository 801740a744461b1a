package hashutil

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/queelius/sandrun/internal/types"
)

// OutputSet maps a POSIX-relative path (forward slashes, no leading
// separator) to its metadata. Per spec.md §3, iteration order is part of
// the contract: always lexicographic by key. Use Paths() rather than
// ranging over the map directly.
type OutputSet map[string]FileMetadata

// Paths returns the set's keys sorted lexicographically. This is the only
// sanctioned way to iterate an OutputSet when order matters (signing,
// display, tar-stream construction).
func (o OutputSet) Paths() []string {
	paths := make([]string, 0, len(o))
	for p := range o {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// hashWorkers bounds concurrent file hashing during a directory walk,
// mirroring the teacher's verifier.workerSem (fd-exhaustion guard) rather
// than the teacher's scanner concurrency, since walking here is a cheap,
// single-threaded pass and hashing is the expensive part.
const hashWorkers = 8

// HashDirectory walks root recursively and computes FileMetadata for every
// regular file whose POSIX-relative path matches any of patterns (or every
// file, if patterns is empty).
//
// A missing root is not a failure: it yields an empty OutputSet, matching
// spec.md's explicit "missing directory → empty result, not failure".
// Symlinks are not followed; a matched symlink is recorded with an empty
// hash and zero size rather than silently skipped, per spec.md §9's
// resolved open question. Per-file read errors degrade that file to an
// empty hash and the walk continues — partial output is useful for failed
// jobs.
func HashDirectory(root string, patterns []string) (OutputSet, error) {
	if _, err := os.Stat(root); err != nil {
		if os.IsNotExist(err) {
			return OutputSet{}, nil
		}
		return OutputSet{}, err
	}

	type candidate struct {
		relPath string
		absPath string
		isLink  bool
	}

	var candidates []candidate
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// Permission errors etc. on a single entry don't abort the walk.
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !MatchesAny(rel, patterns) {
			return nil
		}

		isLink := d.Type()&fs.ModeSymlink != 0
		if !isLink && !d.Type().IsRegular() {
			return nil // devices, sockets, fifos: not meaningful job output
		}
		candidates = append(candidates, candidate{relPath: rel, absPath: p, isLink: isLink})
		return nil
	})
	if walkErr != nil {
		return OutputSet{}, walkErr
	}

	result := make(OutputSet, len(candidates))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := types.NewSemaphore(hashWorkers)

	for _, c := range candidates {
		if c.isLink {
			mu.Lock()
			result[c.relPath] = FileMetadata{}
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(c candidate) {
			defer wg.Done()
			sem.Acquire()
			defer sem.Release()

			meta := hashOne(c.absPath)
			mu.Lock()
			result[c.relPath] = meta
			mu.Unlock()
		}(c)
	}
	wg.Wait()

	return result, nil
}

// hashOne builds the FileMetadata for a single regular file. A read
// failure degrades to an empty hash rather than aborting the caller's
// walk, per spec.md §4.1's failure policy.
func hashOne(path string) FileMetadata {
	tag, mime := classifyExt(path)
	meta := FileMetadata{TypeTag: tag, Mime: mime}

	info, err := os.Stat(path)
	if err != nil {
		return meta
	}
	meta.SizeBytes = info.Size()

	hash, err := HashFile(path)
	if err != nil {
		return meta // empty SHA256Hex signals a per-file hash failure
	}
	meta.SHA256Hex = hash
	return meta
}
