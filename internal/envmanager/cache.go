package envmanager

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "environments"

// entry is the EnvironmentCacheEntry of spec.md §4.5. fsRoot is the ready
// base environment's root; jobs clone out of it rather than executing
// inside it directly, per prepare_environment step 4.
type entry struct {
	TemplateName string
	FsRoot       string
	Ready        bool
	BuiltAt      time.Time
	LastUsed     time.Time
	UseCount     uint64
}

// store persists cache entries across process restarts using the same
// self-cleaning double-bbolt-DB pattern as the teacher's internal/cache:
// open the existing file read-only, write to a sibling ".new" file (whose
// bbolt file lock also prevents a second sandrund instance from racing a
// rebuild), and atomically rename on Close. Unlike the teacher's cache —
// which re-derives liveness from the write side alone — store also keeps
// an in-memory map as the authoritative source for the hot path, since
// prepare_environment cannot tolerate bbolt's disk I/O under its
// coalescing lock (spec.md §5: "no I/O under the lock").
type store struct {
	mu      sync.RWMutex
	live    map[string]*entry // by template name
	readDB  *bolt.DB
	writeDB *bolt.DB
	path    string
	enabled bool
}

// openStore mirrors cache.Open: returns a disabled store if path is empty,
// otherwise opens path read-only (if it exists) and path+".new" for
// writing, loading any persisted entries into the in-memory map.
func openStore(path string) (*store, error) {
	s := &store{live: make(map[string]*entry)}
	if path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("envmanager: create cache dir: %w", err)
	}
	s.path = path
	s.enabled = true

	if _, statErr := os.Stat(path); statErr == nil {
		db, err := bolt.Open(path, 0o600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
		if err == nil {
			s.readDB = db
		}
	}

	newPath := path + ".new"
	writeDB, err := bolt.Open(newPath, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("envmanager: open write cache (locked by another instance?): %w", err)
	}
	s.writeDB = writeDB
	if err := s.writeDB.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	}); err != nil {
		_ = s.Close()
		return nil, err
	}

	if s.readDB != nil {
		_ = s.readDB.View(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(bucketName))
			if b == nil {
				return nil
			}
			return b.ForEach(func(k, v []byte) error {
				var e entry
				if decodeErr := gobDecode(v, &e); decodeErr == nil {
					s.live[e.TemplateName] = &e
					_ = s.persistLocked(&e)
				}
				return nil
			})
		})
	}

	return s, nil
}

// Close atomically replaces the previous cache file with the accumulated
// write-side file, exactly like the teacher's cache.Close.
func (s *store) Close() error {
	var errs []error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.writeDB != nil {
		if err := s.writeDB.Close(); err != nil {
			errs = append(errs, err)
		} else if s.path != "" {
			if err := os.Rename(s.path+".new", s.path); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (s *store) get(name string) (*entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.live[name]
	return e, ok
}

// publish installs e as the live entry for its template and, if the store
// is enabled, persists it to the write-side DB. Per spec.md's ordering
// guarantee, callers must only publish once the build has fully completed
// (fs_root populated, Ready true) or fully failed (entry removed).
func (s *store) publish(e *entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live[e.TemplateName] = e
	return s.persistLocked(e)
}

// remove drops a template's cache entry, used both by rebuild_template
// (invalidation) and by build-failure cleanup so a failed partial never
// poisons the cache.
func (s *store) remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.live, name)
	if !s.enabled {
		return
	}
	_ = s.writeDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(name))
	})
}

// all returns every live entry, for cleanup_old_environments and stats().
func (s *store) all() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.live))
	for _, e := range s.live {
		out = append(out, e)
	}
	return out
}

func (s *store) persistLocked(e *entry) error {
	if !s.enabled {
		return nil
	}
	data, err := gobEncode(e)
	if err != nil {
		return err
	}
	return s.writeDB.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(e.TemplateName), data)
	})
}

func gobEncode(e *entry) ([]byte, error) {
	var buf bytes.Buffer
	// A one-byte format version (1) precedes the gob payload; gobDecode
	// skips it. gob already self-describes, but the explicit header keeps
	// makeKey-style byte-level debugging (as the teacher does) possible
	// without a separate tool.
	if err := binary.Write(&buf, binary.BigEndian, uint8(1)); err != nil {
		return nil, err
	}
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte, e *entry) error {
	if len(data) < 1 {
		return fmt.Errorf("envmanager: short cache record")
	}
	dec := gob.NewDecoder(bytes.NewReader(data[1:]))
	return dec.Decode(e)
}
