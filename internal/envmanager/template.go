// Package envmanager implements the environment manager of spec.md §4.5: a
// content-addressed cache of prebuilt execution environments keyed by
// template name, with build coalescing and cheap per-job cloning.
//
// The teacher repo has no equivalent concept, but three of its packages
// supply the mechanics once the dedup semantics are stripped out:
// internal/cache's self-cleaning double-bbolt-DB pattern backs the cache
// entry ledger (cache.go), internal/deduper/links.go's atomic
// hardlink/symlink-via-temp-rename backs environment cloning (clone.go),
// and internal/scanner's semaphore-bounded fan-out walker backs disk-usage
// accounting (diskusage.go). See DESIGN.md for the per-file mapping.
package envmanager

import (
	"sync"
	"time"

	"github.com/queelius/sandrun/internal/types"
)

// Template is the EnvironmentTemplate of spec.md §4.5: a named recipe for
// building an execution environment.
type Template struct {
	Name         string
	BaseImage    string
	Packages     []string
	SetupScript  string
	MaxAgeHours  float64
}

// stale reports whether a cache entry built at builtAt has aged out under
// this template's max_age_hours.
func (t Template) stale(builtAt, now time.Time) bool {
	if t.MaxAgeHours <= 0 {
		return false
	}
	return now.Sub(builtAt) > time.Duration(t.MaxAgeHours*float64(time.Hour))
}

// registry holds registered templates, guarded by a plain mutex: lookups
// and registrations are rare relative to prepare_environment's hot path, so
// there is no value in a lock-free structure here, matching spec.md §5's
// "locks held only for bookkeeping" policy.
type registry struct {
	mu    sync.RWMutex
	byName map[string]Template
}

func newRegistry() *registry {
	return &registry{byName: make(map[string]Template)}
}

// register implements register_template: idempotent, a second call with
// the same name overwrites the definition without touching any existing
// cache entry.
func (r *registry) register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[t.Name] = t
}

func (r *registry) get(name string) (Template, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	return t, ok
}

func (r *registry) has(name string) bool {
	_, ok := r.get(name)
	return ok
}

// list implements list_templates: an ordered sequence by name, so two
// calls in a row (and two different processes) agree on order.
func (r *registry) list() []Template {
	r.mu.RLock()
	names := make([]Template, 0, len(r.byName))
	for _, t := range r.byName {
		names = append(names, t)
	}
	r.mu.RUnlock()

	sorted := types.NewSorted(names, func(t Template) string { return t.Name })
	return sorted.Items()
}
