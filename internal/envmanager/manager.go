package envmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/queelius/sandrun/internal/metrics"
)

// Builder builds a template's base environment at fsRoot: installing
// packages and running the template's setup_script. Build coalescing
// guarantees Build is never called twice concurrently for the same
// template. Injected so the manager doesn't hard-depend on how building
// actually happens (plain shell setup_script today via LocalBuilder;
// a sandboxed builder can implement the same interface without touching
// this package).
type Builder interface {
	Build(ctx context.Context, t Template, fsRoot string) error
}

// Stats is the stats() return shape of spec.md §4.5.
type Stats struct {
	TotalTemplates     int
	CachedEnvironments int
	TotalUses          uint64
	DiskUsageMB        int64
}

// inflight tracks one build in progress, so concurrent prepare_environment
// calls for the same template coalesce onto it (spec.md §4.5 invariant b).
type inflight struct {
	done chan struct{}
	err  error
}

// Manager is the environment manager of spec.md §4.5.
type Manager struct {
	templates *registry
	cache     *store
	builder   Builder
	baseDir   string // root under which per-template fs_roots live
	metrics   *metrics.Metrics

	buildMu  sync.Mutex
	building map[string]*inflight
}

// UseMetrics attaches a metrics bundle; env-cache hit/miss/build counts are
// observed against it from then on. Mirrors queue.Queue.UseMetrics — a
// Manager is fully usable without ever calling this.
func (m *Manager) UseMetrics(mx *metrics.Metrics) { m.metrics = mx }

// New constructs a Manager. baseDir holds ready base environments
// (baseDir/<template>/); cachePath persists the cache ledger across
// restarts via bbolt, or disables persistence if empty (e.g. tests).
func New(baseDir, cachePath string, builder Builder) (*Manager, error) {
	s, err := openStore(cachePath)
	if err != nil {
		return nil, err
	}
	return &Manager{
		templates: newRegistry(),
		cache:     s,
		builder:   builder,
		baseDir:   baseDir,
		building:  make(map[string]*inflight),
	}, nil
}

// Close flushes the cache ledger to disk.
func (m *Manager) Close() error { return m.cache.Close() }

// RegisterTemplate implements register_template.
func (m *Manager) RegisterTemplate(t Template) { m.templates.register(t) }

// HasTemplate implements has_template.
func (m *Manager) HasTemplate(name string) bool { return m.templates.has(name) }

// ListTemplates implements list_templates.
func (m *Manager) ListTemplates() []Template { return m.templates.list() }

// ErrTemplateNotFound is returned by PrepareEnvironment when name was
// never registered.
var ErrTemplateNotFound = fmt.Errorf("envmanager: template not found")

// ErrBuildFailed wraps a setup_script/package-install failure. It is fatal
// for the requesting job but leaves the cache clean for the next caller,
// per spec.md §4.5's failure-mode note.
type ErrBuildFailed struct {
	Template string
	Cause    error
}

func (e *ErrBuildFailed) Error() string {
	return fmt.Sprintf("envmanager: build failed for template %q: %v", e.Template, e.Cause)
}
func (e *ErrBuildFailed) Unwrap() error { return e.Cause }

// PrepareEnvironment implements prepare_environment(name, job_id) -> fs_root,
// the algorithm of spec.md §4.5: reuse a ready, fresh cache entry; else
// build (coalescing concurrent builders onto one build); then clone the
// ready base into a job-specific directory so two jobs never share a
// fs_root even when sharing a cached base (invariant c).
func (m *Manager) PrepareEnvironment(ctx context.Context, name, jobID string) (string, error) {
	tmpl, ok := m.templates.get(name)
	if !ok {
		return "", ErrTemplateNotFound
	}

	base, err := m.readyBase(ctx, tmpl)
	if err != nil {
		return "", err
	}

	jobRoot := filepath.Join(base, "..", "jobs", jobID)
	jobRoot = filepath.Clean(jobRoot)
	if err := os.MkdirAll(jobRoot, 0o755); err != nil {
		return "", fmt.Errorf("envmanager: create job root: %w", err)
	}
	if err := cloneEnvironment(base, jobRoot); err != nil {
		return "", fmt.Errorf("envmanager: clone environment: %w", err)
	}

	m.markUsed(name)
	return jobRoot, nil
}

// readyBase returns the ready base environment's fs_root for tmpl,
// reusing a fresh cache entry or building (with coalescing) otherwise.
func (m *Manager) readyBase(ctx context.Context, tmpl Template) (string, error) {
	now := time.Now()

	if e, ok := m.cache.get(tmpl.Name); ok && e.Ready && !tmpl.stale(e.BuiltAt, now) {
		if m.metrics != nil {
			m.metrics.ObserveEnvCacheHit()
		}
		return e.FsRoot, nil
	}

	if m.metrics != nil {
		m.metrics.ObserveEnvCacheMiss()
	}
	return m.buildCoalesced(ctx, tmpl)
}

// buildCoalesced ensures at most one build runs per template name at a
// time: the first caller in performs the build and publishes the result
// to every other caller waiting on the same inflight marker.
func (m *Manager) buildCoalesced(ctx context.Context, tmpl Template) (string, error) {
	m.buildMu.Lock()
	if f, ok := m.building[tmpl.Name]; ok {
		m.buildMu.Unlock()
		<-f.done
		if f.err != nil {
			return "", f.err
		}
		e, _ := m.cache.get(tmpl.Name)
		return e.FsRoot, nil
	}

	f := &inflight{done: make(chan struct{})}
	m.building[tmpl.Name] = f
	m.buildMu.Unlock()

	fsRoot, err := m.build(ctx, tmpl)

	m.buildMu.Lock()
	delete(m.building, tmpl.Name)
	m.buildMu.Unlock()

	f.err = err
	close(f.done)

	if err != nil {
		return "", err
	}
	return fsRoot, nil
}

// build allocates a fresh fs_root, invokes the Builder, and publishes the
// cache entry only on success; a failed build is removed so it never
// poisons the cache for the next caller.
func (m *Manager) build(ctx context.Context, tmpl Template) (string, error) {
	fsRoot := filepath.Join(m.baseDir, tmpl.Name, fmt.Sprintf("build-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(fsRoot, 0o755); err != nil {
		return "", fmt.Errorf("envmanager: allocate fs_root: %w", err)
	}

	if err := m.builder.Build(ctx, tmpl, fsRoot); err != nil {
		_ = os.RemoveAll(fsRoot)
		m.cache.remove(tmpl.Name)
		if m.metrics != nil {
			m.metrics.ObserveEnvCacheBuild(false)
		}
		return "", &ErrBuildFailed{Template: tmpl.Name, Cause: err}
	}

	now := time.Now()
	e := &entry{
		TemplateName: tmpl.Name,
		FsRoot:       fsRoot,
		Ready:        true,
		BuiltAt:      now,
		LastUsed:     now,
	}
	if err := m.cache.publish(e); err != nil {
		return "", fmt.Errorf("envmanager: publish cache entry: %w", err)
	}
	if m.metrics != nil {
		m.metrics.ObserveEnvCacheBuild(true)
	}
	return fsRoot, nil
}

func (m *Manager) markUsed(name string) {
	if e, ok := m.cache.get(name); ok {
		e.LastUsed = time.Now()
		e.UseCount++
		_ = m.cache.publish(e)
	}
}

// RebuildTemplate implements rebuild_template: marks the current cache
// entry stale (here, simply evicted) so the next prepare_environment call
// rebuilds from scratch.
func (m *Manager) RebuildTemplate(name string) {
	m.cache.remove(name)
}

// CleanupOldEnvironments implements cleanup_old_environments: evicts
// entries whose now - last_used exceeds their template's max_age_hours.
// It never touches an entry currently referenced by a running job — jobs
// clone out of the base into their own fs_root (PrepareEnvironment), so
// eviction here only ever removes the shared base, never a job's
// in-use clone.
func (m *Manager) CleanupOldEnvironments(now time.Time) int {
	evicted := 0
	for _, e := range m.cache.all() {
		tmpl, ok := m.templates.get(e.TemplateName)
		if !ok || tmpl.MaxAgeHours <= 0 {
			continue
		}
		if now.Sub(e.LastUsed) > time.Duration(tmpl.MaxAgeHours*float64(time.Hour)) {
			_ = os.RemoveAll(e.FsRoot)
			m.cache.remove(e.TemplateName)
			evicted++
		}
	}
	return evicted
}

// Stats implements stats().
func (m *Manager) Stats() Stats {
	entries := m.cache.all()
	var uses uint64
	var diskBytes int64
	for _, e := range entries {
		uses += e.UseCount
		diskBytes += diskUsage(e.FsRoot)
	}
	return Stats{
		TotalTemplates:     len(m.templates.list()),
		CachedEnvironments: len(entries),
		TotalUses:          uses,
		DiskUsageMB:        diskBytes / (1024 * 1024),
	}
}
