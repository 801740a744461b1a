package envmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/queelius/sandrun/internal/metrics"
)

// countingBuilder records how many times Build actually ran, so tests can
// assert coalescing collapsed concurrent prepares onto one build.
type countingBuilder struct {
	calls atomic.Int32
	delay time.Duration
}

func (b *countingBuilder) Build(ctx context.Context, t Template, fsRoot string) error {
	b.calls.Add(1)
	time.Sleep(b.delay)
	return os.WriteFile(filepath.Join(fsRoot, "run.sh"), []byte("#!/bin/sh\necho hi\n"), 0o755)
}

type failingBuilder struct{}

func (failingBuilder) Build(ctx context.Context, t Template, fsRoot string) error {
	return os.ErrPermission
}

func newTestManager(t *testing.T, builder Builder) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "envs"), "", builder)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestPrepareEnvironmentBuildsOnFirstUse(t *testing.T) {
	b := &countingBuilder{}
	m := newTestManager(t, b)
	m.RegisterTemplate(Template{Name: "py"})

	fsRoot, err := m.PrepareEnvironment(context.Background(), "py", "job-1")
	require.NoError(t, err)
	require.DirExists(t, fsRoot)
	require.FileExists(t, filepath.Join(fsRoot, "run.sh"))
	require.EqualValues(t, 1, b.calls.Load())
}

func TestPrepareEnvironmentReusesFreshCacheEntry(t *testing.T) {
	b := &countingBuilder{}
	m := newTestManager(t, b)
	m.RegisterTemplate(Template{Name: "py", MaxAgeHours: 1})

	_, err := m.PrepareEnvironment(context.Background(), "py", "job-1")
	require.NoError(t, err)
	_, err = m.PrepareEnvironment(context.Background(), "py", "job-2")
	require.NoError(t, err)

	require.EqualValues(t, 1, b.calls.Load(), "second prepare must reuse the cached base, not rebuild")
}

func TestPrepareEnvironmentGivesEachJobDistinctFsRoot(t *testing.T) {
	m := newTestManager(t, &countingBuilder{})
	m.RegisterTemplate(Template{Name: "py"})

	root1, err := m.PrepareEnvironment(context.Background(), "py", "job-1")
	require.NoError(t, err)
	root2, err := m.PrepareEnvironment(context.Background(), "py", "job-2")
	require.NoError(t, err)

	require.NotEqual(t, root1, root2)
}

func TestPrepareEnvironmentUnknownTemplate(t *testing.T) {
	m := newTestManager(t, &countingBuilder{})
	_, err := m.PrepareEnvironment(context.Background(), "missing", "job-1")
	require.ErrorIs(t, err, ErrTemplateNotFound)
}

func TestPrepareEnvironmentBuildFailureDoesNotPoisonCache(t *testing.T) {
	m := newTestManager(t, failingBuilder{})
	m.RegisterTemplate(Template{Name: "py"})

	_, err := m.PrepareEnvironment(context.Background(), "py", "job-1")
	require.Error(t, err)

	_, ok := m.cache.get("py")
	require.False(t, ok, "a failed build must not leave a cache entry behind")
}

func TestConcurrentPreparesCoalesceOntoOneBuild(t *testing.T) {
	b := &countingBuilder{delay: 50 * time.Millisecond}
	m := newTestManager(t, b)
	m.RegisterTemplate(Template{Name: "py"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.PrepareEnvironment(context.Background(), "py", fmt.Sprintf("job-%d", i))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, b.calls.Load(), "10 concurrent prepares for the same template must coalesce onto one build")
}

func TestRebuildTemplateForcesFreshBuild(t *testing.T) {
	b := &countingBuilder{}
	m := newTestManager(t, b)
	m.RegisterTemplate(Template{Name: "py"})

	_, err := m.PrepareEnvironment(context.Background(), "py", "job-1")
	require.NoError(t, err)

	m.RebuildTemplate("py")

	_, err = m.PrepareEnvironment(context.Background(), "py", "job-2")
	require.NoError(t, err)
	require.EqualValues(t, 2, b.calls.Load())
}

func TestCleanupOldEnvironmentsEvictsStaleOnly(t *testing.T) {
	m := newTestManager(t, &countingBuilder{})
	m.RegisterTemplate(Template{Name: "fresh", MaxAgeHours: 10})
	m.RegisterTemplate(Template{Name: "stale", MaxAgeHours: 0.0001})

	_, err := m.PrepareEnvironment(context.Background(), "fresh", "job-1")
	require.NoError(t, err)
	_, err = m.PrepareEnvironment(context.Background(), "stale", "job-2")
	require.NoError(t, err)

	evicted := m.CleanupOldEnvironments(time.Now().Add(time.Hour))
	require.Equal(t, 1, evicted)

	_, freshStillThere := m.cache.get("fresh")
	_, staleGone := m.cache.get("stale")
	require.True(t, freshStillThere)
	require.False(t, staleGone)
}

func TestListTemplatesOrdersByName(t *testing.T) {
	m := newTestManager(t, &countingBuilder{})
	m.RegisterTemplate(Template{Name: "zeta"})
	m.RegisterTemplate(Template{Name: "alpha"})
	m.RegisterTemplate(Template{Name: "mid"})

	names := m.ListTemplates()
	require.Equal(t, []string{"alpha", "mid", "zeta"}, []string{names[0].Name, names[1].Name, names[2].Name})
}

func TestRegisterTemplateIsIdempotentAndOverwrites(t *testing.T) {
	m := newTestManager(t, &countingBuilder{})
	m.RegisterTemplate(Template{Name: "py", BaseImage: "v1"})
	m.RegisterTemplate(Template{Name: "py", BaseImage: "v2"})

	require.True(t, m.HasTemplate("py"))
	tmpl, ok := m.templates.get("py")
	require.True(t, ok)
	require.Equal(t, "v2", tmpl.BaseImage)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestPrepareEnvironmentObservesCacheHitsAndMisses(t *testing.T) {
	m := newTestManager(t, &countingBuilder{})
	m.RegisterTemplate(Template{Name: "py", MaxAgeHours: 1})
	mx := metrics.New(prometheus.NewRegistry())
	m.UseMetrics(mx)

	_, err := m.PrepareEnvironment(context.Background(), "py", "job-1")
	require.NoError(t, err)
	_, err = m.PrepareEnvironment(context.Background(), "py", "job-2")
	require.NoError(t, err)

	require.Equal(t, float64(1), counterValue(t, mx.EnvCacheMisses), "first prepare must miss and build")
	require.Equal(t, float64(1), counterValue(t, mx.EnvCacheHits), "second prepare must hit the cached base")
	require.Equal(t, float64(1), counterValue(t, mx.EnvCacheBuilds.WithLabelValues("ok")))
}

func TestPrepareEnvironmentObservesFailedBuild(t *testing.T) {
	m := newTestManager(t, failingBuilder{})
	m.RegisterTemplate(Template{Name: "py"})
	mx := metrics.New(prometheus.NewRegistry())
	m.UseMetrics(mx)

	_, err := m.PrepareEnvironment(context.Background(), "py", "job-1")
	require.Error(t, err)

	require.Equal(t, float64(1), counterValue(t, mx.EnvCacheBuilds.WithLabelValues("build_failed")))
}

func TestStatsReportsTemplatesAndEnvironments(t *testing.T) {
	m := newTestManager(t, &countingBuilder{})
	m.RegisterTemplate(Template{Name: "py"})
	_, err := m.PrepareEnvironment(context.Background(), "py", "job-1")
	require.NoError(t, err)

	stats := m.Stats()
	require.Equal(t, 1, stats.TotalTemplates)
	require.Equal(t, 1, stats.CachedEnvironments)
	require.EqualValues(t, 1, stats.TotalUses)
}
