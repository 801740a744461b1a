package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/queelius/sandrun/internal/envmanager"
	"github.com/queelius/sandrun/internal/identity"
	"github.com/queelius/sandrun/internal/job"
	"github.com/queelius/sandrun/internal/metrics"
	"github.com/queelius/sandrun/internal/ratelimit"
	"github.com/queelius/sandrun/internal/sandbox"
)

func newTestLimiter() *ratelimit.Limiter {
	return ratelimit.New(
		ratelimit.DefaultWindowBudgetCPUSeconds,
		ratelimit.DefaultWindow,
		ratelimit.DefaultPerIPConcurrency,
		ratelimit.DefaultHourlyCap,
		ratelimit.DefaultIdleReset,
	)
}

func newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	return &Executor{
		Identity:    identity.Anonymous(),
		Limiter:     newTestLimiter(),
		Sandbox:     sandbox.Fake{},
		WorkDirRoot: t.TempDir(),
		GracePeriod: 10 * time.Millisecond,
	}
}

func TestExecuteRunsAJobToCompletion(t *testing.T) {
	e := newTestExecutor(t)

	sub := Submission{
		JobID:           "job-1",
		SourceIP:        "10.0.0.1",
		Manifest:        job.Manifest{Entrypoint: "main.py", Interpreter: "python3", CPUSeconds: 2},
		EntrypointBytes: []byte("print('hello')\n"),
	}

	j, result, err := e.Execute(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, j.Status())
	require.Equal(t, 0, result.ExitCode)
	require.NotEmpty(t, result.JobInputHash)
}

func TestExecuteSignsResultWhenIdentityLoaded(t *testing.T) {
	e := newTestExecutor(t)
	keyPath := filepath.Join(t.TempDir(), "key.pem")
	require.NoError(t, identity.GenerateKey(keyPath))
	id, err := identity.Load(keyPath)
	require.NoError(t, err)
	e.Identity = id

	sub := Submission{
		JobID:           "job-signed",
		SourceIP:        "10.0.0.2",
		Manifest:        job.Manifest{Entrypoint: "main.py", Interpreter: "python3", CPUSeconds: 2},
		EntrypointBytes: []byte("print('hi')\n"),
	}

	_, result, err := e.Execute(context.Background(), sub)
	require.NoError(t, err)

	sig := e.Sign(result)
	require.NotEmpty(t, sig)
	require.True(t, identity.Verify([]byte(result.CanonicalForm()), sig, id.WorkerID()))
}

func TestExecuteRejectsWithoutTouchingDiskWhenRateLimited(t *testing.T) {
	e := newTestExecutor(t)
	// Exhaust the per-IP concurrency cap directly so CheckQuota rejects.
	now := time.Now()
	for i := 0; i < ratelimit.DefaultPerIPConcurrency; i++ {
		e.Limiter.RegisterStart("10.0.0.3", "prior", 0, now)
	}

	sub := Submission{
		JobID:           "job-2",
		SourceIP:        "10.0.0.3",
		Manifest:        job.Manifest{Entrypoint: "main.py", Interpreter: "python3", CPUSeconds: 2},
		EntrypointBytes: []byte("print(1)\n"),
	}

	j, result, err := e.Execute(context.Background(), sub)
	require.Error(t, err)
	require.Nil(t, j)
	require.Nil(t, result)

	var rateErr *RateLimitedError
	require.ErrorAs(t, err, &rateErr)
	require.Equal(t, ratelimit.ReasonConcurrency, rateErr.Reason)

	_, statErr := os.Stat(filepath.Join(e.WorkDirRoot, "job-2"))
	require.True(t, os.IsNotExist(statErr), "a rejected submission must never create a work_dir")
}

func TestExecuteTimedOutJobReachesTimedOutStatus(t *testing.T) {
	e := newTestExecutor(t)

	sub := Submission{
		JobID:           "job-3",
		SourceIP:        "10.0.0.4",
		Manifest:        job.Manifest{Entrypoint: "main.py", Interpreter: "python3", TimeoutSeconds: 1, CPUSeconds: 2},
		EntrypointBytes: []byte("while True: pass\n"),
	}

	j, result, err := e.Execute(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, job.StatusTimedOut, j.Status())
	require.True(t, result.TimedOut)
}

func TestExecuteSchedulesWorkDirCleanupAfterGracePeriod(t *testing.T) {
	e := newTestExecutor(t)

	sub := Submission{
		JobID:           "job-4",
		SourceIP:        "10.0.0.5",
		Manifest:        job.Manifest{Entrypoint: "main.py", Interpreter: "python3", CPUSeconds: 2},
		EntrypointBytes: []byte("print('bye')\n"),
	}

	_, _, err := e.Execute(context.Background(), sub)
	require.NoError(t, err)

	workDir := filepath.Join(e.WorkDirRoot, "job-4")
	require.Eventually(t, func() bool {
		_, statErr := os.Stat(workDir)
		return os.IsNotExist(statErr)
	}, time.Second, 5*time.Millisecond, "work_dir must be destroyed after the grace period")
}

func TestExecuteWithEnvTemplatePreparesEnvironment(t *testing.T) {
	e := newTestExecutor(t)
	envs, err := envmanager.New(filepath.Join(t.TempDir(), "envs"), "", localScriptBuilder{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = envs.Close() })
	envs.RegisterTemplate(envmanager.Template{Name: "py-base"})
	e.Envs = envs

	sub := Submission{
		JobID:           "job-5",
		SourceIP:        "10.0.0.6",
		Manifest:        job.Manifest{Entrypoint: "main.py", Interpreter: "python3", EnvTemplate: "py-base", CPUSeconds: 2},
		EntrypointBytes: []byte("print('from template')\n"),
	}

	j, result, err := e.Execute(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, job.StatusCompleted, j.Status())
	require.NotNil(t, result)
}

func TestExecuteRejectsEnvTemplateWithoutManager(t *testing.T) {
	e := newTestExecutor(t)

	sub := Submission{
		JobID:           "job-6",
		SourceIP:        "10.0.0.7",
		Manifest:        job.Manifest{Entrypoint: "main.py", Interpreter: "python3", EnvTemplate: "py-base", CPUSeconds: 2},
		EntrypointBytes: []byte("print(1)\n"),
	}

	_, _, err := e.Execute(context.Background(), sub)
	require.Error(t, err)
}

func TestExecuteObservesJobDurationByTerminalStatus(t *testing.T) {
	e := newTestExecutor(t)
	mx := metrics.New(prometheus.NewRegistry())
	e.Metrics = mx

	sub := Submission{
		JobID:           "job-7",
		SourceIP:        "10.0.0.8",
		Manifest:        job.Manifest{Entrypoint: "main.py", Interpreter: "python3", CPUSeconds: 2},
		EntrypointBytes: []byte("print('hello')\n"),
	}

	_, _, err := e.Execute(context.Background(), sub)
	require.NoError(t, err)

	var m dto.Metric
	hist := mx.JobDurationSeconds.WithLabelValues(string(job.StatusCompleted))
	require.NoError(t, hist.(prometheus.Histogram).Write(&m))
	require.EqualValues(t, 1, m.GetHistogram().GetSampleCount(), "a completed job must observe exactly one duration sample under its terminal status")
}

// localScriptBuilder is a minimal Builder test double standing in for
// envmanager.LocalBuilder, avoiding a cross-package setup_script dependency
// in this test.
type localScriptBuilder struct{}

func (localScriptBuilder) Build(ctx context.Context, t envmanager.Template, fsRoot string) error {
	return os.WriteFile(filepath.Join(fsRoot, "setup.marker"), []byte("ok"), 0o644)
}
