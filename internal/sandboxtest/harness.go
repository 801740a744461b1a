//go:build e2e

package sandboxtest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/queelius/sandrun/internal/executor"
	"github.com/queelius/sandrun/internal/identity"
	"github.com/queelius/sandrun/internal/job"
	"github.com/queelius/sandrun/internal/ratelimit"
	"github.com/queelius/sandrun/internal/sandbox"
)

// Harness drives one job through the real Executor with a real
// DockerSandbox, so C6's network isolation, seccomp profile, and
// cgroup-sourced resource accounting are exercised against an actual
// daemon instead of sandbox.Fake.
//
// Usage:
//
//	h := sandboxtest.New(t)
//	_, result := h.RunJob(job.Manifest{Entrypoint: "main.py", Interpreter: "python3"}, []byte("print(1)\n"), nil)
//	require.Equal(t, 0, result.ExitCode)
type Harness struct {
	t    *testing.T
	exec *executor.Executor
}

// New constructs a Harness backed by a fresh DockerSandbox and an
// anonymous-mode Executor with a generous rate-limit budget (e2e tests
// exercise the sandbox, not the quota admission logic — use
// internal/executor's own tests for that).
func New(t *testing.T) *Harness {
	t.Helper()

	seccompDir := t.TempDir()
	sb, err := sandbox.NewDockerSandbox(func(interpreter string) string {
		switch interpreter {
		case "python3":
			return "python:3.12-alpine"
		case "node":
			return "node:20-alpine"
		default:
			return "alpine:3.21"
		}
	}, seccompDir)
	if err != nil {
		t.Fatalf("sandboxtest: construct DockerSandbox: %v", err)
	}
	t.Cleanup(func() { _ = sb.Close() })

	return &Harness{
		t: t,
		exec: &executor.Executor{
			Identity:    identity.Anonymous(),
			Limiter:     ratelimit.New(1e9, time.Hour, 64, 1_000_000, time.Hour),
			Sandbox:     sb,
			WorkDirRoot: t.TempDir(),
			GracePeriod: time.Minute,
		},
	}
}

// RunJob materializes entrypointBytes (and any extra files) into a fresh
// work_dir and runs the manifest through the Executor's full pipeline,
// returning the terminal Job and its Result.
func (h *Harness) RunJob(manifest job.Manifest, entrypointBytes []byte, extraFiles map[string][]byte) (*job.Job, *job.Result) {
	h.t.Helper()

	sub := executor.Submission{
		JobID:           "e2e-" + h.t.Name(),
		SourceIP:        "127.0.0.1",
		Manifest:        manifest,
		EntrypointBytes: entrypointBytes,
		Upload:          fileMapUpload(extraFiles),
	}

	j, result, err := h.exec.Execute(context.Background(), sub)
	if err != nil {
		h.t.Fatalf("sandboxtest: Execute: %v", err)
	}
	return j, result
}

// fileMapUpload implements executor.Uploader by writing each entry
// directly into work_dir, for tests that need more than a bare
// entrypoint (e.g. a requirements file or fixture data).
type fileMapUpload map[string][]byte

func (u fileMapUpload) MaterializeInto(workDir string) error {
	for name, data := range u {
		dest := filepath.Join(workDir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
