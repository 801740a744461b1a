// Package executor implements the job executor of spec.md §4.7: it owns a
// single job's lifecycle end-to-end, wiring together every other
// component (C1 hashutil, C2 identity, C3 job, C4 ratelimit, C5 envmanager,
// C6 sandbox) into the nine-step admit → prepare → run → finalize pipeline.
//
// The teacher repo has no equivalent of an end-to-end job pipeline — the
// closest analog is dupedog's top-level Dedupe() orchestration function,
// which this package's Execute follows in shape: a single entry point that
// calls each subsystem in order, fails fast and cleans up on any error, and
// never leaves a partial result lying around.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/queelius/sandrun/internal/envmanager"
	"github.com/queelius/sandrun/internal/hashutil"
	"github.com/queelius/sandrun/internal/identity"
	"github.com/queelius/sandrun/internal/job"
	"github.com/queelius/sandrun/internal/metrics"
	"github.com/queelius/sandrun/internal/ratelimit"
	"github.com/queelius/sandrun/internal/sandbox"
)

// DefaultGracePeriod is how long a completed job's work_dir survives after
// its terminal transition, per spec.md §3's "destroyed after the client
// retrieves results or after a fixed post-completion grace period."
const DefaultGracePeriod = 5 * time.Minute

// Uploader materializes a submission's non-entrypoint files into workDir.
// The entrypoint itself travels as Submission.EntrypointBytes rather than
// through Uploader, since JobInputHash (step 1) needs its bytes before
// anything touches disk.
type Uploader interface {
	MaterializeInto(workDir string) error
}

// Submission is everything the executor needs to run one job.
type Submission struct {
	JobID           string
	SourceIP        string
	Manifest        job.Manifest
	EntrypointBytes []byte
	Upload          Uploader
	// Logs, if set, receives every byte the sandbox writes to stdout/stderr
	// as the job runs — callers that want to stream logs (rather than only
	// read the capped buffer after completion) subscribe to it before
	// calling Execute. Left nil, Execute allocates and discards its own.
	Logs *sandbox.LogSink
}

// RateLimitedError is returned by Execute when check_quota rejects the
// submission at step 2, before any disk or environment-manager work has
// happened, per spec.md §4.7 point 2 ("on reject, emits RateLimited
// without ever touching disk").
type RateLimitedError struct {
	Reason     ratelimit.RejectReason
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("executor: rate limited (%s), retry after %s", e.Reason, e.RetryAfter)
}

// Executor owns the collaborators spec.md §7 requires be passed in
// explicitly rather than reached for as globals: the worker identity, the
// environment manager, the rate-limiter table, and the sandbox. Each
// Execute call is independent and holds no state across calls beyond what
// those collaborators themselves track.
type Executor struct {
	Identity    *identity.Identity
	Envs        *envmanager.Manager // nil if no env_template support is configured
	Limiter     *ratelimit.Limiter
	Sandbox     sandbox.Sandbox
	WorkDirRoot string        // parent directory under which per-job work_dirs are created
	GracePeriod time.Duration // how long a finished work_dir survives; DefaultGracePeriod if zero
	Log         *slog.Logger  // defaults to slog.Default() if nil
	Metrics     *metrics.Metrics // optional; nil disables instrumentation

	// now is overridable by tests; production code never sets it.
	now func() time.Time
}

func (e *Executor) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

func (e *Executor) logger() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Executor) gracePeriod() time.Duration {
	if e.GracePeriod <= 0 {
		return DefaultGracePeriod
	}
	return e.GracePeriod
}

// Execute runs spec.md §4.7's full pipeline for one submission and returns
// the Job (with its final status) and its ResultDescriptor. A non-nil
// error means either rejection (*RateLimitedError, before work_dir
// exists) or a setup failure severe enough that no ResultDescriptor could
// be produced (manifest validation, environment build, disk I/O); sandbox
// terminations (timeout, OOM, non-zero exit) are never errors — they are
// ordinary, signable results.
func (e *Executor) Execute(ctx context.Context, sub Submission) (*job.Job, *job.Result, error) {
	manifest := sub.Manifest
	warnings := manifest.Normalize()
	if err := manifest.Validate(); err != nil {
		return nil, nil, fmt.Errorf("executor: %w", err)
	}
	for _, w := range warnings {
		e.logger().Warn("manifest field clamped", "job_id", sub.JobID, "warning", w.String())
	}

	// Step 1: JobInputHash, computed before any admission check touches
	// disk or shared state.
	inputHash := job.InputHash(manifest, sub.EntrypointBytes)

	// Step 2: check_quota. A rejection here never creates a Job or a
	// work_dir.
	now := e.clock()
	decision := e.Limiter.CheckQuota(sub.SourceIP, float64(manifest.CPUSeconds), now)
	if !decision.Admitted {
		e.logger().Info("submission rate limited", "source_ip", sub.SourceIP, "reason", decision.Reason)
		if e.Metrics != nil {
			e.Metrics.ObserveAdmission(string(decision.Reason))
		}
		return nil, nil, &RateLimitedError{Reason: decision.Reason, RetryAfter: decision.RetryAfter}
	}
	if e.Metrics != nil {
		e.Metrics.ObserveAdmission("admitted")
	}

	// Step 3: register_start, materialize the upload, create the Job.
	e.Limiter.RegisterStart(sub.SourceIP, sub.JobID, float64(manifest.CPUSeconds), now)

	workDir := filepath.Join(e.WorkDirRoot, sub.JobID)
	j := job.New(sub.JobID, sub.SourceIP, manifest, workDir, now)

	result, runErr := e.run(ctx, j, manifest, inputHash, sub)

	// Step 8: register_end with actual CPU time, regardless of outcome.
	actualCPU := 0.0
	if result != nil {
		actualCPU = result.CPUSeconds
	}
	e.Limiter.RegisterEnd(sub.SourceIP, sub.JobID, actualCPU, e.clock())

	// Step 9: schedule work_dir destruction after the retrieval grace
	// period. Always scheduled, whether the job succeeded or failed partway
	// — this is the "work_dir is always destroyed" guarantee.
	e.scheduleCleanup(workDir, j.ID)

	if runErr != nil {
		failedAt := e.clock()
		_ = j.Advance(job.StatusFailed, failedAt)
		e.logger().Error("job execution failed", "job_id", j.ID, "error", runErr)
		if e.Metrics != nil {
			e.Metrics.ObserveSandboxOutcome("setup_failed")
			e.Metrics.ObserveJobDuration("setup_failed", failedAt.Sub(now).Seconds())
		}
		return j, nil, runErr
	}

	terminal := job.StatusCompleted
	switch {
	case result.TimedOut:
		terminal = job.StatusTimedOut
	case result.FailureKind != "":
		terminal = job.StatusFailed
	}
	terminalAt := e.clock()
	if err := j.Advance(terminal, terminalAt); err != nil {
		e.logger().Error("job terminal transition rejected", "job_id", j.ID, "error", err)
	}
	if e.Metrics != nil {
		outcome := string(terminal)
		if result.FailureKind != "" {
			outcome = result.FailureKind
		}
		e.Metrics.ObserveSandboxOutcome(outcome)
		e.Metrics.ObserveJobDuration(string(terminal), terminalAt.Sub(now).Seconds())
	}

	return j, result, nil
}

// run performs steps 3 (the parts after Job creation) through 7: preparing
// the work_dir and environment, invoking the sandbox, hashing outputs, and
// building the unsigned result (Sign produces the signature separately).
// Any error here is step 3–9's "failure runs cleanup"
// case — the caller still runs register_end and schedules work_dir
// destruction no matter what run returns.
func (e *Executor) run(ctx context.Context, j *job.Job, manifest job.Manifest, inputHash string, sub Submission) (*job.Result, error) {
	if err := j.Advance(job.StatusPreparing, e.clock()); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(j.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("executor: create work_dir: %w", err)
	}
	if sub.Upload != nil {
		if err := sub.Upload.MaterializeInto(j.WorkDir); err != nil {
			return nil, fmt.Errorf("executor: materialize upload: %w", err)
		}
	}
	entrypointPath := filepath.Join(j.WorkDir, manifest.Entrypoint)
	if len(sub.EntrypointBytes) > 0 {
		if err := os.WriteFile(entrypointPath, sub.EntrypointBytes, 0o644); err != nil {
			return nil, fmt.Errorf("executor: write entrypoint: %w", err)
		}
	}

	// Step 4: prepare_environment, only if the manifest requests a template.
	runWorkDir := j.WorkDir
	if manifest.EnvTemplate != "" {
		if e.Envs == nil {
			return nil, errors.New("executor: manifest requests env_template but no environment manager is configured")
		}
		envRoot, err := e.Envs.PrepareEnvironment(ctx, manifest.EnvTemplate, j.ID)
		if err != nil {
			return nil, fmt.Errorf("executor: prepare_environment: %w", err)
		}
		runWorkDir = envRoot
		// The job's own uploaded files still need to live alongside the
		// cloned environment: envmanager.PrepareEnvironment returns a
		// fresh, job-exclusive clone per invariant (c), so sandrun moves
		// the job's work_dir contents into it rather than running the
		// environment and the upload as two separate roots.
		if err := mergeInto(j.WorkDir, runWorkDir); err != nil {
			return nil, fmt.Errorf("executor: merge upload into environment: %w", err)
		}
	}

	if err := j.Advance(job.StatusRunning, e.clock()); err != nil {
		return nil, err
	}

	// Step 5: invoke the sandbox. A caller that wants to stream logs (the
	// reference transport's WebSocket log endpoint) passes its own sink in
	// Submission.Logs and subscribes to it before Execute returns; otherwise
	// the executor allocates one that's discarded once the run ends.
	logs := sub.Logs
	if logs == nil {
		defaultLimits := sandbox.DefaultLimits(sandbox.Limits{})
		logs = sandbox.NewLogSink(defaultLimits.StdoutCapBytes, defaultLimits.StderrCapBytes)
	}
	spec := sandbox.Spec{
		WorkDir:     runWorkDir,
		Entrypoint:  manifest.Entrypoint,
		Interpreter: manifest.Interpreter,
		Args:        manifest.Args,
		Limits: sandbox.Limits{
			MemoryMB:       manifest.MemoryMB,
			CPUSeconds:     manifest.CPUSeconds,
			TimeoutSeconds: manifest.TimeoutSeconds,
		},
		Logs: logs,
	}
	sbResult, err := e.Sandbox.Run(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("executor: sandbox run: %w", err)
	}

	// Step 6: OutputSet over the work_dir actually used for the run,
	// filtered by manifest.outputs.
	outputs, err := hashutil.HashDirectory(runWorkDir, manifest.Outputs)
	if err != nil {
		return nil, fmt.Errorf("executor: hash outputs: %w", err)
	}

	// Step 7: build the ResultDescriptor. It is returned unsigned; callers
	// sign it with Executor.Sign when a worker identity is loaded.
	// A setup failure means the sandbox itself never got the command
	// running at all (container create/start/wait failed) — there is no
	// meaningful ResultDescriptor to sign, so this is the one Failure kind
	// that surfaces as an error. Every other kind (oom, cpu_exceeded,
	// timed_out, blocked_syscall, killed_by_signal) is a sandbox-detected
	// termination, not a setup error: spec.md requires these to still
	// produce a valid, signable ResultDescriptor with outputs-so-far.
	if sbResult.Failure != nil && sbResult.Failure.Kind == sandbox.FailureSetup {
		return nil, fmt.Errorf("executor: sandbox setup failed: %s", sbResult.Failure.Detail)
	}

	result := &job.Result{
		JobID:           j.ID,
		JobInputHash:    inputHash,
		ExitCode:        sbResult.ExitCode,
		CPUSeconds:      sbResult.CPUSeconds,
		MemoryPeakBytes: sbResult.MemoryPeakBytes,
		Outputs:         outputs,
		TimedOut:        sbResult.TimedOut,
	}
	if sbResult.Failure != nil {
		result.FailureKind = string(sbResult.Failure.Kind)
		e.logger().Info("sandbox-detected termination", "job_id", j.ID, "kind", sbResult.Failure.Kind, "detail", sbResult.Failure.Detail)
	}

	return result, nil
}

// scheduleCleanup removes workDir after the grace period. Execute calls it
// once for every admitted submission, right after run returns and before
// either the error or the success return, so a work_dir always gets
// destroyed exactly once regardless of which step failed.
func (e *Executor) scheduleCleanup(workDir, jobID string) {
	grace := e.gracePeriod()
	log := e.logger()
	time.AfterFunc(grace, func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Error("work_dir cleanup failed", "job_id", jobID, "work_dir", workDir, "error", err)
		}
	})
}

// Sign returns the base64 Ed25519 signature over result's canonical form,
// or "" in anonymous mode, implementing step 7's "if a WorkerIdentity is
// loaded, signs it."
func (e *Executor) Sign(result *job.Result) string {
	if e.Identity == nil || !e.Identity.Loaded() {
		return ""
	}
	return e.Identity.Sign([]byte(result.CanonicalForm()))
}
