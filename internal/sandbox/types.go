// Package sandbox implements the sandbox executor of spec.md §4.6: given a
// populated work_dir, a command, resource limits, and a log sink, it runs
// the command inside an isolated execution unit and reports how it ended.
//
// Three implementations share the Sandbox interface: DockerSandbox (the
// production path, grounded on the teacher's
// internal/testfs/container.go Docker Go SDK usage), Fake (an
// in-process, unisolated executor for unit tests, covering spec.md §9's
// resolved open question that a polymorphic test-fake variant is
// acceptable as long as production code paths go through DockerSandbox),
// and RlimitSandbox (an rlimit-only host fallback without Docker).
package sandbox

import (
	"context"
	"time"
)

// Limits are the resource caps of spec.md §4.6 point 5.
type Limits struct {
	MemoryMB       int
	CPUSeconds     int
	TimeoutSeconds int
	PidsLimit      int   // default 32: fork-bomb guard
	StdoutCapBytes int64 // default 10 MiB
	StderrCapBytes int64 // default 10 MiB
	GPUEnabled     bool
}

// DefaultLimits fills in defaults for a zero PidsLimit, StdoutCapBytes or
// StderrCapBytes. MemoryMB, CPUSeconds and TimeoutSeconds are returned
// unchanged, even when zero.
func DefaultLimits(l Limits) Limits {
	if l.PidsLimit <= 0 {
		l.PidsLimit = 32
	}
	if l.StdoutCapBytes <= 0 {
		l.StdoutCapBytes = 10 * 1024 * 1024
	}
	if l.StderrCapBytes <= 0 {
		l.StderrCapBytes = 10 * 1024 * 1024
	}
	return l
}

// FailureKind is the taxonomy of spec.md §4.6's failure table. The zero
// value (empty string) means "no sandbox failure" — check Result.Failure
// for nil instead of comparing FailureKind to a sentinel.
type FailureKind string

const (
	FailureSetup          FailureKind = "setup"
	FailureExec           FailureKind = "exec"
	FailureOOM            FailureKind = "oom"
	FailureCPUExceeded    FailureKind = "cpu_exceeded"
	FailureTimedOut       FailureKind = "timed_out"
	FailureBlockedSyscall FailureKind = "blocked_syscall"
	FailureKilledBySignal FailureKind = "killed_by_signal"
)

// Failure describes a sandbox-detected termination that is not a plain
// exit, per spec.md §4.6's disposition table.
type Failure struct {
	Kind    FailureKind
	Detail  string
	Syscall int // populated only for FailureBlockedSyscall
}

// Spec is the sandbox's input: a populated work_dir, the command to run,
// and the limits/log sink to run it under.
type Spec struct {
	WorkDir     string
	Entrypoint  string
	Interpreter string
	Args        []string
	Limits      Limits
	Logs        *LogSink
}

// Result is C6's return shape: `{ exit_code, cpu_seconds, memory_peak_bytes,
// timed_out, stdout_bytes, stderr_bytes }` from spec.md §4.6, plus the
// structured Failure when the sandbox itself intervened rather than the
// child exiting on its own.
type Result struct {
	ExitCode        int
	CPUSeconds      float64
	MemoryPeakBytes int64
	TimedOut        bool
	StdoutBytes     int64
	StderrBytes     int64
	LogTruncated    bool
	Failure         *Failure
}

// Sandbox runs one job's command inside an isolated execution unit.
type Sandbox interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// gracefulShutdownWait is how long the supervisor waits after SIGTERM
// before escalating to SIGKILL, per spec.md §4.6 point 5's wall-timeout
// rule ("waits ≤2s for graceful exit, then SIGKILL").
const gracefulShutdownWait = 2 * time.Second
