package sandbox

import (
	"context"
	"os/exec"
	"time"
)

// Fake runs a job's command directly on the host with os/exec — no
// namespaces, no seccomp, no cgroup limits. It implements the same
// Sandbox interface as DockerSandbox so unit tests can exercise C7's
// orchestration logic without a Docker daemon,
// per spec.md §9's resolved open question allowing a polymorphic
// test-fake sandbox variant. Never used for real job execution — nothing
// in cmd/sandrund wires Fake into a production server configuration.
type Fake struct{}

func (Fake) Run(ctx context.Context, spec Spec) (Result, error) {
	limits := DefaultLimits(spec.Limits)
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(limits.TimeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Interpreter, append([]string{spec.Entrypoint}, spec.Args...)...)
	cmd.Dir = spec.WorkDir

	stdoutW := &sinkWriter{sink: spec.Logs, stream: Stdout}
	stderrW := &sinkWriter{sink: spec.Logs, stream: Stderr}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	start := time.Now()
	err := cmd.Run()
	wall := time.Since(start)

	stdout, stdoutTrunc := spec.Logs.Stdout()
	stderr, stderrTrunc := spec.Logs.Stderr()

	result := Result{
		CPUSeconds:   wall.Seconds(), // host process: wall time approximates CPU time closely enough for tests
		StdoutBytes:  int64(len(stdout)),
		StderrBytes:  int64(len(stderr)),
		LogTruncated: stdoutTrunc || stderrTrunc,
	}

	if runCtx.Err() != nil {
		result.TimedOut = true
		result.Failure = &Failure{Kind: FailureTimedOut, Detail: "wall timeout exceeded"}
		return result, nil
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.Failure = &Failure{Kind: FailureExec, Detail: err.Error()}
		return result, nil
	}

	result.ExitCode = 0
	return result, nil
}
