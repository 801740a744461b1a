//go:build unix

package sandbox

import (
	"context"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// RlimitSandbox is the non-Docker fallback referenced in spec.md §4.6's
// isolation contract when no Docker daemon is reachable: it runs the
// child directly on the host, same as Fake, but applies real POSIX rlimits
// (address-space and CPU-time caps; no process-count cap is applied, so
// Limits.PidsLimit has no effect here) and a fresh process group so a
// timeout can kill the process tree as a unit. It is
// weaker than DockerSandbox — there is no network namespace, no seccomp,
// no filesystem isolation — so it exists only for single-host deployments
// that accept that trade-off, never as the default.
//
// Grounded on runc/libcontainer/configs and calvinalkan/agent-sandbox's
// reference Rlimit config shapes in other_examples/ (struct shape only;
// neither is imported as a library) and on golang.org/x/sys/unix, already
// pulled in transitively by the docker client's dependency tree and
// promoted to a direct dependency for this file.
type RlimitSandbox struct{}

func (RlimitSandbox) Run(ctx context.Context, spec Spec) (Result, error) {
	limits := DefaultLimits(spec.Limits)
	runCtx, cancel := context.WithTimeout(ctx, time.Duration(limits.TimeoutSeconds)*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Interpreter, append([]string{spec.Entrypoint}, spec.Args...)...)
	cmd.Dir = spec.WorkDir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // own process group so the whole tree can be killed together
	}

	stdoutW := &sinkWriter{sink: spec.Logs, stream: Stdout}
	stderrW := &sinkWriter{sink: spec.Logs, stream: Stderr}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	addressSpaceBytes := uint64(limits.MemoryMB) * 1024 * 1024
	cpuSecondsLimit := uint64(limits.CPUSeconds)

	if err := cmd.Start(); err != nil {
		return Result{Failure: &Failure{Kind: FailureExec, Detail: err.Error()}}, nil
	}
	if err := applyRlimits(cmd.Process.Pid, addressSpaceBytes, cpuSecondsLimit); err != nil {
		_ = killProcessGroup(cmd.Process.Pid)
		return Result{Failure: &Failure{Kind: FailureSetup, Detail: err.Error()}}, nil
	}

	start := time.Now()
	waitErr := cmd.Wait()
	wall := time.Since(start)

	stdout, stdoutTrunc := spec.Logs.Stdout()
	stderr, stderrTrunc := spec.Logs.Stderr()

	result := Result{
		CPUSeconds:   wall.Seconds(),
		StdoutBytes:  int64(len(stdout)),
		StderrBytes:  int64(len(stderr)),
		LogTruncated: stdoutTrunc || stderrTrunc,
	}

	if runCtx.Err() != nil {
		result.TimedOut = true
		result.Failure = &Failure{Kind: FailureTimedOut, Detail: "wall timeout exceeded"}
		_ = killProcessGroup(cmd.Process.Pid)
		return result, nil
	}

	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				if status.Signal() == syscall.SIGXCPU {
					result.Failure = &Failure{Kind: FailureCPUExceeded, Detail: "rlimit RLIMIT_CPU exceeded"}
				} else if status.Signal() == syscall.SIGKILL {
					result.Failure = &Failure{Kind: FailureOOM, Detail: "killed (sigkill), presumed rlimit RLIMIT_AS breach"}
				}
			}
			return result, nil
		}
		result.Failure = &Failure{Kind: FailureExec, Detail: waitErr.Error()}
		return result, nil
	}

	result.ExitCode = 0
	return result, nil
}

// applyRlimits sets RLIMIT_AS and RLIMIT_CPU on an already-started child
// via the prlimit(2) syscall (unix.Prlimit), since Go's
// exec.Cmd offers no pre-exec rlimit hook on all platforms the way
// posix_spawn's file actions do.
func applyRlimits(pid int, addressSpaceBytes, cpuSeconds uint64) error {
	asLimit := &unix.Rlimit{Cur: addressSpaceBytes, Max: addressSpaceBytes}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, asLimit, nil); err != nil {
		return err
	}
	cpuLimit := &unix.Rlimit{Cur: cpuSeconds, Max: cpuSeconds}
	return unix.Prlimit(pid, unix.RLIMIT_CPU, cpuLimit, nil)
}

func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}
