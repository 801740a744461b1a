package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSandbox runs job commands inside a Docker container per spec.md
// §4.6's isolation contract: fresh namespaces (Docker gives these for
// free), a read-only root with a tmpfs /tmp and exactly one bind mount
// (work_dir), a seccomp allowlist, dropped capabilities, and cgroup
// resource limits. It is grounded directly on the teacher's
// internal/testfs/container.go — the same client construction
// (client.FromEnv + API version negotiation), ContainerCreate/Start, and
// stdcopy.StdCopy demultiplexing — generalized from "run one test command
// and grab its output" into the full lifecycle spec.md §4.6 requires:
// resource limits, a seccomp profile, wall-timeout supervision, and
// cgroup-sourced accounting.
type DockerSandbox struct {
	cli            *client.Client
	image          func(interpreter string) string
	seccompDir     string
}

// NewDockerSandbox constructs a DockerSandbox. imageFor maps a manifest's
// interpreter (e.g. "python3", "node") to the Docker image sandrun runs it
// in; seccompDir is where per-run seccomp profile JSON files are written
// (tmpfs-backed in production).
func NewDockerSandbox(imageFor func(interpreter string) string, seccompDir string) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: create docker client: %w", err)
	}
	return &DockerSandbox{cli: cli, image: imageFor, seccompDir: seccompDir}, nil
}

func (d *DockerSandbox) Close() error { return d.cli.Close() }

// Run implements Sandbox.Run. It never returns a non-nil error for a
// sandbox-detected termination (OOM, timeout, blocked syscall, non-zero
// exit) — those are reported through Result, per spec.md §4.6's
// "execution terminations are always expressible as valid, signable
// ResultDescriptors". Setup failures (the seccomp profile could not be
// written, or the container could not be created, started, or waited on)
// are also returned with a nil error, as a Result whose Failure.Kind is
// FailureSetup.
func (d *DockerSandbox) Run(ctx context.Context, spec Spec) (Result, error) {
	limits := DefaultLimits(spec.Limits)

	seccompPath := filepath.Join(d.seccompDir, fmt.Sprintf("seccomp-%d.json", time.Now().UnixNano()))
	if err := WriteProfile(seccompPath, GenerateProfile()); err != nil {
		return Result{Failure: &Failure{Kind: FailureSetup, Detail: err.Error()}}, nil
	}
	defer func() { _ = os.Remove(seccompPath) }()

	cmd := append([]string{spec.Interpreter, spec.Entrypoint}, spec.Args...)

	cfg := &container.Config{
		Image:      d.image(spec.Interpreter),
		Cmd:        cmd,
		WorkingDir: "/workdir",
		User:       "65534:65534", // nobody: unprivileged, no capability to regain root
		Env:        envFor(limits),
	}

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": "size=64m,exec"},
		Binds:          []string{spec.WorkDir + ":/workdir"},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"seccomp=" + seccompPath, "no-new-privileges"},
		Resources: container.Resources{
			Memory:     int64(limits.MemoryMB) * 1024 * 1024,
			MemorySwap: int64(limits.MemoryMB) * 1024 * 1024, // swap == memory disables swap
			PidsLimit:  int64Ptr(int64(limits.PidsLimit)),
		},
	}
	// GPU device grafting (spec.md §4.6 point 6) is deployment-specific —
	// which device nodes exist and how they're exposed to Docker varies by
	// host. sandrun sets CUDA_VISIBLE_DEVICES (via envFor) when requested
	// and leaves hostCfg.Resources.DeviceRequests to a deployment-specific
	// HostConfig overlay rather than hardcoding an NVIDIA-only shape here.

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return Result{Failure: &Failure{Kind: FailureSetup, Detail: err.Error()}}, nil
	}
	id := resp.ID
	defer d.cleanup(id)

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return Result{Failure: &Failure{Kind: FailureSetup, Detail: err.Error()}}, nil
	}

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(limits.TimeoutSeconds)*time.Second)
	defer cancel()

	statsDone := make(chan struct{})
	var peakMemory int64
	var cpuSeconds float64
	go func() {
		defer close(statsDone)
		peakMemory, cpuSeconds = d.pollStats(runCtx, id)
	}()

	logsDone := make(chan struct{})
	go func() {
		defer close(logsDone)
		d.streamLogs(runCtx, id, spec.Logs)
	}()

	waitCh, errCh := d.cli.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	var exitCode int
	timedOut := false
	select {
	case status := <-waitCh:
		exitCode = int(status.StatusCode)
	case err := <-errCh:
		if runCtx.Err() == nil {
			return Result{Failure: &Failure{Kind: FailureSetup, Detail: err.Error()}}, nil
		}
		// ContainerWait reports runCtx's own expiry on errCh too.
		timedOut = true
		d.terminate(id)
		exitCode = -1
	case <-runCtx.Done():
		timedOut = true
		d.terminate(id)
		exitCode = -1
	}
	<-statsDone
	<-logsDone

	stdout, stdoutTrunc := spec.Logs.Stdout()
	stderr, stderrTrunc := spec.Logs.Stderr()

	result := Result{
		ExitCode:        exitCode,
		CPUSeconds:      cpuSeconds,
		MemoryPeakBytes: peakMemory,
		TimedOut:        timedOut,
		StdoutBytes:     int64(len(stdout)),
		StderrBytes:     int64(len(stderr)),
		LogTruncated:    stdoutTrunc || stderrTrunc,
	}

	result.Failure = classifyFailure(exitCode, timedOut, peakMemory, cpuSeconds, limits)

	return result, nil
}

// Signals Docker reports back as exit_code = 128 + signal number.
const (
	sigKill = 9
	sigSys  = 31
)

// classifyFailure turns one finished run's raw signals (supervisor-observed
// timeout, cgroup-sampled peak memory/CPU, and the container's exit code)
// into spec.md §4.6's disposition table. Supervisor- and cgroup-detected
// breaches outrank inferring one from the bare exit code, since they are
// measured directly rather than guessed from a signal number that several
// causes can share.
func classifyFailure(exitCode int, timedOut bool, peakMemory int64, cpuSeconds float64, limits Limits) *Failure {
	switch {
	case timedOut:
		return &Failure{Kind: FailureTimedOut, Detail: "wall timeout exceeded"}
	case peakMemory >= int64(limits.MemoryMB)*1024*1024:
		return &Failure{Kind: FailureOOM, Detail: "memory limit exceeded"}
	case cpuSeconds >= float64(limits.CPUSeconds):
		return &Failure{Kind: FailureCPUExceeded, Detail: "cpu time limit exceeded"}
	case exitCode == 128+sigSys:
		// SCMP_ACT_KILL_PROCESS delivers SIGSYS to a child that made a
		// disallowed syscall. Which syscall it was is recorded by the
		// kernel's own seccomp audit log, not surfaced through Docker's
		// wait status — an operator correlates it from the host's audit
		// log/dmesg the same way they would for any other kernel-level
		// denial, so Syscall is left unpopulated here rather than guessed.
		return &Failure{Kind: FailureBlockedSyscall, Detail: "blocked syscall (sigsys)"}
	case exitCode == 128+sigKill:
		// No timeout and no memory/cpu breach detected by the time the
		// container exited almost always means the OOM killer fired
		// between our last stats sample and the container's exit.
		return &Failure{Kind: FailureOOM, Detail: "killed (sigkill), presumed oom"}
	case exitCode > 128 && exitCode < 128+65:
		return &Failure{Kind: FailureKilledBySignal, Detail: fmt.Sprintf("killed by signal %d", exitCode-128)}
	default:
		return nil
	}
}

// terminate issues SIGTERM, waits gracefulShutdownWait, then SIGKILL, per
// spec.md §4.6 point 5's wall-timeout escalation.
func (d *DockerSandbox) terminate(id string) {
	stopCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownWait+time.Second)
	defer cancel()
	timeoutSecs := int(gracefulShutdownWait.Seconds())
	_ = d.cli.ContainerStop(stopCtx, id, container.StopOptions{Timeout: &timeoutSecs})
}

// cleanup removes the container unconditionally, matching spec.md §4.6's
// "cleanup is mandatory and idempotent".
func (d *DockerSandbox) cleanup(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

// streamLogs attaches to the container's combined log stream and
// demultiplexes it into spec.Logs, the same stdcopy.StdCopy mechanism the
// teacher's Container.Run uses for its exec-attach reader, applied here to
// the main process's logs instead of an exec session's.
func (d *DockerSandbox) streamLogs(ctx context.Context, id string, sink *LogSink) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		return
	}
	defer func() { _ = rc.Close() }()

	stdoutW := &sinkWriter{sink: sink, stream: Stdout}
	stderrW := &sinkWriter{sink: sink, stream: Stderr}
	_, _ = stdcopy.StdCopy(stdoutW, stderrW, rc)
}

type sinkWriter struct {
	sink   *LogSink
	stream Stream
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	w.sink.Write(w.stream, p)
	return len(p), nil
}

// pollStats samples cgroup-sourced memory/CPU counters every 200ms until
// ctx is done, returning the peak RSS observed and total CPU-seconds
// consumed. This is the "authoritative source (cgroup counters, not
// self-reported)" spec.md §4.6 requires for resource accounting.
func (d *DockerSandbox) pollStats(ctx context.Context, id string) (peakMemory int64, cpuSeconds float64) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return peakMemory, cpuSeconds
		case <-ticker.C:
			resp, err := d.cli.ContainerStatsOneShot(ctx, id)
			if err != nil {
				continue
			}
			var v containerStatsJSON
			decErr := json.NewDecoder(resp.Body).Decode(&v)
			_ = resp.Body.Close()
			if decErr != nil {
				continue
			}
			if v.MemoryStats.Usage > peakMemory {
				peakMemory = v.MemoryStats.Usage
			}
			cpuSeconds = float64(v.CPUStats.CPUUsage.TotalUsage) / 1e9
		}
	}
}

// containerStatsJSON mirrors the subset of Docker's stats JSON sandrun
// reads; decoded by hand rather than via container.StatsResponse so this
// file stays agnostic to exact SDK struct field churn across Docker
// versions (the JSON wire shape is the stable contract here).
type containerStatsJSON struct {
	MemoryStats struct {
		Usage int64 `json:"usage"`
	} `json:"memory_stats"`
	CPUStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
	} `json:"cpu_stats"`
}

func envFor(l Limits) []string {
	env := []string{fmt.Sprintf("SANDRUN_CPU_SECONDS=%d", l.CPUSeconds)}
	if l.GPUEnabled {
		env = append(env, "CUDA_VISIBLE_DEVICES=0")
	}
	return env
}

func int64Ptr(v int64) *int64 { return &v }
