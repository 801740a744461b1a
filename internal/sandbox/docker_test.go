package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyFailureDetectsBlockedSyscall(t *testing.T) {
	f := classifyFailure(128+sigSys, false, 0, 0, Limits{MemoryMB: 512, CPUSeconds: 30})
	require.NotNil(t, f)
	require.Equal(t, FailureBlockedSyscall, f.Kind)
}

func TestClassifyFailurePresumesOOMOnBareSigkill(t *testing.T) {
	f := classifyFailure(128+sigKill, false, 0, 0, Limits{MemoryMB: 512, CPUSeconds: 30})
	require.NotNil(t, f)
	require.Equal(t, FailureOOM, f.Kind)
}

func TestClassifyFailureDetectsOOMFromPeakMemory(t *testing.T) {
	f := classifyFailure(1, false, 512*1024*1024, 1, Limits{MemoryMB: 512, CPUSeconds: 30})
	require.NotNil(t, f)
	require.Equal(t, FailureOOM, f.Kind)
}

func TestClassifyFailureDetectsCPUExceeded(t *testing.T) {
	f := classifyFailure(0, false, 0, 31, Limits{MemoryMB: 512, CPUSeconds: 30})
	require.NotNil(t, f)
	require.Equal(t, FailureCPUExceeded, f.Kind)
}

func TestClassifyFailureDetectsTimeout(t *testing.T) {
	f := classifyFailure(-1, true, 0, 0, Limits{MemoryMB: 512, CPUSeconds: 30})
	require.NotNil(t, f)
	require.Equal(t, FailureTimedOut, f.Kind)
}

func TestClassifyFailureFallsBackToKilledBySignal(t *testing.T) {
	// SIGSEGV = 11, unrelated to timeout/oom/cpu/seccomp.
	f := classifyFailure(128+11, false, 0, 0, Limits{MemoryMB: 512, CPUSeconds: 30})
	require.NotNil(t, f)
	require.Equal(t, FailureKilledBySignal, f.Kind)
}

func TestClassifyFailureReturnsNilForCleanOrNonZeroExit(t *testing.T) {
	require.Nil(t, classifyFailure(0, false, 0, 0, Limits{MemoryMB: 512, CPUSeconds: 30}))
	require.Nil(t, classifyFailure(1, false, 0, 0, Limits{MemoryMB: 512, CPUSeconds: 30}))
}
