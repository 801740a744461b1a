package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManifestNormalizeDefaults(t *testing.T) {
	m := Manifest{Entrypoint: "main.py", Interpreter: "python3"}
	warnings := m.Normalize()
	require.Empty(t, warnings)
	require.Equal(t, DefaultTimeoutSeconds, m.TimeoutSeconds)
	require.Equal(t, DefaultMemoryMB, m.MemoryMB)
	require.Equal(t, DefaultCPUSeconds, m.CPUSeconds)
}

func TestManifestNormalizeClampsOverLimits(t *testing.T) {
	m := Manifest{
		Entrypoint:     "main.py",
		Interpreter:    "python3",
		TimeoutSeconds: MaxTimeoutSeconds + 100,
		MemoryMB:       MaxMemoryMB + 1,
	}
	warnings := m.Normalize()
	require.Len(t, warnings, 2)
	require.Equal(t, MaxTimeoutSeconds, m.TimeoutSeconds)
	require.Equal(t, MaxMemoryMB, m.MemoryMB)
}

func TestManifestValidateRequiresFields(t *testing.T) {
	m := Manifest{}
	require.Error(t, m.Validate())

	m = Manifest{Entrypoint: "main.py"}
	require.Error(t, m.Validate())

	m = Manifest{Entrypoint: "main.py", Interpreter: "python3"}
	require.NoError(t, m.Validate())
}

func TestJobStatusTransitionsFollowDAG(t *testing.T) {
	now := time.Unix(0, 0)
	j := New("job-1", "10.0.0.1", Manifest{}, "/tmp/work", now)
	require.Equal(t, StatusQueued, j.Status())

	require.NoError(t, j.Advance(StatusPreparing, now))
	require.NoError(t, j.Advance(StatusRunning, now))
	require.NoError(t, j.Advance(StatusCompleted, now))
	require.True(t, j.Status().Terminal())
}

func TestJobStatusRejectsIllegalTransition(t *testing.T) {
	now := time.Unix(0, 0)
	j := New("job-1", "10.0.0.1", Manifest{}, "/tmp/work", now)
	require.Error(t, j.Advance(StatusRunning, now), "queued cannot skip straight to running")
}

func TestJobStatusNoResurrectionFromTerminal(t *testing.T) {
	now := time.Unix(0, 0)
	j := New("job-1", "10.0.0.1", Manifest{}, "/tmp/work", now)
	require.NoError(t, j.Advance(StatusPreparing, now))
	require.NoError(t, j.Advance(StatusFailed, now))
	require.Error(t, j.Advance(StatusRunning, now), "a terminal job must never advance again")
}

func TestInputHashStableAcrossRuns(t *testing.T) {
	m := Manifest{Entrypoint: "main.py", Interpreter: "python3", Args: []string{"--flag", "value"}}
	entrypoint := []byte("print('hi')\n")

	h1 := InputHash(m, entrypoint)
	h2 := InputHash(m, entrypoint)
	require.Equal(t, h1, h2, "identical manifest and entrypoint content must hash identically")
}

func TestInputHashChangesWithAnyField(t *testing.T) {
	base := Manifest{Entrypoint: "main.py", Interpreter: "python3", Args: []string{"a"}}
	baseHash := InputHash(base, []byte("code"))

	variants := []Manifest{
		{Entrypoint: "other.py", Interpreter: "python3", Args: []string{"a"}},
		{Entrypoint: "main.py", Interpreter: "node", Args: []string{"a"}},
		{Entrypoint: "main.py", Interpreter: "python3", Args: []string{"b"}},
		{Entrypoint: "main.py", Interpreter: "python3", EnvTemplate: "gpu", Args: []string{"a"}},
	}
	for _, v := range variants {
		require.NotEqual(t, baseHash, InputHash(v, []byte("code")), "%+v", v)
	}
	require.NotEqual(t, baseHash, InputHash(base, []byte("different code")))
}

func TestInputHashArgsSeparatorCannotBeForgedByConcatenation(t *testing.T) {
	m1 := Manifest{Entrypoint: "e", Interpreter: "i", Args: []string{"ab", "c"}}
	m2 := Manifest{Entrypoint: "e", Interpreter: "i", Args: []string{"a", "bc"}}
	require.NotEqual(t, InputHash(m1, nil), InputHash(m2, nil))
}
