package job

import (
	"testing"

	"github.com/queelius/sandrun/internal/hashutil"
	"github.com/stretchr/testify/require"
)

func TestCanonicalFormOrdersOutputsLexicographically(t *testing.T) {
	r := Result{
		JobID:           "job-1",
		JobInputHash:    "deadbeef",
		ExitCode:        0,
		CPUSeconds:      1.5,
		MemoryPeakBytes: 2 * 1024 * 1024,
		Outputs: hashutil.OutputSet{
			"b.txt": {SHA256Hex: "hashb"},
			"a.txt": {SHA256Hex: "hasha"},
		},
	}

	got := r.CanonicalForm()
	want := "deadbeef|0|1.500|2|a.txt:hasha|b.txt:hashb|"
	require.Equal(t, want, got)
}

func TestCanonicalFormEmptyOutputsStillTerminates(t *testing.T) {
	r := Result{JobInputHash: "h", ExitCode: 1, CPUSeconds: 0, MemoryPeakBytes: 0}
	require.Equal(t, "h|1|0.000|0|", r.CanonicalForm())
}

func TestCanonicalFormDeterministicAcrossCalls(t *testing.T) {
	r := Result{
		JobInputHash: "h",
		Outputs: hashutil.OutputSet{
			"z": {SHA256Hex: "1"},
			"a": {SHA256Hex: "2"},
			"m": {SHA256Hex: "3"},
		},
	}
	require.Equal(t, r.CanonicalForm(), r.CanonicalForm())
}
