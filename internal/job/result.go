package job

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/queelius/sandrun/internal/hashutil"
)

// Result is the ResultDescriptor of spec.md §3: the complete, signable
// record of a finished job.
type Result struct {
	JobID           string             `json:"job_id"`
	JobInputHash    string             `json:"job_input_hash"`
	ExitCode        int                `json:"exit_code"`
	CPUSeconds      float64            `json:"cpu_seconds"`
	MemoryPeakBytes int64              `json:"memory_peak_bytes"`
	Outputs         hashutil.OutputSet `json:"outputs"`
	TimedOut        bool               `json:"timed_out"`
	// FailureKind is set when the sandbox itself intervened (oom,
	// cpu_exceeded, blocked_syscall, killed_by_signal) rather than the
	// child exiting on its own. It is diagnostic only — not part of the
	// canonical signed form, which spec.md §3 fixes independently of it.
	FailureKind string `json:"failure_kind,omitempty"`
}

// CanonicalForm builds the exact signable wire string of spec.md §3:
//
//	job_input_hash | exit_code | cpu_seconds | memory_peak_bytes_mb | path1:hash1 | path2:hash2 | … |
//
// with outputs enumerated in lexicographic key order and a trailing "|".
// This string — not the JSON encoding of Result — is what Sign/Verify in
// internal/identity operate over; a client reconstructs it from the JSON
// fields it receives to verify the signature independently.
func (r Result) CanonicalForm() string {
	var b strings.Builder
	b.WriteString(r.JobInputHash)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(r.ExitCode))
	b.WriteByte('|')
	b.WriteString(formatCPUSeconds(r.CPUSeconds))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(memoryPeakMB(r.MemoryPeakBytes), 10))
	b.WriteByte('|')
	for _, p := range r.Outputs.Paths() {
		b.WriteString(p)
		b.WriteByte(':')
		b.WriteString(r.Outputs[p].SHA256Hex)
		b.WriteByte('|')
	}
	return b.String()
}

// memoryPeakMB converts bytes to whole megabytes (binary, 1024*1024),
// rounding down, matching the "_mb" suffix of the canonical form's field
// name.
func memoryPeakMB(bytes int64) int64 {
	return bytes / (1024 * 1024)
}

// formatCPUSeconds renders CPU time with fixed precision so the canonical
// form never varies with Go's shortest-round-trip float formatting across
// architectures or versions.
func formatCPUSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// String implements fmt.Stringer for log lines; it is not the canonical
// signable form.
func (r Result) String() string {
	return fmt.Sprintf("job=%s exit=%d cpu=%.3fs mem_peak=%dMB timed_out=%v outputs=%d",
		r.JobID, r.ExitCode, r.CPUSeconds, memoryPeakMB(r.MemoryPeakBytes), r.TimedOut, len(r.Outputs))
}
