// Package job defines the job data model (spec.md §3): JobManifest, Job and
// its status state machine, the canonical JobInputHash encoding, and the
// signable ResultDescriptor.
//
// None of this exists in the teacher repo — dupedog has no notion of a
// submitted unit of work — so the shapes here are taken directly from
// spec.md §3, with the canonical-encoding and state-machine disciplines
// written the way the teacher writes its own invariant-heavy types
// (internal/types.Sorted, internal/deduper.DedupeResult): small structs,
// explicit validation (Manifest.Validate, Job.Advance), and plain stdlib
// errors.
package job

import (
	"fmt"
)

// Default and ceiling values from spec.md §3.
const (
	DefaultTimeoutSeconds = 300
	DefaultMemoryMB       = 512
	DefaultCPUSeconds     = 60 // derived default: a fifth of the default wall timeout

	MaxTimeoutSeconds = 3600
	MaxMemoryMB       = 8192
)

// Manifest is the JobManifest of spec.md §3: the submitter-provided
// configuration for one job.
type Manifest struct {
	Entrypoint     string   `json:"entrypoint"`
	Interpreter    string   `json:"interpreter"`
	Args           []string `json:"args,omitempty"`
	EnvTemplate    string   `json:"env_template,omitempty"`
	Outputs        []string `json:"outputs,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	MemoryMB       int      `json:"memory_mb,omitempty"`
	CPUSeconds     int      `json:"cpu_seconds,omitempty"`
	Requirements   string   `json:"requirements,omitempty"`
}

// ClampWarning describes one field sandrun silently clamped rather than
// rejecting, per spec.md §3's invariant: "memory_mb ≤ system_max,
// timeout_seconds ≤ system_max; both are clamped with a warning rather than
// rejected."
type ClampWarning struct {
	Field    string
	Original int
	Clamped  int
}

func (w ClampWarning) String() string {
	return fmt.Sprintf("%s: %d clamped to %d", w.Field, w.Original, w.Clamped)
}

// Normalize fills in defaults for unset fields and clamps any field that
// exceeds the system maximum, returning the warnings produced (nil if
// none). Normalize never returns an error: out-of-range manifests are
// corrected, not rejected, per spec.md §3.
func (m *Manifest) Normalize() []ClampWarning {
	var warnings []ClampWarning

	if m.TimeoutSeconds <= 0 {
		m.TimeoutSeconds = DefaultTimeoutSeconds
	} else if m.TimeoutSeconds > MaxTimeoutSeconds {
		warnings = append(warnings, ClampWarning{"timeout_seconds", m.TimeoutSeconds, MaxTimeoutSeconds})
		m.TimeoutSeconds = MaxTimeoutSeconds
	}

	if m.MemoryMB <= 0 {
		m.MemoryMB = DefaultMemoryMB
	} else if m.MemoryMB > MaxMemoryMB {
		warnings = append(warnings, ClampWarning{"memory_mb", m.MemoryMB, MaxMemoryMB})
		m.MemoryMB = MaxMemoryMB
	}

	if m.CPUSeconds <= 0 {
		m.CPUSeconds = DefaultCPUSeconds
	} else if m.CPUSeconds > MaxTimeoutSeconds {
		warnings = append(warnings, ClampWarning{"cpu_seconds", m.CPUSeconds, MaxTimeoutSeconds})
		m.CPUSeconds = MaxTimeoutSeconds
	}

	return warnings
}

// Validate checks the required fields are present. Called after Normalize.
func (m *Manifest) Validate() error {
	if m.Entrypoint == "" {
		return fmt.Errorf("job: manifest missing required field %q", "entrypoint")
	}
	if m.Interpreter == "" {
		return fmt.Errorf("job: manifest missing required field %q", "interpreter")
	}
	return nil
}
