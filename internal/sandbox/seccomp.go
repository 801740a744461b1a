package sandbox

import (
	"encoding/json"
	"os"
)

// Profile is a Docker/runc seccomp profile. The JSON shape is
// grounded on the apex-build-platform reference sandbox's
// SeccompProfile/SeccompSyscall/SeccompArg types, trimmed from that
// reference's several-hundred-syscall allowlist down to spec.md §4.6
// point 3's budget ("an allowlist of ≤~60 syscalls sufficient for
// interpreted workloads").
type Profile struct {
	DefaultAction string     `json:"defaultAction"`
	Architectures []string   `json:"architectures"`
	Syscalls      []Syscall  `json:"syscalls"`
}

// Syscall is one allow/deny rule within a Profile.
type Syscall struct {
	Names  []string `json:"names"`
	Action string   `json:"action"`
	Args   []Arg    `json:"args,omitempty"`
}

// Arg is a conditional match on one syscall argument. GenerateProfile
// emits no argument conditions: every allowlisted syscall is allowed
// unconditionally, and ptrace is not allowed in any form.
type Arg struct {
	Index int    `json:"index"`
	Value uint64 `json:"value"`
	Op    string `json:"op"`
}

// interpretedWorkloadAllowlist is the syscall set allowed for sandboxed
// children, per spec.md §4.6 point 3's example set (read, write,
// open/openat, close, mmap, brk, exit, clock/gettime, futex, …) extended
// just far enough to run CPython/Node/a POSIX shell without touching
// mount, module-loading, or raw-socket syscalls.
var interpretedWorkloadAllowlist = []string{
	"read", "write",
	"open", "openat", "close", "stat", "fstat", "newfstatat",
	"lseek", "mmap", "mprotect", "munmap", "brk",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
	"access", "faccessat", "pipe", "select", "poll",
	"dup",
	"nanosleep", "clock_gettime",
	"getpid",
	"exit", "exit_group", "wait4",
	"fcntl", "ioctl",
	"getdents64", "getcwd", "chdir",
	"mkdir", "mkdirat", "rmdir", "unlink", "unlinkat", "rename", "renameat",
	"readlink", "readlinkat", "chmod", "fchmod",
	"getrandom", "futex",
	"set_tid_address", "arch_prctl", "prlimit64",
	"execve", "execveat", "clone", "fork", "vfork",
}

// GenerateProfile builds the Profile sandrun applies to every job
// container. defaultAction KILL_PROCESS means any syscall outside the
// allowlist terminates the whole container with SIGSYS, per spec.md §4.6
// point 3's "killed with a distinct signal, recorded as blocked_syscall" —
// ERRNO would instead hand the call's failure back to the child as an
// ordinary errno, which is indistinguishable from the child's own
// non-zero-exit logic and defeats the disposition table's blocked_syscall
// outcome entirely. ptrace and the mount-family calls need no separate
// entry: they are simply absent from the allowlist, so the same
// KILL_PROCESS default reaches them.
func GenerateProfile() Profile {
	return Profile{
		DefaultAction: "SCMP_ACT_KILL_PROCESS",
		Architectures: []string{"SCMP_ARCH_X86_64", "SCMP_ARCH_AARCH64"},
		Syscalls: []Syscall{
			{Names: interpretedWorkloadAllowlist, Action: "SCMP_ACT_ALLOW"},
		},
	}
}

// WriteProfile serializes a Profile to path as the JSON file Docker's
// `--security-opt seccomp=<path>` expects.
func WriteProfile(path string, p Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
