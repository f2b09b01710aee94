package forkexec

import (
	"github.com/nfatrace/supervisor/internal/rlimit"
)

// Runner configures and starts the tracee: a child that calls
// PTRACE_TRACEME and stops on its own execve, ready for a Tracer to
// attach to it.
type Runner struct {
	// Args and Env back the child's execve. Args[0] is the path to the
	// program; Env entries are "KEY=VALUE".
	Args []string
	Env  []string

	// ExecFile, if set, execs via fd rather than a path (fexecve).
	ExecFile uintptr

	// RLimits are applied with prlimit64 before execve.
	RLimits []rlimit.RLimit

	// Files maps the child's descriptor table; index 0,1,2 are normally
	// stdin, stdout, stderr.
	Files []uintptr

	// WorkDir chdir's the child before execve, if set.
	WorkDir string

	// SyncFunc, if set, is called with the child's pid after fork but
	// before execve, so the caller can finish setup (e.g. install the
	// Tracer) while CPU accounting hasn't started yet. A non-nil error
	// aborts the child before it execs.
	SyncFunc func(int) error

	// Ptrace makes the child call ptrace(PTRACE_TRACEME). The caller
	// must already hold runtime.LockOSThread: the tracer relationship
	// binds to whichever thread forks this child, and every later
	// ptrace/wait4 call for it must originate from that same thread.
	Ptrace bool
}
