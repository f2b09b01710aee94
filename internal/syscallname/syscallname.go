// Package syscallname resolves kernel syscall numbers to their symbolic
// names for the current architecture, and knows which syscalls terminate a
// thread (used by the authoriser's not-final check).
package syscallname

import (
	"fmt"

	"github.com/elastic/go-seccomp-bpf/arch"
)

var info, errInfo = arch.GetInfo("")

// ToName resolves a syscall number to its name on the running architecture.
func ToName(sysno uint) (string, error) {
	if errInfo != nil {
		return "", errInfo
	}
	n, ok := info.SyscallNumbers[int(sysno)]
	if !ok {
		return "", fmt.Errorf("syscall no %d does not exist", sysno)
	}
	return n, nil
}

// exitSyscalls names the syscalls that never return to the tracee: a
// SyscallEntry fingerprint for one of these must land the thread on a
// final automaton state.
var exitSyscalls = map[string]bool{
	"exit":       true,
	"exit_group": true,
}

// IsExit reports whether sysno names a thread/process-terminating syscall.
func IsExit(sysno uint) bool {
	name, err := ToName(sysno)
	if err != nil {
		return false
	}
	return exitSyscalls[name]
}
