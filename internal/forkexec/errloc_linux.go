package forkexec

import (
	"fmt"
	"syscall"
)

// ErrorLocation pinpoints which step of child setup failed.
type ErrorLocation int

// ChildError is what the child reports back over its sync pipe when
// setup fails before execve.
type ChildError struct {
	Err      syscall.Errno
	Location ErrorLocation
	Index    int // set for indexed operations, e.g. which RLimit entry
}

const (
	LocClone      ErrorLocation = iota + 1
	LocCloseWrite
	LocGetPid
	LocDup3
	LocFcntl
	LocSetSid
	LocChdir
	LocSetRlimit
	LocPtraceMe
	LocSyncWrite
	LocSyncRead
	LocExecve
)

var locToString = []string{
	"unknown",
	"clone",
	"close_write",
	"getpid",
	"dup3",
	"fcntl",
	"setsid",
	"chdir",
	"setrlimit",
	"ptrace_me",
	"sync_write",
	"sync_read",
	"execve",
}

func (e ErrorLocation) String() string {
	if e >= LocClone && e <= LocExecve {
		return locToString[e]
	}
	return "unknown"
}

func (e ChildError) Error() string {
	if e.Index > 0 {
		return fmt.Sprintf("%s(%d): %s", e.Location.String(), e.Index, e.Err.Error())
	}
	return fmt.Sprintf("%s: %s", e.Location.String(), e.Err.Error())
}
