package notification

import "time"

// Origin names the tracer (by spid) that produced a notification, paired
// with the thread-group leader pid it belongs to.
type Origin struct {
	Pid  int
	Spid int
}

// SyscallEntry reports a syscall about to run. Exactly one can be
// outstanding per spid at a time; it is completed by the next
// syscall-stop on that spid, reported as a SyscallExit with the same
// Origin whatever its syscall number, or discarded when the tracee exits.
// An exit-stop that does not belong to the outstanding entry is not
// detected.
type SyscallEntry struct {
	Origin
	Timestamp   time.Time
	Regs        Registers
	Stack       []StackFrame
	ReturnValue int64 // filled in once the matching exit arrives
	Authorised  bool
}

// Fingerprint derives this entry's Fingerprint under the given
// backtrace-mode flag — backtrace mode uses the resolved Stack, flat mode
// uses the entry-time PC/SP from Regs.
func (e *SyscallEntry) Fingerprint(backtrace bool) Fingerprint {
	sysno := uint(0)
	if e.Regs != nil {
		sysno = e.Regs.SyscallNo()
	}
	if backtrace {
		return NewBacktraceFingerprint(sysno, e.Stack)
	}
	var pc, sp uint64
	if e.Regs != nil {
		pc, sp = e.Regs.PC(), e.Regs.SP()
	}
	return NewFlatFingerprint(sysno, pc, sp)
}

// SyscallExit reports what the kernel already did; it is always
// pre-authorised, never gated.
type SyscallExit struct {
	Origin
	Timestamp time.Time
	Regs      Registers
}

// ChildSpawn reports a clone/fork/vfork child observed on ParentSpid's
// tracer, once its pid is resolvable — strictly after the entry that
// created it was already authorised and resumed past its entry-stop.
type ChildSpawn struct {
	ParentSpid     int
	ChildPid       int
	ChildLeaderPid int // thread-group leader pid for ChildPid: itself for fork/vfork, ParentPid for clone
}

// Termination reports a tracee's death.
type Termination struct {
	Origin
	ExitStatus  int
	Signal      int // 0 if the tracee exited normally
	Coredump    bool
	WaitStatus  int32 // raw waitpid status, or < 0 if synthesized/absent
}

// HaveWaitStatus resolves Design Note / Open Question 1: treat a negative
// WaitStatus as "we only have a synthesized value", never a real kernel
// wait status.
func (t Termination) HaveWaitStatus() bool {
	return t.WaitStatus >= 0
}

// ProcessNotification is the closed four-variant sum type produced by the
// tracer. Exactly one field is non-nil.
type ProcessNotification struct {
	Entry       *SyscallEntry
	Exit        *SyscallExit
	Spawn       *ChildSpawn
	Termination *Termination
}

func EntryNotification(e *SyscallEntry) ProcessNotification {
	return ProcessNotification{Entry: e}
}

func ExitNotification(e *SyscallExit) ProcessNotification {
	return ProcessNotification{Exit: e}
}

func SpawnNotification(s *ChildSpawn) ProcessNotification {
	return ProcessNotification{Spawn: s}
}

func TerminationNotification(t *Termination) ProcessNotification {
	return ProcessNotification{Termination: t}
}

// Spid returns the originating spid regardless of which variant is set.
// For a ChildSpawn this is the parent's spid, since the spawn is reported
// on the parent tracer's stream.
func (n ProcessNotification) Spid() int {
	switch {
	case n.Entry != nil:
		return n.Entry.Spid
	case n.Exit != nil:
		return n.Exit.Spid
	case n.Spawn != nil:
		return n.Spawn.ParentSpid
	case n.Termination != nil:
		return n.Termination.Spid
	default:
		return 0
	}
}
