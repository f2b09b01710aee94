package tracer

import (
	"fmt"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nfatrace/supervisor/internal/backtrace"
	"github.com/nfatrace/supervisor/internal/notification"
)

// State is the per-tracee lifecycle state, exposed for logging and tests.
type State int

const (
	StateNew State = iota
	StateRunning
	StateDead
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateRunning:
		return "running"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// baseOptions omits PTRACE_O_TRACESECCOMP: every syscall is
// single-stepped via PTRACE_SYSCALL, no kernel filter decides which
// traps fire. The remaining flags are conditional on the CLI's
// follow-threads, follow-children and jail options.
const baseOptions = unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACEEXIT |
	unix.PTRACE_O_TRACEEXEC

// Options mirrors the CLI surface's follow-threads, follow-children and
// jail flags, translated into the ptrace options a Tracer installs.
type Options struct {
	FollowThreads  bool // PTRACE_O_TRACECLONE
	FollowChildren bool // PTRACE_O_TRACEFORK | PTRACE_O_TRACEVFORK
	Jail           bool // PTRACE_O_EXITKILL
}

// DefaultOptions matches the CLI's documented defaults: follow threads
// and children, do not jail.
func DefaultOptions() Options {
	return Options{FollowThreads: true, FollowChildren: true}
}

func (o Options) ptraceFlags() int {
	flags := baseOptions
	if o.FollowThreads {
		flags |= unix.PTRACE_O_TRACECLONE
	}
	if o.FollowChildren {
		flags |= unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK
	}
	if o.Jail {
		flags |= unix.PTRACE_O_EXITKILL
	}
	return flags
}

// Tracer is the per-thread state machine that turns one tracee's raw
// ptrace-stop events into ProcessNotification values. One Tracer exists
// per traced spid for its entire lifetime, including across execve.
type Tracer struct {
	Pid  int // thread-group leader pid
	Spid int // this thread's tid

	mem        ProcMem
	backtracer backtrace.Backtracer
	symbols    backtrace.SymbolResolver
	backtrace  bool
	opts       Options

	state   State
	execved bool
	optsSet bool

	// pending is the outstanding syscall-entry awaiting its matching
	// syscall-exit-stop. Exactly one can be outstanding at a time
	// (notification.SyscallEntry's package doc invariant).
	pending *notification.SyscallEntry
}

// NewExec constructs the Tracer for a freshly launched, not-yet-exec'd
// root tracee (the one PTRACE_TRACEME'd itself before its first execve).
func NewExec(pid int, opts Options, backtracer backtrace.Backtracer, symbols backtrace.SymbolResolver, withBacktrace bool) *Tracer {
	return &Tracer{
		Pid: pid, Spid: pid,
		mem: ProcMem{Pid: pid}, backtracer: backtracer, symbols: symbols, backtrace: withBacktrace,
		opts:  opts,
		state: StateNew,
	}
}

// NewAttach constructs the Tracer for an already-running, already-exec'd
// target reached via PTRACE_ATTACH (the --pid CLI mode).
func NewAttach(pid int, opts Options, backtracer backtrace.Backtracer, symbols backtrace.SymbolResolver, withBacktrace bool) *Tracer {
	t := NewExec(pid, opts, backtracer, symbols, withBacktrace)
	t.execved = true
	return t
}

// ForkChild constructs the Tracer for a new thread or process reported by
// a PTRACE_EVENT_CLONE/FORK/VFORK on some other, already-tracked Tracer.
// leaderPid is the child's own pid if it is a new thread-group (fork,
// vfork) or the parent's Pid if it is a same-group clone (thread).
func ForkChild(spid, leaderPid int, opts Options, backtracer backtrace.Backtracer, symbols backtrace.SymbolResolver, withBacktrace bool) *Tracer {
	return &Tracer{
		Pid: leaderPid, Spid: spid,
		mem: ProcMem{Pid: spid}, backtracer: backtracer, symbols: symbols, backtrace: withBacktrace,
		opts:  opts,
		state: StateNew, execved: true,
	}
}

// CurrentState reports this tracee's lifecycle state.
func (t *Tracer) CurrentState() State { return t.state }

// Init installs ptrace options on this tracee's first observed stop,
// matching setPtraceOption's one-time call per newly traced pid.
func (t *Tracer) Init() error {
	if t.optsSet {
		return nil
	}
	if err := unix.PtraceSetOptions(t.Spid, t.opts.ptraceFlags()); err != nil {
		return fmt.Errorf("tracer: set ptrace options for %d: %w", t.Spid, err)
	}
	t.optsSet = true
	t.state = StateRunning
	return nil
}

// Handle dispatches one wait4-reported status change for this tracee.
//
// When the returned notification carries an Entry, the tracee is left
// stopped: the caller must run it through the authoriser and then call
// Proceed or Kill explicitly. For every other outcome (no notification,
// an Exit, or a Termination) Handle has already resumed or the tracee is
// already gone — the caller has nothing further to do for this event.
func (t *Tracer) Handle(wstatus unix.WaitStatus) (notification.ProcessNotification, error) {
	switch {
	case wstatus.Exited():
		t.state = StateDead
		term := &notification.Termination{
			Origin:     notification.Origin{Pid: t.Pid, Spid: t.Spid},
			ExitStatus: wstatus.ExitStatus(),
			WaitStatus: int32(wstatus),
		}
		return notification.TerminationNotification(term), nil

	case wstatus.Signaled():
		t.state = StateDead
		term := &notification.Termination{
			Origin:     notification.Origin{Pid: t.Pid, Spid: t.Spid},
			Signal:     int(wstatus.Signal()),
			Coredump:   wstatus.CoreDump(),
			WaitStatus: int32(wstatus),
		}
		return notification.TerminationNotification(term), nil

	case wstatus.Stopped():
		if !t.optsSet {
			if err := t.Init(); err != nil {
				return notification.ProcessNotification{}, err
			}
		}
		return t.handleStop(wstatus)

	default:
		return notification.ProcessNotification{}, nil
	}
}

func (t *Tracer) handleStop(wstatus unix.WaitStatus) (notification.ProcessNotification, error) {
	sig := wstatus.StopSignal()

	if sig == unix.SIGTRAP|0x80 {
		return t.handleSyscallStop()
	}

	if sig == unix.SIGTRAP {
		event := (wstatus.TrapCause() >> 8) & 0xff
		switch event {
		case unix.PTRACE_EVENT_EXEC:
			t.execved = true
			// The outstanding entry (the execve itself) stays pending: the
			// kernel reports its syscall-exit-stop after this event stop.
			return notification.ProcessNotification{}, t.resume(0)

		case unix.PTRACE_EVENT_CLONE, unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
			// This stop arrives strictly after the clone/fork/vfork entry
			// was already authorised and resumed, so the child's pid can
			// never be folded back into that already-dispatched Entry
			// notification. Report it as its own notification instead,
			// resolved here before anything is handed onward.
			childPid, err := unix.PtraceGetEventMsg(t.Spid)
			if err != nil {
				return notification.ProcessNotification{}, t.resume(0)
			}
			childLeaderPid := int(childPid)
			if event == unix.PTRACE_EVENT_CLONE {
				childLeaderPid = t.Pid
			}
			spawn := &notification.ChildSpawn{
				ParentSpid:     t.Spid,
				ChildPid:       int(childPid),
				ChildLeaderPid: childLeaderPid,
			}
			if err := t.resume(0); err != nil {
				return notification.ProcessNotification{}, err
			}
			return notification.SpawnNotification(spawn), nil

		case unix.PTRACE_EVENT_EXIT:
			// The tracee is about to die; PTRACE_GETEVENTMSG reports the
			// status it will exit with, encoded the same way a wait4
			// status is. No further syscall-exit-stop follows for
			// whatever was pending, so report termination now rather
			// than waiting on a final WIFEXITED that ptrace does not
			// guarantee to deliver.
			msg, err := unix.PtraceGetEventMsg(t.Spid)
			if err != nil {
				return notification.ProcessNotification{}, t.resume(0)
			}
			t.pending = nil
			t.state = StateDead
			ws := unix.WaitStatus(msg)
			term := &notification.Termination{
				Origin:     notification.Origin{Pid: t.Pid, Spid: t.Spid},
				WaitStatus: int32(msg),
			}
			if ws.Signaled() {
				term.Signal = int(ws.Signal())
				term.Coredump = ws.CoreDump()
			} else {
				term.ExitStatus = ws.ExitStatus()
			}
			if err := t.resume(0); err != nil {
				return notification.ProcessNotification{}, err
			}
			return notification.TerminationNotification(term), nil

		default:
			return notification.ProcessNotification{}, t.resume(0)
		}
	}

	// A genuine signal-delivery-stop: re-inject the signal on resume
	// rather than swallowing it.
	return notification.ProcessNotification{}, t.resume(int(sig))
}

func (t *Tracer) handleSyscallStop() (notification.ProcessNotification, error) {
	var pregs syscall.PtraceRegs
	if err := syscall.PtraceGetRegs(t.Spid, &pregs); err != nil {
		return notification.ProcessNotification{}, fmt.Errorf("tracer: get regs for %d: %w", t.Spid, err)
	}
	regs := notification.FromPtrace(pregs)

	if t.pending == nil {
		entry := &notification.SyscallEntry{
			Origin:    notification.Origin{Pid: t.Pid, Spid: t.Spid},
			Timestamp: time.Now(),
			Regs:      regs,
		}
		if t.backtracer != nil {
			entry.Stack = t.backtracer.Unwind(t.mem, t.symbols, regs)
		}
		t.pending = entry
		return notification.EntryNotification(entry), nil
	}

	t.pending.ReturnValue = int64(regs.ReturnValue())
	exit := &notification.SyscallExit{
		Origin:    notification.Origin{Pid: t.Pid, Spid: t.Spid},
		Timestamp: time.Now(),
		Regs:      regs,
	}
	t.pending = nil
	if err := t.resume(0); err != nil {
		return notification.ProcessNotification{}, err
	}
	return notification.ExitNotification(exit), nil
}

// Proceed resumes this tracee to its next syscall-stop, optionally
// re-injecting a pending signal. Call it only after handling an Entry
// notification from Handle.
func (t *Tracer) Proceed(sig int) error {
	return t.resume(sig)
}

// Kill terminates this tracee outright, used by the authoriser's policy
// callback to enforce a Kill Decision on an unauthorised or non-final
// entry.
func (t *Tracer) Kill() error {
	if err := unix.Kill(t.Spid, unix.SIGKILL); err != nil {
		return fmt.Errorf("tracer: kill %d: %w", t.Spid, err)
	}
	t.state = StateDead
	return nil
}

func (t *Tracer) resume(sig int) error {
	if err := syscall.PtraceSyscall(t.Spid, sig); err != nil {
		return fmt.Errorf("tracer: resume %d: %w", t.Spid, err)
	}
	return nil
}

// ExtractString reads a NUL-terminated string argument from this
// tracee's memory, capped at max bytes.
func (t *Tracer) ExtractString(addr uint64, max int) (string, error) {
	return t.mem.ExtractString(addr, max)
}

// ExtractBytes reads a fixed-size byte argument from this tracee's
// memory.
func (t *Tracer) ExtractBytes(addr uint64, n int) ([]byte, error) {
	return t.mem.ExtractBytes(addr, n)
}
