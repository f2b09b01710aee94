package tracer

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNew, "new"},
		{StateRunning, "running"},
		{StateDead, "dead"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestNewExecStartsUnexeced(t *testing.T) {
	tr := NewExec(1234, DefaultOptions(), nil, nil, false)
	if tr.execved {
		t.Error("NewExec tracer should start with execved=false")
	}
	if tr.CurrentState() != StateNew {
		t.Errorf("CurrentState() = %v, want %v", tr.CurrentState(), StateNew)
	}
	if tr.Pid != 1234 || tr.Spid != 1234 {
		t.Errorf("NewExec Pid/Spid = %d/%d, want 1234/1234", tr.Pid, tr.Spid)
	}
}

func TestNewAttachStartsExeced(t *testing.T) {
	tr := NewAttach(1234, DefaultOptions(), nil, nil, false)
	if !tr.execved {
		t.Error("NewAttach tracer should start with execved=true")
	}
}

func TestForkChildStartsExeced(t *testing.T) {
	tr := ForkChild(5678, 1234, DefaultOptions(), nil, nil, false)
	if !tr.execved {
		t.Error("ForkChild tracer should start with execved=true")
	}
	if tr.Pid != 1234 || tr.Spid != 5678 {
		t.Errorf("ForkChild Pid/Spid = %d/%d, want 1234/5678", tr.Pid, tr.Spid)
	}
}

func TestOptionsPtraceFlags(t *testing.T) {
	all := Options{FollowThreads: true, FollowChildren: true, Jail: true}
	flags := all.ptraceFlags()
	for _, want := range []int{unix.PTRACE_O_TRACECLONE, unix.PTRACE_O_TRACEFORK, unix.PTRACE_O_TRACEVFORK, unix.PTRACE_O_EXITKILL, unix.PTRACE_O_TRACESYSGOOD} {
		if flags&want == 0 {
			t.Errorf("ptraceFlags() = %#x, missing flag %#x", flags, want)
		}
	}

	none := Options{}
	flags = none.ptraceFlags()
	for _, unwanted := range []int{unix.PTRACE_O_TRACECLONE, unix.PTRACE_O_TRACEFORK, unix.PTRACE_O_TRACEVFORK, unix.PTRACE_O_EXITKILL} {
		if flags&unwanted != 0 {
			t.Errorf("ptraceFlags() = %#x, unexpectedly set flag %#x", flags, unwanted)
		}
	}
}
