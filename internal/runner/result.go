package runner

import (
	"fmt"
	"time"
)

// Result is the terminal outcome of one supervised run, reported once the
// root tracee and every descendant it spawned have exited.
type Result struct {
	Status            // terminal status
	ExitStatus int    // exit code, or signal number if Status is StatusSignalled
	Error      string // detail for StatusRunnerError

	Time   time.Duration // aggregate CPU time across every traced thread
	Memory Size          // peak RSS across every traced thread

	SetUpTime   time.Duration // time spent forking and attaching the root tracee
	RunningTime time.Duration // wall-clock time from first exec to last exit
}

func (r Result) String() string {
	switch r.Status {
	case StatusNormal:
		return fmt.Sprintf("Result[%v %v][%v %v]", r.Time, r.Memory, r.SetUpTime, r.RunningTime)

	case StatusSignalled:
		return fmt.Sprintf("Result[Signalled(%d)][%v %v][%v %v]", r.ExitStatus, r.Time, r.Memory, r.SetUpTime, r.RunningTime)

	case StatusRunnerError:
		return fmt.Sprintf("Result[RunnerFailed(%s)][%v %v][%v %v]", r.Error, r.Time, r.Memory, r.SetUpTime, r.RunningTime)

	default:
		return fmt.Sprintf("Result[%v(%s %d)][%v %v][%v %v]", r.Status, r.Error, r.ExitStatus, r.Time, r.Memory, r.SetUpTime, r.RunningTime)
	}
}
