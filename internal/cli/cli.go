// Package cli wires the tracer, manager, fingerprint map, automaton
// and authoriser together into one supervised run, so the orchestration
// is testable independently of cmd/nfatrace's os.Args handling.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/nfatrace/supervisor/internal/authorizer"
	"github.com/nfatrace/supervisor/internal/automaton"
	"github.com/nfatrace/supervisor/internal/backtrace"
	"github.com/nfatrace/supervisor/internal/config"
	"github.com/nfatrace/supervisor/internal/decoder"
	"github.com/nfatrace/supervisor/internal/fingerprint"
	"github.com/nfatrace/supervisor/internal/forkexec"
	"github.com/nfatrace/supervisor/internal/manager"
	"github.com/nfatrace/supervisor/internal/runner"
	"github.com/nfatrace/supervisor/internal/tracer"
)

// Sentinel error categories for the top-level driver. Tracee-local
// failures are logged and do not reach these. Persistence failures are
// wrapped in ErrPersistence; nothing in this package returns
// ErrFleetFatal, since a wait4 failure in the manager is logged there and
// ends the run after every tracee is killed.
var (
	ErrFleetFatal  = errors.New("fleet-fatal error")
	ErrPersistence = errors.New("failed to persist automaton or associations")
)

// noSymbols is used when a tracee's /proc/PID/maps could not be read
// (e.g. it exited before NewProcSymbols ran); backtraces still resolve
// to the synthetic pc@offset frame the Fingerprint machinery falls back
// to when the resolver says it does not know a pc.
type noSymbols struct{}

func (noSymbols) Resolve(uint64) (string, uint64, bool) { return "", 0, false }

// Run executes one supervised run to completion: it launches or attaches
// to the root tracee, drives the TracingManager's notification stream
// through the Authoriser, and persists the learned (or checked) policy
// before returning.
func Run(ctx context.Context, cfg config.Config, log *zap.Logger) runner.Result {
	setup := time.Now()

	if err := validate(cfg); err != nil {
		return runner.Result{Status: runner.StatusRunnerError, Error: err.Error()}
	}

	mode := authorizer.Enforce
	if cfg.Learn {
		mode = authorizer.Learning
	}
	fmap, auto, err := loadPolicy(cfg, mode)
	if err != nil {
		return runner.Result{Status: runner.StatusRunnerError, Error: err.Error()}
	}

	var lastViolation error
	auth := authorizer.New(mode, cfg.Backtrace, fmap, auto, func(v authorizer.Violation) authorizer.Decision {
		return interactivePolicy(log, cfg.Authorizer, v)
	})

	opts := tracer.Options{FollowThreads: cfg.FollowThreads, FollowChildren: cfg.FollowChildren, Jail: cfg.Jail}

	mgrCh := make(chan *manager.Manager, 1)
	setupErrCh := make(chan error, 1)

	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		pid, execName, err := launch(cfg)
		if err != nil {
			setupErrCh <- err
			close(mgrCh)
			return
		}

		symbols, err := backtrace.NewProcSymbols(pid)
		if err != nil {
			log.Warn("failed to read tracee memory map, backtraces will use raw addresses", zap.Int("pid", pid), zap.Error(err))
			symbols = noSymbols{}
		}
		bt := backtrace.New()
		m := manager.New(log.Named("manager"), bt, symbols, cfg.Backtrace, opts)
		m.SetDecoders(decoder.New())

		var root *tracer.Tracer
		if cfg.Pid != 0 {
			root = tracer.NewAttach(pid, opts, bt, symbols, cfg.Backtrace)
		} else {
			root = tracer.NewExec(pid, opts, bt, symbols, cfg.Backtrace)
		}
		auth.SetExecutable(root.Spid, execName)
		m.AddTracer(root)

		mgrCh <- m
		close(mgrCh)

		m.Run()
	}()

	mgr, ok := <-mgrCh
	if !ok {
		return runner.Result{Status: runner.StatusRunnerError, Error: (<-setupErrCh).Error()}
	}

	// SIGINT (relayed through ctx by the caller) kills every tracee and
	// lets the notification loop below drain to a natural close, rather
	// than tearing down mid-trace.
	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			mgr.KillAll()
		case <-stopWatch:
		}
	}()

	running := time.Now()
	for n := range mgr.Notifications {
		if err := auth.Process(n); err != nil {
			lastViolation = err
			mgr.Kill(n.Spid())
			continue
		}
		if n.Entry != nil {
			mgr.Authorize(n.Spid(), 0)
		}
		if n.Termination != nil {
			auth.Forget(n.Spid())
		}
	}

	result := runner.Result{
		Status:      runner.StatusNormal,
		SetUpTime:   running.Sub(setup),
		RunningTime: time.Since(running),
	}
	if lastViolation != nil {
		result.Status = classifyViolation(lastViolation)
		result.Error = lastViolation.Error()
	}

	if err := persist(cfg, auth); err != nil {
		if result.Status == runner.StatusNormal {
			result.Status = runner.StatusRunnerError
		}
		result.Error = fmt.Errorf("%w: %v", ErrPersistence, err).Error()
	}
	return result
}

func validate(cfg config.Config) error {
	switch {
	case cfg.Pid != 0 && len(cfg.Run) > 0:
		return errors.New("cli: pid and run are mutually exclusive")
	case cfg.Pid == 0 && len(cfg.Run) == 0:
		return errors.New("cli: one of pid or run is required")
	}
	return nil
}

// launch starts the root tracee (fork+PTRACE_TRACEME+execve) in run
// mode, or simply resolves the target for attach mode. Must run on a
// goroutine already pinned to its OS thread with runtime.LockOSThread,
// since the tracee's tracer relationship is tied to this specific
// thread for the rest of the run (forkexec.Runner.Start's contract).
func launch(cfg config.Config) (pid int, execName string, err error) {
	if cfg.Pid != 0 {
		return cfg.Pid, execNameFor(cfg.Pid), nil
	}
	r := &forkexec.Runner{
		Args:   cfg.Run,
		Env:    os.Environ(),
		Files:  []uintptr{0, 1, 2},
		Ptrace: true,
	}
	pid, err = r.Start()
	if err != nil {
		return 0, "", fmt.Errorf("cli: launch %v: %w", cfg.Run, err)
	}
	return pid, cfg.Run[0], nil
}

func execNameFor(pid int) string {
	link, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return fmt.Sprintf("pid-%d", pid)
	}
	return link
}

func classifyViolation(err error) runner.Status {
	if errors.Is(err, authorizer.ErrKilledNonFinal) {
		return runner.StatusNonFinalState
	}
	return runner.StatusDisallowedSyscall
}

func loadPolicy(cfg config.Config, mode authorizer.Mode) (*fingerprint.Map, *automaton.Automaton, error) {
	if mode == authorizer.Learning {
		return fingerprint.New(), automaton.New(), nil
	}
	fmap := fingerprint.New()
	if f, err := os.Open(cfg.AssociationsPath); err == nil {
		defer f.Close()
		if err := fmap.Load(f); err != nil {
			return nil, nil, fmt.Errorf("cli: load associations: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("cli: open associations: %w", err)
	}

	var auto *automaton.Automaton
	if f, err := os.Open(cfg.NFAPath); err == nil {
		defer f.Close()
		auto, err = automaton.Deserialize(f)
		if err != nil {
			return nil, nil, fmt.Errorf("cli: load automaton: %w", err)
		}
	} else if os.IsNotExist(err) {
		auto = automaton.New()
	} else {
		return nil, nil, fmt.Errorf("cli: open automaton: %w", err)
	}
	return fmap, auto, nil
}

func persist(cfg config.Config, auth *authorizer.Authoriser) error {
	nfaFile, err := os.Create(cfg.NFAPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", cfg.NFAPath, err)
	}
	defer nfaFile.Close()

	assocFile, err := os.Create(cfg.AssociationsPath)
	if err != nil {
		return fmt.Errorf("create %s: %w", cfg.AssociationsPath, err)
	}
	defer assocFile.Close()

	if err := auth.Terminate(nfaFile, assocFile); err != nil {
		return err
	}

	if cfg.DotPath != "" {
		dot, err := os.Create(cfg.DotPath)
		if err != nil {
			return fmt.Errorf("create %s: %w", cfg.DotPath, err)
		}
		defer dot.Close()
		if _, err := dot.WriteString(dotFromAuthoriser(auth)); err != nil {
			return fmt.Errorf("write %s: %w", cfg.DotPath, err)
		}
	}
	return nil
}

// interactivePolicy is the default PolicyCallback: in enforce mode with
// the authoriser active it prompts the operator on stdin; otherwise it
// always admits, matching learning mode's "everything observed is
// policy" semantics.
func interactivePolicy(log *zap.Logger, active bool, v authorizer.Violation) authorizer.Decision {
	if !active {
		return authorizer.Admit
	}
	log.Warn("policy violation",
		zap.Int("spid", v.Spid),
		zap.String("executable", v.Executable),
		zap.Int("kind", int(v.Kind)),
	)
	return promptOperator(v)
}
