// Package manager implements the single pinned worker thread that owns
// every ptrace call for a run, dispatching wait4-reported stops to the
// right per-spid Tracer and forwarding the resulting notifications to
// the authoriser.
package manager

import (
	"os"
	"os/signal"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/nfatrace/supervisor/internal/backtrace"
	"github.com/nfatrace/supervisor/internal/decoder"
	"github.com/nfatrace/supervisor/internal/notification"
	"github.com/nfatrace/supervisor/internal/tracer"
)

// ProceedRequest authorises one spid's pending syscall entry to continue,
// optionally re-injecting a signal.
type ProceedRequest struct {
	Spid int
	Sig  int
}

// Manager is the TracingManager: it owns the tracers map and every ptrace
// syscall, all from the single OS thread Run locks itself to. Every other
// field is only ever touched from that thread once Run starts; external
// callers communicate exclusively through the channels below.
type Manager struct {
	log *zap.Logger

	backtracer backtrace.Backtracer
	symbols    backtrace.SymbolResolver
	withStack  bool
	opts       tracer.Options

	attachWait chan *tracer.Tracer
	proceed    chan ProceedRequest
	killAllReq chan struct{}
	killReq    chan int

	Notifications chan notification.ProcessNotification

	tid int

	tracers          map[int]*tracer.Tracer
	possibleChildren map[int]unix.WaitStatus

	decoders *decoder.Registry
}

// SetDecoders installs the syscall-argument decoders used to render a
// debug-level log line for each syscall entry, matching
// TracingManager's decoder dispatch at WaitForAuthorisation. Optional:
// a nil registry (the default) skips decoding entirely.
func (m *Manager) SetDecoders(r *decoder.Registry) {
	m.decoders = r
}

// New constructs a Manager. Call AddTracer with the root tracer, then Run
// on a goroutine that will own it for the rest of the trace session. opts
// is applied to every tracer the Manager itself constructs (adopted
// clone/fork/vfork children); the caller is responsible for applying the
// same opts to the root tracer it passes to AddTracer.
func New(log *zap.Logger, backtracer backtrace.Backtracer, symbols backtrace.SymbolResolver, withStack bool, opts tracer.Options) *Manager {
	return &Manager{
		log:              log,
		backtracer:       backtracer,
		symbols:          symbols,
		withStack:        withStack,
		opts:             opts,
		attachWait:       make(chan *tracer.Tracer, 16),
		proceed:          make(chan ProceedRequest, 64),
		killAllReq:       make(chan struct{}, 1),
		killReq:          make(chan int, 16),
		Notifications:    make(chan notification.ProcessNotification, 64),
		tracers:          map[int]*tracer.Tracer{},
		possibleChildren: map[int]unix.WaitStatus{},
	}
}

// AddTracer enqueues a new tracer for the worker thread to adopt. The
// very first call seeds Run's initial attach; later calls wake an
// already-running worker with SIGUSR2, matching TracingManager::addTracer.
func (m *Manager) AddTracer(t *tracer.Tracer) {
	m.attachWait <- t
	m.wake(unix.SIGUSR2)
}

// Authorize tells the worker thread that spid's pending syscall entry may
// proceed, matching TracingManager::authorize's SIGUSR1 signal.
func (m *Manager) Authorize(spid, sig int) {
	m.proceed <- ProceedRequest{Spid: spid, Sig: sig}
	m.wake(unix.SIGUSR1)
}

// Kill asks the worker thread to SIGKILL one tracee.
func (m *Manager) Kill(spid int) {
	m.killReq <- spid
	m.wake(unix.SIGUSR1)
}

// KillAll asks the worker thread to SIGKILL every tracee, matching
// TracingManager::kill_process(-1) used when the authoriser hits an
// unrecoverable violation.
func (m *Manager) KillAll() {
	select {
	case m.killAllReq <- struct{}{}:
	default:
	}
	m.wake(unix.SIGUSR1)
}

// wake is a no-op before the worker thread has recorded its tid; an
// unwoken command sent that early stays queued and is picked up when the
// worker drains its queues after the first wait4 return.
func (m *Manager) wake(sig unix.Signal) {
	if m.tid == 0 {
		return
	}
	if err := unix.Tgkill(os.Getpid(), m.tid, sig); err != nil {
		m.log.Warn("failed to signal worker thread", zap.Int("tid", m.tid), zap.Error(err))
	}
}

// Run is the TracingManager worker loop. It must be called on its own
// goroutine; it locks that goroutine to its OS thread for its entire
// lifetime because every ptrace call must originate from the thread that
// attached (or inherited) the tracee.
func (m *Manager) Run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	m.tid = unix.Gettid()

	usr1 := make(chan os.Signal, 1)
	usr2 := make(chan os.Signal, 1)
	signal.Notify(usr1, unix.SIGUSR1)
	signal.Notify(usr2, unix.SIGUSR2)
	defer signal.Stop(usr1)
	defer signal.Stop(usr2)

	var first *tracer.Tracer
	for first == nil {
		candidate := <-m.attachWait
		if err := candidate.Init(); err != nil {
			m.log.Error("failed to initialise tracer, dropping", zap.Int("spid", candidate.Spid), zap.Error(err))
			continue
		}
		first = candidate
	}
	m.tracers[first.Spid] = first
	m.log.Info("tracing manager started", zap.Int("root_spid", first.Spid))

	for len(m.tracers) > 0 {
		var wstatus unix.WaitStatus
		var rusage unix.Rusage
		spid, err := unix.Wait4(-1, &wstatus, unix.WALL, &rusage)
		if err == unix.EINTR {
			m.drainAttach()
			m.drainCommands()
			continue
		}
		if err != nil {
			m.log.Error("wait4 failed, killing every tracee", zap.Error(err))
			m.killAll()
			break
		}

		m.drainAttach()
		m.drainCommands()

		t, ok := m.tracers[spid]
		if !ok {
			m.log.Warn("status received for an unknown spid, buffering", zap.Int("spid", spid))
			m.possibleChildren[spid] = wstatus
			continue
		}

		n, err := t.Handle(wstatus)
		if err != nil {
			m.log.Error("tracer failed to handle stop", zap.Int("spid", spid), zap.Error(err))
			continue
		}

		switch {
		case n.Entry != nil:
			if m.decoders != nil {
				if line, ok := m.decoders.Decode(n.Entry, t); ok {
					m.log.Debug("syscall entry", zap.Int("spid", spid), zap.String("call", line))
				}
			}
			m.Notifications <- n
		case n.Exit != nil:
			m.Notifications <- n
		case n.Spawn != nil:
			m.adoptChild(t, n.Spawn.ChildPid, n.Spawn.ChildLeaderPid)
			m.Notifications <- n
		case n.Termination != nil:
			delete(m.tracers, spid)
			m.Notifications <- n
		}
	}

	if len(m.possibleChildren) > 0 {
		m.log.Warn("statuses received with no matching tracer at shutdown", zap.Int("count", len(m.possibleChildren)))
	}
	close(m.Notifications)
}

// adoptChild constructs and registers the Tracer for a just-observed
// clone/fork/vfork child, replaying a status that arrived before the
// child's own Tracer existed (the possibleChildren race between a new
// child's first stop and the parent's spawn-resolving event-stop).
func (m *Manager) adoptChild(parent *tracer.Tracer, childSpid, childLeaderPid int) {
	child := tracer.ForkChild(childSpid, childLeaderPid, m.opts, m.backtracer, m.symbols, m.withStack)
	if err := child.Init(); err != nil {
		m.log.Error("failed to initialise child tracer", zap.Int("spid", childSpid), zap.Error(err))
		return
	}
	m.tracers[childSpid] = child

	if wstatus, ok := m.possibleChildren[childSpid]; ok {
		delete(m.possibleChildren, childSpid)
		n, err := child.Handle(wstatus)
		if err != nil {
			m.log.Error("failed to replay buffered status for child", zap.Int("spid", childSpid), zap.Error(err))
			return
		}
		if n.Entry != nil || n.Exit != nil || n.Spawn != nil || n.Termination != nil {
			m.Notifications <- n
		}
	}
}

func (m *Manager) drainAttach() {
	for {
		select {
		case t := <-m.attachWait:
			if err := t.Init(); err != nil {
				m.log.Error("failed to initialise newly attached tracer", zap.Int("spid", t.Spid), zap.Error(err))
				continue
			}
			m.tracers[t.Spid] = t
		default:
			return
		}
	}
}

func (m *Manager) drainCommands() {
	for {
		select {
		case req := <-m.proceed:
			if t, ok := m.tracers[req.Spid]; ok {
				if err := t.Proceed(req.Sig); err != nil {
					m.log.Error("failed to resume tracee", zap.Int("spid", req.Spid), zap.Error(err))
				}
			}
		case spid := <-m.killReq:
			if t, ok := m.tracers[spid]; ok {
				if err := t.Kill(); err != nil {
					m.log.Error("failed to kill tracee", zap.Int("spid", spid), zap.Error(err))
				}
			}
		case <-m.killAllReq:
			m.killAll()
		default:
			return
		}
	}
}

func (m *Manager) killAll() {
	for spid, t := range m.tracers {
		if err := t.Kill(); err != nil {
			m.log.Error("failed to kill tracee", zap.Int("spid", spid), zap.Error(err))
		}
	}
}
