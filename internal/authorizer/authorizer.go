// Package authorizer implements the Authoriser: the policy front-end that
// threads each tracee's current NFA state set through the Automaton,
// interning fingerprints via the FingerprintMap, and surfacing violations
// to an operator-supplied policy callback.
package authorizer

import (
	"errors"
	"fmt"
	"io"

	"github.com/nfatrace/supervisor/internal/automaton"
	"github.com/nfatrace/supervisor/internal/fingerprint"
	"github.com/nfatrace/supervisor/internal/notification"
	"github.com/nfatrace/supervisor/internal/syscallname"
)

// Mode selects whether the authoriser is building a policy from a sample
// run or checking observations against a previously learned one.
type Mode int

const (
	Learning Mode = iota
	Enforce
)

// Decision is the operator's (or policy callback's) answer to a Violation.
type Decision int

const (
	Kill Decision = iota
	Admit
	MarkFinal
)

// Kind distinguishes the two ways a notification can fail admission.
type Kind int

const (
	NotAuthorised Kind = iota
	NotFinal
)

// ErrKilled* let a caller distinguish why the authoriser killed a spid
// without inspecting the Violation itself, via errors.Is at the
// consumer loop boundary.
var (
	ErrKilledUnauthorised = errors.New("authoriser: killed on unauthorised entry")
	ErrKilledNonFinal     = errors.New("authoriser: killed on non-final termination")
)

// Violation describes one admission failure for the policy callback.
type Violation struct {
	Kind          Kind
	Spid          int
	Executable    string
	Entry         *notification.SyscallEntry // set for NotAuthorised and entry-triggered NotFinal
	Termination   *notification.Termination  // set for termination-triggered NotFinal
	CurrentStates []automaton.StateId
	Candidate     automaton.StateId // the label ℓ that failed to transition, when known
}

// PolicyCallback decides what to do with a Violation. The interactive
// stdin prompt and a scripted test double are both implementations; the
// worker/authoriser core never knows which one it is talking to.
type PolicyCallback func(Violation) Decision

// Authoriser is the per-run policy engine, keyed internally by spid.
type Authoriser struct {
	mode      Mode
	backtrace bool
	fmap      *fingerprint.Map
	automaton *automaton.Automaton
	policy    PolicyCallback

	executable map[int]string // spid -> current executable name
	current    map[int][]automaton.StateId
	// lastLabel is the fingerprint label most recently assigned to each
	// spid's admitted entry, kept around so a later ChildSpawn for that
	// spid (whose pid is unknowable until after the entry is resumed)
	// can still seed childGenerators correctly.
	lastLabel map[int]automaton.StateId
	// childGenerators maps an expected child spid to the parent entry's
	// own label: a forked child's initial state set is seeded from its
	// parent's current fingerprint label, not state 0.
	childGenerators map[int]automaton.StateId

	// learningLog accumulates entries, spawns and terminations, in arrival
	// order, for buildAutomata() at terminate() time. Exits are never
	// logged.
	learningLog []loggedEvent
}

type loggedEvent struct {
	entry       *notification.SyscallEntry
	spawn       *notification.ChildSpawn
	termination *notification.Termination
	executable  string
}

// New constructs an Authoriser. In Enforce mode, auto and fmap must be
// non-nil (a previously learned policy); in Learning mode both may be
// empty and are populated by Terminate.
func New(mode Mode, backtrace bool, fmap *fingerprint.Map, auto *automaton.Automaton, policy PolicyCallback) *Authoriser {
	if fmap == nil {
		fmap = fingerprint.New()
	}
	if auto == nil {
		auto = automaton.New()
	}
	return &Authoriser{
		mode:            mode,
		backtrace:       backtrace,
		fmap:            fmap,
		automaton:       auto,
		policy:          policy,
		executable:      map[int]string{},
		current:         map[int][]automaton.StateId{},
		lastLabel:       map[int]automaton.StateId{},
		childGenerators: map[int]automaton.StateId{},
	}
}

// Automaton exposes the authoriser's current automaton, e.g. for a
// --dot visualisation dump after Terminate has rebuilt it in learning
// mode.
func (a *Authoriser) Automaton() *automaton.Automaton {
	return a.automaton
}

// SetExecutable records the executable name backing a spid's
// FingerprintMap segment. internal/cli calls it once, for the root
// tracee; other spids use the empty name, and an execve does not update
// it.
func (a *Authoriser) SetExecutable(spid int, name string) {
	a.executable[spid] = name
}

// Forget drops per-spid state once a tracee is retired.
func (a *Authoriser) Forget(spid int) {
	delete(a.executable, spid)
	delete(a.current, spid)
	delete(a.lastLabel, spid)
	delete(a.childGenerators, spid)
}

// Process is the single per-notification entry point.
func (a *Authoriser) Process(n notification.ProcessNotification) error {
	switch {
	case n.Exit != nil:
		// Exits are always pre-authorised; record-only.
		return nil
	case n.Termination != nil:
		return a.processTermination(n.Termination)
	case n.Entry != nil:
		return a.processEntry(n.Entry)
	case n.Spawn != nil:
		return a.processSpawn(n.Spawn)
	default:
		return nil
	}
}

func (a *Authoriser) processTermination(t *notification.Termination) error {
	if a.mode == Learning {
		exec := a.executable[t.Spid]
		a.learningLog = append(a.learningLog, loggedEvent{termination: t, executable: exec})
		return nil
	}
	states := a.current[t.Spid]
	finals := toSet(a.automaton.GetFinalStates())
	var ok bool
	for _, s := range states {
		if _, in := finals[s]; in {
			ok = true
			break
		}
	}
	if !ok {
		return a.handleNonFinal(Violation{
			Kind:          NotFinal,
			Spid:          t.Spid,
			Executable:    a.executable[t.Spid],
			Termination:   t,
			CurrentStates: states,
		})
	}
	return nil
}

func (a *Authoriser) processEntry(e *notification.SyscallEntry) error {
	exec := a.executable[e.Spid]

	if a.mode == Learning {
		// Seating a forked child's lastState happens in buildAutomata, which
		// replays a logged ChildSpawn event in arrival order against
		// lastState.
		a.learningLog = append(a.learningLog, loggedEvent{entry: e, executable: exec})
		return nil
	}

	states, seated := a.current[e.Spid]
	if !seated {
		if len(a.current) == 0 {
			states = []automaton.StateId{0}
		} else if parentLabel, ok := a.childGenerators[e.Spid]; ok {
			states = []automaton.StateId{parentLabel}
			delete(a.childGenerators, e.Spid)
		} else {
			return a.handleUnauthorised(Violation{
				Kind:       NotAuthorised,
				Spid:       e.Spid,
				Executable: exec,
				Entry:      e,
			})
		}
	}

	fp := e.Fingerprint(a.backtrace)
	label, found := a.fmap.Find(exec, fp)
	if !found {
		return a.handleUnauthorised(Violation{
			Kind:          NotAuthorised,
			Spid:          e.Spid,
			Executable:    exec,
			Entry:         e,
			CurrentStates: states,
		})
	}

	next := a.automaton.Transition(states, label)
	if len(next) == 0 {
		return a.handleUnauthorised(Violation{
			Kind:          NotAuthorised,
			Spid:          e.Spid,
			Executable:    exec,
			Entry:         e,
			CurrentStates: states,
			Candidate:     label,
		})
	}

	a.current[e.Spid] = next
	e.Authorised = true
	a.lastLabel[e.Spid] = label

	if syscallname.IsExit(e.Regs.SyscallNo()) {
		finals := toSet(a.automaton.GetFinalStates())
		if _, ok := finals[label]; !ok {
			return a.handleNonFinal(Violation{
				Kind:          NotFinal,
				Spid:          e.Spid,
				Executable:    exec,
				Entry:         e,
				CurrentStates: next,
				Candidate:     label,
			})
		}
	}
	return nil
}

// processSpawn seats a newly observed clone/fork/vfork child on its
// parent's current fingerprint label. It always arrives strictly after
// the parent entry that spawned it was authorised, so lastLabel/current
// already hold that entry's outcome.
func (a *Authoriser) processSpawn(s *notification.ChildSpawn) error {
	if a.mode == Learning {
		a.learningLog = append(a.learningLog, loggedEvent{spawn: s})
		return nil
	}
	if label, ok := a.lastLabel[s.ParentSpid]; ok {
		a.childGenerators[s.ChildPid] = label
	}
	return nil
}

func (a *Authoriser) handleUnauthorised(v Violation) error {
	if a.policy == nil {
		return fmt.Errorf("authoriser: unauthorised entry for spid %d with no policy callback", v.Spid)
	}
	switch a.policy(v) {
	case Admit:
		fp := v.Entry.Fingerprint(a.backtrace)
		label := a.fmap.Insert(v.Executable, fp)
		from := v.CurrentStates
		if len(from) == 0 {
			from = []automaton.StateId{0}
		}
		for _, s := range from {
			a.automaton.AddTransition(s, label)
		}
		a.current[v.Spid] = []automaton.StateId{label}
		v.Entry.Authorised = true
		a.lastLabel[v.Spid] = label
		return nil
	default: // Kill
		return fmt.Errorf("%w: spid %d", ErrKilledUnauthorised, v.Spid)
	}
}

func (a *Authoriser) handleNonFinal(v Violation) error {
	if a.policy == nil {
		return fmt.Errorf("authoriser: non-final state for spid %d with no policy callback", v.Spid)
	}
	switch a.policy(v) {
	case MarkFinal:
		for _, s := range v.CurrentStates {
			a.automaton.AddFinalState(s)
		}
		return nil
	default: // Kill
		return fmt.Errorf("%w: spid %d", ErrKilledNonFinal, v.Spid)
	}
}

// Terminate finalises the authoriser: in enforce mode it has nothing left
// to rebuild; in learning mode it replays the accumulated log into a fresh
// automaton. Either way it persists the fingerprint map and automaton.
func (a *Authoriser) Terminate(nfaWriter, associationsWriter io.Writer) error {
	if a.mode == Learning {
		a.buildAutomata()
	} else {
		if err := a.checkFinalStates(); err != nil {
			return err
		}
	}
	if err := a.automaton.Serialize(nfaWriter); err != nil {
		return fmt.Errorf("authoriser: save automaton: %w", err)
	}
	if err := a.fmap.Save(associationsWriter); err != nil {
		return fmt.Errorf("authoriser: save associations: %w", err)
	}
	return nil
}

// checkFinalStates performs the enforce-mode end-of-run check: every
// thread still tracked must have ended in a final state.
func (a *Authoriser) checkFinalStates() error {
	finals := toSet(a.automaton.GetFinalStates())
	for spid, states := range a.current {
		ok := false
		for _, s := range states {
			if _, in := finals[s]; in {
				ok = true
				break
			}
		}
		if !ok {
			v := Violation{Kind: NotFinal, Spid: spid, Executable: a.executable[spid], CurrentStates: states}
			if err := a.handleNonFinal(v); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildAutomata implements the learning-mode construction rule: replay
// the accumulated log in arrival order, interning each entry's
// fingerprint and extending the automaton from each spid's last label to
// the freshly interned one, seating a spawned child on its parent's
// current label when its ChildSpawn event is replayed, and marking
// terminated spids' last label final.
func (a *Authoriser) buildAutomata() {
	a.automaton = automaton.New()
	lastState := map[int]automaton.StateId{}

	for _, ev := range a.learningLog {
		switch {
		case ev.entry != nil:
			e := ev.entry
			fp := e.Fingerprint(a.backtrace)
			label := a.fmap.Insert(ev.executable, fp)
			from, ok := lastState[e.Spid]
			if !ok {
				from = 0
			}
			a.automaton.AddTransition(from, label)
			lastState[e.Spid] = label
		case ev.spawn != nil:
			if from, ok := lastState[ev.spawn.ParentSpid]; ok {
				lastState[ev.spawn.ChildPid] = from
			}
		case ev.termination != nil:
			if last, ok := lastState[ev.termination.Spid]; ok {
				a.automaton.AddFinalState(last)
			}
		}
	}
}

func toSet(states []automaton.StateId) map[automaton.StateId]struct{} {
	m := make(map[automaton.StateId]struct{}, len(states))
	for _, s := range states {
		m[s] = struct{}{}
	}
	return m
}
