// Package automaton implements the NFA over syscall-fingerprint state ids
// that the authoriser threads every observed syscall through, as an
// explicit Go type with dense forward/predecessor transition maps.
package automaton

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// StateId is a dense non-negative integer; state 0 is the distinguished
// start state and is never the target of insert().
type StateId int

// Label is itself a StateId: a transition's label always coincides with
// its target, so the automaton the learner builds is non-deterministic
// only because several predecessors can share one successor.
type Label = StateId

// Automaton is an NFA with states {0..N}, a single initial state {0}, a
// set of final states, and transitions δ(s, ℓ) ⊆ {ℓ}.
type Automaton struct {
	stateCount int
	initial    map[StateId]struct{}
	final      map[StateId]struct{}
	// forward[s] is the set of labels ℓ for which a transition s->ℓ exists.
	forward map[StateId]map[Label]struct{}
	// pre[ℓ] is the set of states with a transition into ℓ.
	pre map[Label]map[StateId]struct{}
}

// New returns the automaton with only the distinguished start state 0 and
// no transitions or finals — the starting point for the learning-mode
// builder.
func New() *Automaton {
	return &Automaton{
		stateCount: 1,
		initial:    map[StateId]struct{}{0: {}},
		final:      map[StateId]struct{}{},
		forward:    map[StateId]map[Label]struct{}{},
		pre:        map[Label]map[StateId]struct{}{},
	}
}

// Construct rebuilds the automaton from scratch; it is total and discards
// any prior content.
func Construct(stateCount int, initials, finals []StateId, transitions map[StateId][]Label) (*Automaton, error) {
	if stateCount < 1 {
		return nil, fmt.Errorf("automaton: state count %d must include state 0", stateCount)
	}
	a := &Automaton{
		stateCount: stateCount,
		initial:    map[StateId]struct{}{},
		final:      map[StateId]struct{}{},
		forward:    map[StateId]map[Label]struct{}{},
		pre:        map[Label]map[StateId]struct{}{},
	}
	for _, s := range initials {
		a.initial[s] = struct{}{}
	}
	for _, s := range finals {
		a.final[s] = struct{}{}
	}
	for from, labels := range transitions {
		for _, l := range labels {
			a.addTransitionLocked(from, l)
		}
	}
	return a, nil
}

// StateCount is the current alphabet size plus the distinguished start
// state (N+1 where N is the number of interned fingerprints).
func (a *Automaton) StateCount() int { return a.stateCount }

// GetInitialStates returns the automaton's initial state set; by
// construction this always has exactly one element, {0}.
func (a *Automaton) GetInitialStates() []StateId {
	return setToSlice(a.initial)
}

// GetFinalStates returns the current set of accepting states.
func (a *Automaton) GetFinalStates() []StateId {
	return setToSlice(a.final)
}

// SetFinalStates replaces the final-state set wholesale; the "mark final"
// operator choice unions in a single state with AddFinalState instead.
func (a *Automaton) SetFinalStates(states []StateId) {
	a.final = map[StateId]struct{}{}
	for _, s := range states {
		a.final[s] = struct{}{}
	}
}

// AddFinalState unions one state into the final set.
func (a *Automaton) AddFinalState(s StateId) {
	a.final[s] = struct{}{}
}

// EnsureState grows the declared state count so a freshly interned
// fingerprint id is always a valid target, even before any transition
// lands on it.
func (a *Automaton) EnsureState(s StateId) {
	if int(s)+1 > a.stateCount {
		a.stateCount = int(s) + 1
	}
}

// AddTransition records δ(from, label) = {label}: the learner's rule
// that every transition's label always coincides with its target.
func (a *Automaton) AddTransition(from StateId, label Label) {
	a.EnsureState(from)
	a.EnsureState(label)
	a.addTransitionLocked(from, label)
}

func (a *Automaton) addTransitionLocked(from StateId, label Label) {
	if a.forward[from] == nil {
		a.forward[from] = map[Label]struct{}{}
	}
	a.forward[from][label] = struct{}{}
	if a.pre[label] == nil {
		a.pre[label] = map[StateId]struct{}{}
	}
	a.pre[label][from] = struct{}{}
}

// Transition computes the pointwise union of δ(s, label) over s ∈ from.
// Because δ(s,ℓ) ⊆ {ℓ}, the result is either empty or exactly {label}.
func (a *Automaton) Transition(from []StateId, label Label) []StateId {
	for _, s := range from {
		if labels, ok := a.forward[s]; ok {
			if _, ok := labels[label]; ok {
				return []StateId{label}
			}
		}
	}
	return nil
}

// GetTransitionMaps exports the pre- and forward-transition tables for
// rebuilding (e.g. a debug dump, or feeding a fresh Construct call).
func (a *Automaton) GetTransitionMaps() (pre, forward map[StateId][]StateId) {
	pre = map[StateId][]StateId{}
	for label, states := range a.pre {
		pre[label] = setToSlice(states)
	}
	forward = map[StateId][]StateId{}
	for from, labels := range a.forward {
		forward[from] = setToSlice(labels)
	}
	return pre, forward
}

// Minimize is a documented no-op, matching the original's commented-out
// `this->automaton->determinize(); this->automaton->minimize();` in
// Authorizer::buildAutomata: the hook exists because the original keeps
// it, and does nothing because the original never actually calls it.
func (a *Automaton) Minimize() {}

func setToSlice(m map[StateId]struct{}) []StateId {
	out := make([]StateId, 0, len(m))
	for s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Serialize writes the automaton as a stream of native-endian int32s:
// state count, initial states, final states, then one (from, label) pair
// per transition edge. The layout is internal to this package; only the
// round-trip law deserialize(serialize(a)) == a is load-bearing.
func (a *Automaton) Serialize(w io.Writer) error {
	write := func(v int32) error { return binary.Write(w, binary.NativeEndian, v) }

	if err := write(int32(a.stateCount)); err != nil {
		return err
	}
	initials := a.GetInitialStates()
	if err := write(int32(len(initials))); err != nil {
		return err
	}
	for _, s := range initials {
		if err := write(int32(s)); err != nil {
			return err
		}
	}
	finals := a.GetFinalStates()
	if err := write(int32(len(finals))); err != nil {
		return err
	}
	for _, s := range finals {
		if err := write(int32(s)); err != nil {
			return err
		}
	}
	type edge struct{ from, label StateId }
	var edges []edge
	for from, labels := range a.forward {
		for l := range labels {
			edges = append(edges, edge{from, l})
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].from != edges[j].from {
			return edges[i].from < edges[j].from
		}
		return edges[i].label < edges[j].label
	})
	if err := write(int32(len(edges))); err != nil {
		return err
	}
	for _, e := range edges {
		if err := write(int32(e.from)); err != nil {
			return err
		}
		if err := write(int32(e.label)); err != nil {
			return err
		}
	}
	return nil
}

// Deserialize reads back an automaton written by Serialize.
func Deserialize(r io.Reader) (*Automaton, error) {
	read := func() (int32, error) {
		var v int32
		err := binary.Read(r, binary.NativeEndian, &v)
		return v, err
	}

	stateCount, err := read()
	if err != nil {
		return nil, fmt.Errorf("automaton: read state count: %w", err)
	}
	a := &Automaton{
		stateCount: int(stateCount),
		initial:    map[StateId]struct{}{},
		final:      map[StateId]struct{}{},
		forward:    map[StateId]map[Label]struct{}{},
		pre:        map[Label]map[StateId]struct{}{},
	}

	numInitial, err := read()
	if err != nil {
		return nil, fmt.Errorf("automaton: read initial count: %w", err)
	}
	for i := int32(0); i < numInitial; i++ {
		v, err := read()
		if err != nil {
			return nil, fmt.Errorf("automaton: read initial state: %w", err)
		}
		a.initial[StateId(v)] = struct{}{}
	}

	numFinal, err := read()
	if err != nil {
		return nil, fmt.Errorf("automaton: read final count: %w", err)
	}
	for i := int32(0); i < numFinal; i++ {
		v, err := read()
		if err != nil {
			return nil, fmt.Errorf("automaton: read final state: %w", err)
		}
		a.final[StateId(v)] = struct{}{}
	}

	numEdges, err := read()
	if err != nil {
		return nil, fmt.Errorf("automaton: read edge count: %w", err)
	}
	for i := int32(0); i < numEdges; i++ {
		from, err := read()
		if err != nil {
			return nil, fmt.Errorf("automaton: read edge from: %w", err)
		}
		label, err := read()
		if err != nil {
			return nil, fmt.Errorf("automaton: read edge label: %w", err)
		}
		a.addTransitionLocked(StateId(from), StateId(label))
	}
	return a, nil
}

// Visualize renders the automaton in DOT format for debugging, per the
// `--dot` CLI flag. It strips the trailing `;` the way the original's
// Authorizer::dotOutput does before handing the string to a file writer.
func (a *Automaton) Visualize() string {
	var b []byte
	b = append(b, "digraph automaton {\n"...)
	for _, s := range a.GetFinalStates() {
		b = append(b, fmt.Sprintf("  %d [shape=doublecircle];\n", s)...)
	}
	_, forward := a.GetTransitionMaps()
	froms := make([]StateId, 0, len(forward))
	for from := range forward {
		froms = append(froms, from)
	}
	sort.Slice(froms, func(i, j int) bool { return froms[i] < froms[j] })
	for _, from := range froms {
		labels := forward[from]
		sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
		for _, l := range labels {
			b = append(b, fmt.Sprintf("  %d -> %d [label=\"%d\"];\n", from, l, l)...)
		}
	}
	b = append(b, "}\n"...)
	out := string(b)
	// dotOutput strips the file's trailing semicolon byte before writing;
	// the closing brace already has none, so only trim a stray one if the
	// last edge line happened to end the buffer without its newline.
	if len(out) > 0 && out[len(out)-1] == ';' {
		out = out[:len(out)-1]
	}
	return out
}
