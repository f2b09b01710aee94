package automaton

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHasOnlyStartState(t *testing.T) {
	a := New()
	assert.Equal(t, []StateId{0}, a.GetInitialStates())
	assert.Empty(t, a.GetFinalStates())
	assert.Equal(t, 1, a.StateCount())
}

func TestAddTransitionGrowsStateCount(t *testing.T) {
	a := New()
	a.AddTransition(0, 5)
	assert.Equal(t, 6, a.StateCount())
	assert.Equal(t, []StateId{5}, a.Transition([]StateId{0}, 5))
}

func TestTransitionIsUnionOverFromSet(t *testing.T) {
	a := New()
	a.AddTransition(0, 1)
	a.AddTransition(2, 1)
	assert.Equal(t, []StateId{1}, a.Transition([]StateId{2, 3}, 1))
	assert.Nil(t, a.Transition([]StateId{3, 4}, 1))
}

func TestFinalStatesSetAndUnion(t *testing.T) {
	a := New()
	a.AddFinalState(1)
	a.AddFinalState(2)
	assert.ElementsMatch(t, []StateId{1, 2}, a.GetFinalStates())

	a.SetFinalStates([]StateId{3})
	assert.Equal(t, []StateId{3}, a.GetFinalStates())
}

func TestConstructRejectsStateCountBelowOne(t *testing.T) {
	_, err := Construct(0, nil, nil, nil)
	require.Error(t, err)
}

func TestConstructBuildsTransitionsAndFinals(t *testing.T) {
	a, err := Construct(3, []StateId{0}, []StateId{2}, map[StateId][]Label{0: {1}, 1: {2}})
	require.NoError(t, err)
	assert.Equal(t, []StateId{1}, a.Transition([]StateId{0}, 1))
	assert.Equal(t, []StateId{2}, a.Transition([]StateId{1}, 2))
	assert.Equal(t, []StateId{2}, a.GetFinalStates())
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	a := New()
	a.AddTransition(0, 1)
	a.AddTransition(1, 2)
	a.AddFinalState(2)

	var buf bytes.Buffer
	require.NoError(t, a.Serialize(&buf))

	got, err := Deserialize(&buf)
	require.NoError(t, err)
	assert.Equal(t, a.StateCount(), got.StateCount())
	assert.Equal(t, a.GetFinalStates(), got.GetFinalStates())
	assert.Equal(t, []StateId{2}, got.Transition([]StateId{1}, 2))
}

func TestVisualizeIncludesFinalStatesAndEdges(t *testing.T) {
	a := New()
	a.AddTransition(0, 1)
	a.AddFinalState(1)

	dot := a.Visualize()
	assert.Contains(t, dot, "digraph automaton {")
	assert.Contains(t, dot, "1 [shape=doublecircle];")
	assert.Contains(t, dot, "0 -> 1 [label=\"1\"];")
}

func TestMinimizeIsANoOp(t *testing.T) {
	a := New()
	a.AddTransition(0, 1)
	before := a.StateCount()
	a.Minimize()
	assert.Equal(t, before, a.StateCount())
}
