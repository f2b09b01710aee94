package fingerprint

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfatrace/supervisor/internal/notification"
)

func TestInsertAssignsDenseIdsStartingAtOne(t *testing.T) {
	m := New()
	id1 := m.Insert("/bin/a", notification.NewFlatFingerprint(0, 0x1000, 0x7fff0000))
	id2 := m.Insert("/bin/a", notification.NewFlatFingerprint(1, 0x1010, 0x7fff0000))
	assert.Equal(t, 1, int(id1))
	assert.Equal(t, 2, int(id2))
}

func TestInsertIsIdempotentOnEqualFingerprint(t *testing.T) {
	m := New()
	fp := notification.NewFlatFingerprint(0, 0x1000, 0x7fff0000)
	id1 := m.Insert("/bin/a", fp)
	id2 := m.Insert("/bin/a", fp)
	assert.Equal(t, id1, id2)
}

func TestInsertSegmentsByExecutable(t *testing.T) {
	m := New()
	fp := notification.NewFlatFingerprint(0, 0x1000, 0x7fff0000)
	idA := m.Insert("/bin/a", fp)
	idB := m.Insert("/bin/b", fp)
	assert.Equal(t, idA, idB) // dense ids restart per executable
	assert.Equal(t, 2, m.Size())
}

func TestFindDoesNotInsert(t *testing.T) {
	m := New()
	fp := notification.NewFlatFingerprint(0, 0x1000, 0x7fff0000)
	_, ok := m.Find("/bin/a", fp)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Size())

	id := m.Insert("/bin/a", fp)
	got, ok := m.Find("/bin/a", fp)
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestFindByIDRoundTrips(t *testing.T) {
	m := New()
	fp := notification.NewFlatFingerprint(3, 0x2000, 0x7fff1000)
	id := m.Insert("/bin/a", fp)
	got, ok := m.FindByID("/bin/a", id)
	require.True(t, ok)
	assert.True(t, fp.Equal(got))
}

func TestStatsCountsExecutablesAndStates(t *testing.T) {
	m := New()
	m.Insert("/bin/a", notification.NewFlatFingerprint(0, 0x1000, 0x7fff0000))
	m.Insert("/bin/a", notification.NewFlatFingerprint(1, 0x1010, 0x7fff0000))
	m.Insert("/bin/b", notification.NewFlatFingerprint(0, 0x1000, 0x7fff0000))

	execCount, totalStates := m.Stats()
	assert.Equal(t, 2, execCount)
	assert.Equal(t, 3, totalStates)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := New()
	id := m.Insert("/bin/a", notification.NewFlatFingerprint(5, 0x3000, 0x7fff2000))
	m.Insert("/bin/b", notification.NewBacktraceFingerprint(7, []notification.StackFrame{
		{FunctionName: "main", FunctionOffset: 0x20},
	}))

	var buf bytes.Buffer
	require.NoError(t, m.Save(&buf))

	loaded := New()
	require.NoError(t, loaded.Load(bytes.NewReader(buf.Bytes())))

	got, ok := loaded.FindByID("/bin/a", id)
	require.True(t, ok)
	assert.Equal(t, uint(5), got.SyscallNo)

	execCount, totalStates := loaded.Stats()
	assert.Equal(t, 2, execCount)
	assert.Equal(t, 2, totalStates)
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	m := New()
	body := "Section begin: /bin/a\nnotanumberwithoutseparator\nSection end\n"
	err := m.Load(bytes.NewBufferString(body))
	require.Error(t, err)
}
