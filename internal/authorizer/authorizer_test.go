package authorizer

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfatrace/supervisor/internal/automaton"
	"github.com/nfatrace/supervisor/internal/fingerprint"
	"github.com/nfatrace/supervisor/internal/notification"
)

const (
	sysRead      = 0
	sysWrite     = 1
	sysExit      = 60
	sysExitGroup = 231
)

// fakeRegisters is a minimal notification.Registers double; only
// SyscallNo/PC/SP are exercised by the authoriser.
type fakeRegisters struct {
	sysno uint
	pc    uint64
	sp    uint64
}

func (r *fakeRegisters) PC() uint64          { return r.pc }
func (r *fakeRegisters) SP() uint64          { return r.sp }
func (r *fakeRegisters) SyscallNo() uint     { return r.sysno }
func (r *fakeRegisters) ReturnValue() int64  { return 0 }
func (r *fakeRegisters) Arg(int) uint64      { return 0 }
func (r *fakeRegisters) Flags() uint64       { return 0 }
func (r *fakeRegisters) SetReturnValue(int64) {}
func (r *fakeRegisters) SkipSyscall(int) error { return nil }

func entry(spid int, sysno uint, pc, sp uint64) *notification.SyscallEntry {
	return &notification.SyscallEntry{
		Origin: notification.Origin{Pid: spid, Spid: spid},
		Regs:   &fakeRegisters{sysno: sysno, pc: pc, sp: sp},
	}
}

func scripted(decisions ...Decision) PolicyCallback {
	i := 0
	return func(Violation) Decision {
		d := decisions[i]
		if i < len(decisions)-1 {
			i++
		}
		return d
	}
}

func TestLearningModeBuildsAutomatonAndFingerprints(t *testing.T) {
	a := New(Learning, false, nil, nil, nil)
	a.SetExecutable(1, "/bin/prog")

	require.NoError(t, a.Process(notification.EntryNotification(entry(1, sysRead, 0x1000, 0x7fff0000))))
	require.NoError(t, a.Process(notification.EntryNotification(entry(1, sysExit, 0x1010, 0x7fff0000))))
	require.NoError(t, a.Process(notification.TerminationNotification(&notification.Termination{Origin: notification.Origin{Pid: 1, Spid: 1}})))

	var nfaBuf, assocBuf bytes.Buffer
	require.NoError(t, a.Terminate(&nfaBuf, &assocBuf))

	fmap := fingerprint.New()
	require.NoError(t, fmap.Load(&assocBuf))
	_, totalStates := fmap.Stats()
	assert.Equal(t, 2, totalStates)

	auto, err := automaton.Deserialize(&nfaBuf)
	require.NoError(t, err)
	assert.Equal(t, []automaton.StateId{1}, auto.Transition([]automaton.StateId{0}, 1))
	assert.Contains(t, auto.GetFinalStates(), automaton.StateId(2))
}

func TestLearningModeSeedsForkedChildOnParentLabel(t *testing.T) {
	a := New(Learning, false, nil, nil, nil)
	a.SetExecutable(1, "/bin/prog")
	a.SetExecutable(2, "/bin/prog")

	e := entry(1, sysRead, 0x1000, 0x7fff0000)
	require.NoError(t, a.Process(notification.EntryNotification(e)))
	require.NoError(t, a.Process(notification.SpawnNotification(&notification.ChildSpawn{ParentSpid: 1, ChildPid: 2, ChildLeaderPid: 2})))
	require.NoError(t, a.Process(notification.EntryNotification(entry(2, sysWrite, 0x1000, 0x7fff1000))))
	require.NoError(t, a.Process(notification.TerminationNotification(&notification.Termination{Origin: notification.Origin{Pid: 2, Spid: 2}})))

	var nfaBuf, assocBuf bytes.Buffer
	require.NoError(t, a.Terminate(&nfaBuf, &assocBuf))

	auto, err := automaton.Deserialize(&nfaBuf)
	require.NoError(t, err)
	// parent's label (1) must be the child's starting state, not 0.
	assert.Equal(t, []automaton.StateId{2}, auto.Transition([]automaton.StateId{1}, 2))
}

func TestEnforceAdmitsKnownFingerprint(t *testing.T) {
	fmap := fingerprint.New()
	label := fmap.Insert("/bin/prog", notification.NewFlatFingerprint(sysRead, 0x1000, 0x7fff0000))
	auto := automaton.New()
	auto.AddTransition(0, label)
	auto.AddFinalState(label)

	a := New(Enforce, false, fmap, auto, scripted(Kill))
	a.SetExecutable(1, "/bin/prog")

	require.NoError(t, a.Process(notification.EntryNotification(entry(1, sysRead, 0x1000, 0x7fff0000))))
}

func TestEnforceUnknownFingerprintKillsByDefault(t *testing.T) {
	fmap := fingerprint.New()
	auto := automaton.New()

	a := New(Enforce, false, fmap, auto, scripted(Kill))
	a.SetExecutable(1, "/bin/prog")

	err := a.Process(notification.EntryNotification(entry(1, sysRead, 0x1000, 0x7fff0000)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKilledUnauthorised))
}

func TestEnforceUnknownFingerprintAdmitExtendsPolicy(t *testing.T) {
	fmap := fingerprint.New()
	auto := automaton.New()

	a := New(Enforce, false, fmap, auto, scripted(Admit))
	a.SetExecutable(1, "/bin/prog")

	require.NoError(t, a.Process(notification.EntryNotification(entry(1, sysRead, 0x1000, 0x7fff0000))))
	// a second, identical entry is now a known fingerprint/transition.
	a2 := New(Enforce, false, fmap, auto, scripted(Kill))
	a2.SetExecutable(1, "/bin/prog")
	require.NoError(t, a2.Process(notification.EntryNotification(entry(1, sysRead, 0x1000, 0x7fff0000))))
}

func TestEnforceNonFinalExitKillsByDefault(t *testing.T) {
	fmap := fingerprint.New()
	label := fmap.Insert("/bin/prog", notification.NewFlatFingerprint(sysExit, 0x1000, 0x7fff0000))
	auto := automaton.New()
	auto.AddTransition(0, label) // not marked final

	a := New(Enforce, false, fmap, auto, scripted(Kill))
	a.SetExecutable(1, "/bin/prog")

	err := a.Process(notification.EntryNotification(entry(1, sysExit, 0x1000, 0x7fff0000)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKilledNonFinal))
}

func TestEnforceNonFinalExitMarkFinalAccepts(t *testing.T) {
	fmap := fingerprint.New()
	label := fmap.Insert("/bin/prog", notification.NewFlatFingerprint(sysExitGroup, 0x1000, 0x7fff0000))
	auto := automaton.New()
	auto.AddTransition(0, label)

	a := New(Enforce, false, fmap, auto, scripted(MarkFinal))
	a.SetExecutable(1, "/bin/prog")

	require.NoError(t, a.Process(notification.EntryNotification(entry(1, sysExitGroup, 0x1000, 0x7fff0000))))
	assert.Contains(t, a.Automaton().GetFinalStates(), label)
}

func TestCheckFinalStatesAtTerminateKillsUnterminatedEnforce(t *testing.T) {
	fmap := fingerprint.New()
	label := fmap.Insert("/bin/prog", notification.NewFlatFingerprint(sysRead, 0x1000, 0x7fff0000))
	auto := automaton.New()
	auto.AddTransition(0, label) // never marked final

	a := New(Enforce, false, fmap, auto, scripted(Kill))
	a.SetExecutable(1, "/bin/prog")
	require.NoError(t, a.Process(notification.EntryNotification(entry(1, sysRead, 0x1000, 0x7fff0000))))

	var nfaBuf, assocBuf bytes.Buffer
	err := a.Terminate(&nfaBuf, &assocBuf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKilledNonFinal))
}

func TestForgetDropsPerSpidState(t *testing.T) {
	a := New(Enforce, false, fingerprint.New(), automaton.New(), scripted(Kill))
	a.SetExecutable(7, "/bin/prog")
	a.Forget(7)
	assert.NotContains(t, a.executable, 7)
}
