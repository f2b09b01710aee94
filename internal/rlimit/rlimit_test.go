package rlimit

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrepareRLimitSkipsUnsetResources(t *testing.T) {
	r := RLimits{}
	assert.Empty(t, r.PrepareRLimit())
}

func TestPrepareRLimitCPURaisesHardToSoftWhenLower(t *testing.T) {
	r := RLimits{CPU: 10, CPUHard: 5}
	limits := r.PrepareRLimit()
	lim := limits[0]
	assert.Equal(t, syscall.RLIMIT_CPU, lim.Res)
	assert.EqualValues(t, 10, lim.Rlim.Cur)
	assert.EqualValues(t, 10, lim.Rlim.Max)
}

func TestPrepareRLimitDisableCoreZeroesBoth(t *testing.T) {
	r := RLimits{DisableCore: true}
	limits := r.PrepareRLimit()
	assert.Len(t, limits, 1)
	assert.Equal(t, syscall.RLIMIT_CORE, limits[0].Res)
	assert.EqualValues(t, 0, limits[0].Rlim.Cur)
}

func TestPrepareRLimitCoversEveryResource(t *testing.T) {
	r := RLimits{
		CPU:          1,
		Data:         2,
		FileSize:     3,
		Stack:        4,
		AddressSpace: 5,
		OpenFile:     6,
	}
	limits := r.PrepareRLimit()
	assert.Len(t, limits, 6)
}

func TestRLimitStringFormatsKnownResources(t *testing.T) {
	cpu := RLimit{Res: syscall.RLIMIT_CPU, Rlim: syscall.Rlimit{Cur: 1, Max: 2}}
	assert.Equal(t, "CPU[1 s:2 s]", cpu.String())

	nofile := RLimit{Res: syscall.RLIMIT_NOFILE, Rlim: syscall.Rlimit{Cur: 256, Max: 256}}
	assert.Equal(t, "OpenFile[256:256]", nofile.String())
}

func TestRLimitsStringOmitsUnsetFields(t *testing.T) {
	r := RLimits{CPU: 5}
	s := r.String()
	assert.Contains(t, s, "CPU=5")
	assert.NotContains(t, s, "Data=")
}
