package forkexec

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorLocationStringKnownAndUnknown(t *testing.T) {
	assert.Equal(t, "clone", LocClone.String())
	assert.Equal(t, "execve", LocExecve.String())
	assert.Equal(t, "unknown", ErrorLocation(0).String())
	assert.Equal(t, "unknown", ErrorLocation(1000).String())
}

func TestChildErrorFormatsWithAndWithoutIndex(t *testing.T) {
	plain := ChildError{Err: syscall.ENOENT, Location: LocExecve}
	assert.Equal(t, "execve: no such file or directory", plain.Error())

	indexed := ChildError{Err: syscall.EINVAL, Location: LocSetRlimit, Index: 3}
	assert.Equal(t, "setrlimit(3): invalid argument", indexed.Error())
}
