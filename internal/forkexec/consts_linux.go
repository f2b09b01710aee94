package forkexec

import (
	"golang.org/x/sys/unix"
)

var (
	// empty is the pathname execveat wants when execing via fd (the
	// AT_EMPTY_PATH fexecve path).
	empty = []byte("\000")

	// etxtbsyRetryInterval is the sleep between ETXTBSY retries: 1ms.
	etxtbsyRetryInterval = unix.Timespec{
		Nsec: 1 * 1000 * 1000,
	}
)
