package forkexec

import (
	"syscall"
)

// prepareExec converts Args[0], Args and Env into the NUL-terminated
// C-string form execve requires.
func prepareExec(Args, Env []string) (*byte, []*byte, []*byte, error) {
	argv0, err := syscall.BytePtrFromString(Args[0])
	if err != nil {
		return nil, nil, nil, err
	}
	argv, err := syscall.SlicePtrFromStrings(Args)
	if err != nil {
		return nil, nil, nil, err
	}
	env, err := syscall.SlicePtrFromStrings(Env)
	if err != nil {
		return nil, nil, nil, err
	}
	return argv0, argv, env, nil
}

// prepareFds returns files as plain ints alongside the first fd number
// guaranteed not to collide with any of them, so the child's dup3
// passes have somewhere safe to stage descriptors.
func prepareFds(files []uintptr) ([]int, int) {
	fd := make([]int, len(files))
	nextfd := len(files)
	for i, ufd := range files {
		if nextfd < int(ufd) {
			nextfd = int(ufd)
		}
		fd[i] = int(ufd)
	}
	nextfd++
	return fd, nextfd
}

// syscallStringFromString converts str to a C string, or nil if str is
// empty (an unset optional argument such as the working directory).
func syscallStringFromString(str string) (*byte, error) {
	if str != "" {
		return syscall.BytePtrFromString(str)
	}
	return nil, nil
}
