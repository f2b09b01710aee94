package forkexec

// unsafe is imported for go:linkname, which reaches into the runtime
// package's unexported fork hooks.
import _ "unsafe"

// beforeFork stops the world, flushes buffered I/O and saves the
// signal mask, ahead of the raw clone(2) in forkAndExecInChild.
//
//go:linkname beforeFork syscall.runtime_BeforeFork
func beforeFork()

// afterFork restarts the world and restores signal handling in the
// parent once clone(2) returns.
//
//go:linkname afterFork syscall.runtime_AfterFork
func afterFork()

// afterForkInChild re-initialises runtime state in the child, where
// only the forking thread survives the clone.
//
//go:linkname afterForkInChild syscall.runtime_AfterForkInChild
func afterForkInChild()
