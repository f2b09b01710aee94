// Package backtrace unwinds a tracee's stack at a syscall entry trap into
// the ordered notification.StackFrame sequence a backtrace-mode
// Fingerprint is built from. Like notification.Registers, the walker is a
// compile-time-selected capability per architecture, using a
// frame-pointer walk.
package backtrace

import "github.com/nfatrace/supervisor/internal/notification"

// MemReader reads len(buf) bytes of the tracee's memory at addr into buf,
// returning the number of bytes actually read. Implemented by the tracer
// (process_vm_readv with a ptrace fallback); the backtracer never touches
// ptrace directly.
type MemReader interface {
	ReadMemory(addr uint64, buf []byte) (int, error)
}

// SymbolResolver maps a program counter to a function name and its offset
// within that function, or reports ok=false when no symbol covers the
// address (the frame then serialises as pc@offset).
type SymbolResolver interface {
	Resolve(pc uint64) (name string, offset uint64, ok bool)
}

// Backtracer produces the ordered stack-frame sequence for a trapped
// tracee. The bottom frame (index 0) is the syscall site itself.
type Backtracer interface {
	Unwind(mem MemReader, sym SymbolResolver, regs notification.Registers) []notification.StackFrame
}

// New returns the Backtracer for the architecture this binary targets.
func New() Backtracer {
	return newBacktracer()
}
