//go:build linux && arm64

package backtrace

import "github.com/nfatrace/supervisor/internal/notification"

// arm64Backtracer is a documented stub: it returns a single synthetic frame
// built from the trap's PC/SP rather than walking the aarch64 frame-record
// chain (x29/x30). This is a known limitation, not a silent failure — the
// resulting fingerprint is still stable and comparable, just coarser than
// the amd64 walk.
type arm64Backtracer struct{}

func newBacktracer() Backtracer { return arm64Backtracer{} }

func (arm64Backtracer) Unwind(mem MemReader, sym SymbolResolver, regs notification.Registers) []notification.StackFrame {
	pc, sp := regs.PC(), regs.SP()
	if name, off, ok := sym.Resolve(pc); ok {
		return []notification.StackFrame{{PC: pc, RelativePC: pc - off, SP: sp, FunctionName: name, FunctionOffset: off}}
	}
	return []notification.StackFrame{{PC: pc, RelativePC: pc, SP: sp}}
}
