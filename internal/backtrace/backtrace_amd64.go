//go:build linux && amd64

package backtrace

import "github.com/nfatrace/supervisor/internal/notification"

// maxFrames bounds the walk so a corrupt or cyclic frame-pointer chain in
// the tracee cannot spin the worker thread forever.
const maxFrames = 64

type amd64Backtracer struct{}

func newBacktracer() Backtracer { return amd64Backtracer{} }

// Unwind walks the classic x86_64 frame-pointer chain: rbp points at the
// saved rbp, and the return address sits one word above it. Reading stops
// at the first unreadable or zero frame pointer; the frames gathered so
// far are returned and no frame is added for the failed read.
func (amd64Backtracer) Unwind(mem MemReader, sym SymbolResolver, regs notification.Registers) []notification.StackFrame {
	frames := make([]notification.StackFrame, 0, 8)
	frames = append(frames, frameAt(sym, regs.PC(), regs.SP()))

	fp := regs.SP()
	for i := 0; i < maxFrames; i++ {
		var buf [16]byte
		n, err := mem.ReadMemory(fp, buf[:])
		if err != nil || n < 16 {
			break
		}
		savedFP := leUint64(buf[0:8])
		retAddr := leUint64(buf[8:16])
		if retAddr == 0 || savedFP == 0 || savedFP <= fp {
			break
		}
		frames = append(frames, frameAt(sym, retAddr, savedFP))
		fp = savedFP
	}
	return frames
}

func frameAt(sym SymbolResolver, pc, sp uint64) notification.StackFrame {
	if name, off, ok := sym.Resolve(pc); ok {
		return notification.StackFrame{PC: pc, RelativePC: pc - off, SP: sp, FunctionName: name, FunctionOffset: off}
	}
	return notification.StackFrame{PC: pc, RelativePC: pc, SP: sp}
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
