// Package decoder renders a syscall entry's raw register arguments into a
// human-readable description for logging, reading whatever tracee memory
// the syscall needs through a Memory view, dispatched per syscall number.
package decoder

import "github.com/nfatrace/supervisor/internal/notification"

// Memory is the subset of the tracer's memory-reading capability a
// decoder needs: a path or buffer argument's address, resolved into
// bytes. Decoders never touch ptrace directly.
type Memory interface {
	ExtractString(addr uint64, max int) (string, error)
	ExtractBytes(addr uint64, n int) ([]byte, error)
}

// Decoder renders one syscall entry's arguments as a log line. Decode is
// best-effort: a decode failure (an unreadable address, say) degrades to
// a terse fallback string rather than propagating an error, since a
// failed decode must never block authorisation.
type Decoder interface {
	Decode(e *notification.SyscallEntry, mem Memory) string
}

// Registry dispatches a syscall number to its Decoder.
type Registry struct {
	decoders map[uint]Decoder
}

// New returns a Registry with the default decoder set registered,
// mirroring SyscallDecoderMapper's static registration of
// OpenDecoder/ConnectDecoder/ReadWriteDecoder at startup.
func New() *Registry {
	r := &Registry{decoders: map[uint]Decoder{}}

	open := &openDecoder{}
	for _, sysno := range openSyscalls {
		r.decoders[sysno] = open
	}

	connect := &connectDecoder{}
	r.decoders[sysConnect] = connect

	rw := &readWriteDecoder{}
	for _, sysno := range readWriteSyscalls {
		r.decoders[sysno] = rw
	}

	return r
}

// Decode looks up e's syscall number and renders it, or reports ok=false
// when no decoder is registered for that number.
func (r *Registry) Decode(e *notification.SyscallEntry, mem Memory) (string, bool) {
	if e.Regs == nil {
		return "", false
	}
	d, ok := r.decoders[e.Regs.SyscallNo()]
	if !ok {
		return "", false
	}
	return d.Decode(e, mem), true
}
