// Package tracer turns raw ptrace-stop events for one tracee into
// notification.ProcessNotification values, dispatching every
// PTRACE_SYSCALL stop rather than a seccomp-filtered subset, since every
// syscall needs a notification here.
package tracer

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

var pageSize = os.Getpagesize()

// useVMReadv degrades process-wide to the PTRACE_PEEKDATA fallback the
// first time process_vm_readv reports ENOSYS.
var useVMReadv = true

// ProcMem implements backtrace.MemReader against one tracee's address
// space, plus the string/byte extraction the Tracer needs to decode
// syscall arguments.
type ProcMem struct {
	Pid int
}

// ReadMemory implements backtrace.MemReader.
func (m ProcMem) ReadMemory(addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if useVMReadv {
		n, err := vmRead(m.Pid, uintptr(addr), buf)
		if err == nil {
			return n, nil
		}
		if errno, ok := err.(syscall.Errno); ok && errno == syscall.ENOSYS {
			useVMReadv = false
		} else {
			return n, err
		}
	}
	return syscall.PtracePeekData(m.Pid, uintptr(addr), buf)
}

// ExtractString reads a NUL-terminated string of at most max bytes,
// reading page-at-a-time the way vmReadStr does to avoid crossing into an
// unmapped page past the terminator.
func (m ProcMem) ExtractString(addr uint64, max int) (string, error) {
	buf := make([]byte, max)
	total := 0
	next := pageSize - int(addr%uint64(pageSize))
	if next == 0 {
		next = pageSize
	}
	for total < max {
		want := next
		if rest := max - total; rest < want {
			want = rest
		}
		n, err := m.ReadMemory(addr+uint64(total), buf[total:total+want])
		if err != nil {
			if total == 0 {
				return "", fmt.Errorf("tracer: read string at %#x: %w", addr, err)
			}
			break
		}
		if n == 0 {
			break
		}
		if idx := indexNull(buf[total : total+n]); idx >= 0 {
			total += idx
			return string(buf[:total]), nil
		}
		total += n
		next = pageSize
	}
	return string(buf[:total]), nil
}

// ExtractBytes reads exactly n bytes, retrying short reads.
func (m ProcMem) ExtractBytes(addr uint64, n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		got, err := m.ReadMemory(addr+uint64(read), buf[read:])
		if err != nil {
			return nil, fmt.Errorf("tracer: read %d bytes at %#x: %w", n, addr, err)
		}
		if got == 0 {
			return nil, fmt.Errorf("tracer: short read at %#x: got %d of %d bytes", addr, read, n)
		}
		read += got
	}
	return buf, nil
}

func indexNull(b []byte) int {
	for i, v := range b {
		if v == 0 {
			return i
		}
	}
	return -1
}

func vmRead(pid int, addr uintptr, buf []byte) (int, error) {
	local := []unix.Iovec{{Base: &buf[0], Len: uint64(len(buf))}}
	remote := []unix.Iovec{{Base: (*byte)(unsafe.Pointer(addr)), Len: uint64(len(buf))}}
	n, _, errno := syscall.Syscall6(unix.SYS_PROCESS_VM_READV, uintptr(pid),
		uintptr(unsafe.Pointer(&local[0])), uintptr(len(local)),
		uintptr(unsafe.Pointer(&remote[0])), uintptr(len(remote)), 0)
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}
