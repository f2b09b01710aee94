package decoder

import (
	"encoding/binary"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nfatrace/supervisor/internal/notification"
)

var atFDCWD = func() uint64 {
	v := int64(unix.AT_FDCWD)
	return uint64(v)
}()

// fakeMemory serves ExtractString/ExtractBytes from a fixed byte image
// keyed by address, standing in for a real tracee's address space.
type fakeMemory struct {
	image map[uint64][]byte
}

func (m fakeMemory) ExtractString(addr uint64, max int) (string, error) {
	b := m.image[addr]
	if len(b) > max {
		b = b[:max]
	}
	for i, v := range b {
		if v == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

func (m fakeMemory) ExtractBytes(addr uint64, n int) ([]byte, error) {
	b := m.image[addr]
	if len(b) < n {
		n = len(b)
	}
	return b[:n], nil
}

// fakeRegisters implements notification.Registers with fixed values, just
// enough for the decoders under test.
type fakeRegisters struct {
	sysno uint
	args  [6]uint64
}

func (r fakeRegisters) PC() uint64            { return 0 }
func (r fakeRegisters) SP() uint64            { return 0 }
func (r fakeRegisters) SyscallNo() uint       { return r.sysno }
func (r fakeRegisters) ReturnValue() int64    { return 0 }
func (r fakeRegisters) Arg(i int) uint64      { return r.args[i] }
func (r fakeRegisters) Flags() uint64         { return 0 }
func (r fakeRegisters) SetReturnValue(int64)  {}
func (r fakeRegisters) SkipSyscall(int) error { return nil }

func TestOpenDecoder(t *testing.T) {
	mem := fakeMemory{image: map[uint64][]byte{0x1000: []byte("/etc/passwd\x00")}}
	e := &notification.SyscallEntry{Regs: fakeRegisters{sysno: uint(unix.SYS_OPENAT), args: [6]uint64{atFDCWD, 0x1000}}}

	got := (openDecoder{}).Decode(e, mem)
	if !strings.Contains(got, "/etc/passwd") {
		t.Errorf("Decode() = %q, want it to contain the path", got)
	}
}

func TestConnectDecoderIPv4(t *testing.T) {
	sockaddr := make([]byte, 16)
	binary.NativeEndian.PutUint16(sockaddr[0:2], unix.AF_INET)
	binary.BigEndian.PutUint16(sockaddr[2:4], 443)
	copy(sockaddr[4:8], []byte{93, 184, 216, 34})
	mem := fakeMemory{image: map[uint64][]byte{0x2000: sockaddr}}
	e := &notification.SyscallEntry{Regs: fakeRegisters{sysno: sysConnect, args: [6]uint64{3, 0x2000, 16}}}

	got := (connectDecoder{}).Decode(e, mem)
	if !strings.Contains(got, "93.184.216.34:443") {
		t.Errorf("Decode() = %q, want it to contain the address and port", got)
	}
}

func TestReadWriteDecoderWrite(t *testing.T) {
	mem := fakeMemory{image: map[uint64][]byte{0x3000: []byte("hello world")}}
	e := &notification.SyscallEntry{Regs: fakeRegisters{sysno: uint(unix.SYS_WRITE), args: [6]uint64{1, 0x3000, 11}}}

	got := (readWriteDecoder{}).Decode(e, mem)
	if !strings.Contains(got, "hello world") {
		t.Errorf("Decode() = %q, want it to contain the buffer preview", got)
	}
}

func TestRegistryDecode(t *testing.T) {
	r := New()
	mem := fakeMemory{image: map[uint64][]byte{0x1000: []byte("/bin/sh\x00")}}
	e := &notification.SyscallEntry{Regs: fakeRegisters{sysno: uint(unix.SYS_OPENAT), args: [6]uint64{atFDCWD, 0x1000}}}

	got, ok := r.Decode(e, mem)
	if !ok {
		t.Fatal("Decode() ok = false, want true for a registered syscall")
	}
	if !strings.Contains(got, "/bin/sh") {
		t.Errorf("Decode() = %q, want it to contain the path", got)
	}

	unregistered := &notification.SyscallEntry{Regs: fakeRegisters{sysno: 999999}}
	if _, ok := r.Decode(unregistered, mem); ok {
		t.Error("Decode() ok = true for an unregistered syscall number")
	}
}
