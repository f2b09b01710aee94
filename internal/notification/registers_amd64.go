//go:build linux && amd64

package notification

import "syscall"

const numArgs = 6

// amd64Registers is the x86_64 Registers implementation: Orig_rax carries
// the syscall number (rax is clobbered by the return value), and
// arguments follow the SysV syscall ABI (rdi, rsi, rdx, r10, r8, r9 —
// r10 replaces rcx, which the syscall instruction itself clobbers).
type amd64Registers struct {
	regs syscall.PtraceRegs
}

func fromPtrace(regs syscall.PtraceRegs) Registers {
	return &amd64Registers{regs: regs}
}

func (r *amd64Registers) PC() uint64        { return r.regs.Rip }
func (r *amd64Registers) SP() uint64        { return r.regs.Rsp }
func (r *amd64Registers) SyscallNo() uint   { return uint(r.regs.Orig_rax) }
func (r *amd64Registers) ReturnValue() int64 { return int64(r.regs.Rax) }
func (r *amd64Registers) Flags() uint64     { return r.regs.Eflags }

func (r *amd64Registers) Arg(i int) uint64 {
	switch i {
	case 0:
		return r.regs.Rdi
	case 1:
		return r.regs.Rsi
	case 2:
		return r.regs.Rdx
	case 3:
		return r.regs.R10
	case 4:
		return r.regs.R8
	case 5:
		return r.regs.R9
	default:
		return 0
	}
}

func (r *amd64Registers) SetReturnValue(v int64) {
	r.regs.Rax = uint64(v)
}

// SkipSyscall sets Orig_rax to -1 so the kernel runs no syscall and reports
// ENOSYS, then pushes the updated registers back to the tracee.
func (r *amd64Registers) SkipSyscall(pid int) error {
	r.regs.Orig_rax = ^uint64(0)
	return syscall.PtraceSetRegs(pid, &r.regs)
}
