package proc

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// SiginfoSize is the size of the kernel's siginfo_t.
const SiginfoSize = 128

// Values of Siginfo.Code for SIGTRAP, see include/uapi/asm-generic/siginfo.h.
const (
	TrapBrkpt  = 1    // TRAP_BRKPT, process breakpoint
	TrapTrace  = 2    // TRAP_TRACE, process trace trap
	TrapBranch = 3    // TRAP_BRANCH
	TrapHWBkpt = 4    // TRAP_HWBKPT, hardware breakpoint or watchpoint
	SIKernel   = 0x80 // SI_KERNEL, sent by the kernel (int3 on x86)
	SIUser     = 0    // SI_USER, sent by kill(2)
	SITkill    = -6   // SI_TKILL, sent by tkill(2) or tgkill(2)
)

// the union of siginfo_t starts after three ints, aligned to a pointer.
var siginfoUnionOffset = func() int {
	if unsafe.Sizeof(uintptr(0)) == 8 {
		return 16
	}
	return 12
}()

// Siginfo is the raw siginfo_t captured with PTRACE_GETSIGINFO. It is kept
// byte for byte so that it can be restored with PTRACE_SETSIGINFO.
type Siginfo struct {
	Raw [SiginfoSize]byte
}

// Signo returns si_signo.
func (si *Siginfo) Signo() int {
	return int(int32(binary.NativeEndian.Uint32(si.Raw[0:])))
}

// Errno returns si_errno.
func (si *Siginfo) Errno() int {
	return int(int32(binary.NativeEndian.Uint32(si.Raw[4:])))
}

// Code returns si_code.
func (si *Siginfo) Code() int {
	return int(int32(binary.NativeEndian.Uint32(si.Raw[8:])))
}

// Addr returns si_addr, meaningful for SIGTRAP, SIGSEGV, SIGBUS, SIGILL
// and SIGFPE.
func (si *Siginfo) Addr() uint64 {
	if siginfoUnionOffset == 12 {
		return uint64(binary.NativeEndian.Uint32(si.Raw[12:]))
	}
	return binary.NativeEndian.Uint64(si.Raw[siginfoUnionOffset:])
}

// Pid returns si_pid, meaningful for signals sent by kill(2).
func (si *Siginfo) Pid() int {
	return int(int32(binary.NativeEndian.Uint32(si.Raw[siginfoUnionOffset:])))
}

// SetHeader overwrites si_signo, si_errno and si_code.
func (si *Siginfo) SetHeader(signo, errno, code int) {
	binary.NativeEndian.PutUint32(si.Raw[0:], uint32(int32(signo)))
	binary.NativeEndian.PutUint32(si.Raw[4:], uint32(int32(errno)))
	binary.NativeEndian.PutUint32(si.Raw[8:], uint32(int32(code)))
}

// SetAddr overwrites si_addr.
func (si *Siginfo) SetAddr(addr uint64) {
	if siginfoUnionOffset == 12 {
		binary.NativeEndian.PutUint32(si.Raw[12:], uint32(addr))
		return
	}
	binary.NativeEndian.PutUint64(si.Raw[siginfoUnionOffset:], addr)
}

func (si *Siginfo) String() string {
	return fmt.Sprintf("siginfo{signo=%d errno=%d code=%d addr=%#x}", si.Signo(), si.Errno(), si.Code(), si.Addr())
}
