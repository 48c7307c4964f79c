package linutil

import (
	"fmt"

	sys "golang.org/x/sys/unix"
)

// RegisterSlice returns the general purpose registers as a list of (name,
// value) pairs.
func RegisterSlice(r *sys.PtraceRegs) []Register {
	out := make([]Register, 0, len(r.Regs)+3)
	for i, v := range r.Regs {
		out = append(out, Register{fmt.Sprintf("X%d", i), v})
	}
	return append(out,
		Register{"SP", r.Sp},
		Register{"PC", r.Pc},
		Register{"Pstate", r.Pstate})
}

// SP returns the value of the SP register.
func SP(r *sys.PtraceRegs) uint64 {
	return r.Sp
}

// SyscallNumber returns the number of the system call the thread is
// entering or returning from, held in X8.
func SyscallNumber(r *sys.PtraceRegs) int {
	return int(int64(r.Regs[8]))
}
