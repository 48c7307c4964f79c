//go:build linux && !amd64 && !arm64

package linutil

import sys "golang.org/x/sys/unix"

// RegisterSlice returns the program counter, the only register known on
// this architecture.
func RegisterSlice(r *sys.PtraceRegs) []Register {
	return []Register{{"PC", r.PC()}}
}

// SP is not known on this architecture.
func SP(r *sys.PtraceRegs) uint64 {
	return 0
}

// SyscallNumber is not known on this architecture.
func SyscallNumber(r *sys.PtraceRegs) int {
	return -1
}
