package linutil

import sys "golang.org/x/sys/unix"

// RegisterSlice returns the general purpose registers as a list of (name,
// value) pairs.
func RegisterSlice(r *sys.PtraceRegs) []Register {
	return []Register{
		{"Rip", r.Rip},
		{"Rsp", r.Rsp},
		{"Rax", r.Rax},
		{"Rbx", r.Rbx},
		{"Rcx", r.Rcx},
		{"Rdx", r.Rdx},
		{"Rdi", r.Rdi},
		{"Rsi", r.Rsi},
		{"Rbp", r.Rbp},
		{"R8", r.R8},
		{"R9", r.R9},
		{"R10", r.R10},
		{"R11", r.R11},
		{"R12", r.R12},
		{"R13", r.R13},
		{"R14", r.R14},
		{"R15", r.R15},
		{"Orig_rax", r.Orig_rax},
		{"Cs", r.Cs},
		{"Rflags", r.Eflags},
		{"Ss", r.Ss},
		{"Fs_base", r.Fs_base},
		{"Gs_base", r.Gs_base},
	}
}

// SP returns the value of RSP register.
func SP(r *sys.PtraceRegs) uint64 {
	return r.Rsp
}

// SyscallNumber returns the number of the system call the thread is
// entering or returning from.
func SyscallNumber(r *sys.PtraceRegs) int {
	return int(int64(r.Orig_rax))
}
