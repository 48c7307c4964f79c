package proc

import (
	"errors"
	"fmt"
	"runtime"
)

// Arch defines an interface for representing a
// CPU architecture.
//
// It is the only place where the process-control engine learns about
// architecture specific behavior: breakpoint encoding, how far the PC
// moves past a breakpoint, how to read the hardware specific part of a
// SIGTRAP and where an instruction can transfer control to.
type Arch interface {
	Name() string
	PtrSize() int
	MaxInstructionLength() int
	BreakpointInstruction() []byte
	BreakpointSize() int
	// DecrPCAfterBreak is how far past the breakpoint address the PC of a
	// thread that hit a software breakpoint is when the trap is reported.
	DecrPCAfterBreak() uint64
	// HardwareSingleStep returns true if PTRACE_SINGLESTEP is available.
	HardwareSingleStep() bool
	// NumHWBreakpoints is the number of debug registers usable for
	// hardware breakpoints and watchpoints.
	NumHWBreakpoints() int
	// ClassifyTrap decodes the architecture specific si_code of a SIGTRAP.
	ClassifyTrap(si *Siginfo) TrapClass
	// NextPCs returns every address the instruction at pc can transfer
	// control to. Used to single step in software.
	NextPCs(mem MemoryReader, pc, sp uint64) ([]uint64, error)
}

// MemoryReader reads memory of the target.
type MemoryReader interface {
	ReadMemory(buf []byte, addr uint64) (int, error)
}

// TrapClass is the classification of a SIGTRAP based on the hardware
// specific siginfo.
type TrapClass uint8

const (
	// TrapUnknown means the siginfo did not say anything useful.
	TrapUnknown TrapClass = iota
	TrapSWBreakpoint
	// TrapHardware is a hardware breakpoint or a watchpoint, the debug
	// registers must be consulted to tell them apart.
	TrapHardware
	TrapSingleStep
)

func (c TrapClass) String() string {
	switch c {
	case TrapUnknown:
		return "unknown"
	case TrapSWBreakpoint:
		return "sw-breakpoint"
	case TrapHardware:
		return "hardware"
	case TrapSingleStep:
		return "single-step"
	}
	return fmt.Sprintf("TrapClass(%d)", uint8(c))
}

// ErrIndirectBranch is returned by NextPCs when the successor of an
// instruction depends on register contents.
var ErrIndirectBranch = errors.New("indirect branch, successor depends on registers")

// ArchForGOARCH returns the Arch plugin for goarch, nil if none exists.
func ArchForGOARCH(goarch string) Arch {
	switch goarch {
	case "amd64":
		return AMD64Arch()
	case "arm64":
		return ARM64Arch()
	}
	return nil
}

// NativeArch returns the plugin for the architecture we are running on.
func NativeArch() Arch {
	return ArchForGOARCH(runtime.GOARCH)
}
