package proc

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// AMD64 represents the AMD64 CPU architecture.
type AMD64 struct{}

var amd64BreakInstruction = []byte{0xCC}

// AMD64Arch returns an initialized AMD64
// struct.
func AMD64Arch() *AMD64 {
	return &AMD64{}
}

func (a *AMD64) Name() string { return "amd64" }

// PtrSize returns the size of a pointer
// on this architecture.
func (a *AMD64) PtrSize() int {
	return 8
}

// MaxInstructionLength returns the maximum length of an instruction.
func (a *AMD64) MaxInstructionLength() int {
	return 15
}

// BreakpointInstruction returns the Breakpoint
// instruction for this architecture.
func (a *AMD64) BreakpointInstruction() []byte {
	return amd64BreakInstruction
}

// BreakpointSize returns the size of the
// breakpoint instruction on this architecture.
func (a *AMD64) BreakpointSize() int {
	return len(amd64BreakInstruction)
}

// DecrPCAfterBreak returns 1, int3 leaves the PC after itself.
func (a *AMD64) DecrPCAfterBreak() uint64 {
	return uint64(len(amd64BreakInstruction))
}

func (a *AMD64) HardwareSingleStep() bool { return true }

// NumHWBreakpoints returns 4, DR0 through DR3.
func (a *AMD64) NumHWBreakpoints() int { return 4 }

// ClassifyTrap uses the si_code the kernel derives from DR6, see
// arch/x86/kernel/traps.c.
func (a *AMD64) ClassifyTrap(si *Siginfo) TrapClass {
	switch si.Code() {
	case SIKernel, TrapBrkpt:
		return TrapSWBreakpoint
	case TrapHWBkpt:
		return TrapHardware
	case TrapTrace:
		return TrapSingleStep
	}
	return TrapUnknown
}

// NextPCs decodes the instruction at pc.
func (a *AMD64) NextPCs(mem MemoryReader, pc, sp uint64) ([]uint64, error) {
	buf := make([]byte, a.MaxInstructionLength())
	n, err := mem.ReadMemory(buf, pc)
	if n == 0 && err != nil {
		return nil, err
	}
	inst, err := x86asm.Decode(buf[:n], 64)
	if err != nil {
		return nil, fmt.Errorf("could not decode instruction at %#x: %v", pc, err)
	}
	next := pc + uint64(inst.Len)

	switch inst.Op {
	case x86asm.RET, x86asm.LRET:
		retaddr := make([]byte, a.PtrSize())
		if _, err := mem.ReadMemory(retaddr, sp); err != nil {
			return nil, err
		}
		return []uint64{binary.LittleEndian.Uint64(retaddr)}, nil
	case x86asm.JMP, x86asm.CALL:
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			return []uint64{uint64(int64(next) + int64(rel))}, nil
		}
		return nil, ErrIndirectBranch
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			return []uint64{next, uint64(int64(next) + int64(rel))}, nil
		}
		return nil, ErrIndirectBranch
	}
	return []uint64{next}, nil
}
