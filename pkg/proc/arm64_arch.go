package proc

import (
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
)

// ARM64 represents the ARM64 CPU architecture.
type ARM64 struct{}

// brk #0
var arm64BreakInstruction = []byte{0x0, 0x0, 0x20, 0xd4}

// ARM64Arch returns an initialized ARM64
// struct.
func ARM64Arch() *ARM64 {
	return &ARM64{}
}

func (a *ARM64) Name() string { return "arm64" }

// PtrSize returns the size of a pointer
// on this architecture.
func (a *ARM64) PtrSize() int {
	return 8
}

// MaxInstructionLength returns the maximum length of an instruction.
func (a *ARM64) MaxInstructionLength() int {
	return 4
}

// BreakpointInstruction returns the Breakpoint
// instruction for this architecture.
func (a *ARM64) BreakpointInstruction() []byte {
	return arm64BreakInstruction
}

// BreakpointSize returns the size of the
// breakpoint instruction on this architecture.
func (a *ARM64) BreakpointSize() int {
	return len(arm64BreakInstruction)
}

// DecrPCAfterBreak returns 0, brk does not advance the PC.
func (a *ARM64) DecrPCAfterBreak() uint64 {
	return 0
}

func (a *ARM64) HardwareSingleStep() bool { return true }

// NumHWBreakpoints returns the minimum number of breakpoint registers
// every ARMv8 implementation has.
func (a *ARM64) NumHWBreakpoints() int { return 2 }

func (a *ARM64) ClassifyTrap(si *Siginfo) TrapClass {
	switch si.Code() {
	case TrapBrkpt:
		return TrapSWBreakpoint
	case TrapHWBkpt:
		return TrapHardware
	case TrapTrace:
		return TrapSingleStep
	}
	return TrapUnknown
}

// NextPCs decodes the instruction at pc. Register indirect branches (br,
// blr, ret) return ErrIndirectBranch.
func (a *ARM64) NextPCs(mem MemoryReader, pc, sp uint64) ([]uint64, error) {
	buf := make([]byte, a.MaxInstructionLength())
	if _, err := mem.ReadMemory(buf, pc); err != nil {
		return nil, err
	}
	inst, err := arm64asm.Decode(buf)
	if err != nil {
		return nil, fmt.Errorf("could not decode instruction at %#x: %v", pc, err)
	}
	next := pc + 4

	var target uint64
	hasTarget := false
	for _, arg := range inst.Args {
		if rel, ok := arg.(arm64asm.PCRel); ok {
			target = uint64(int64(pc) + int64(rel))
			hasTarget = true
			break
		}
	}

	switch inst.Op {
	case arm64asm.RET, arm64asm.BR, arm64asm.BLR:
		return nil, ErrIndirectBranch
	case arm64asm.B:
		if !hasTarget {
			return nil, ErrIndirectBranch
		}
		if _, conditional := inst.Args[0].(arm64asm.Cond); conditional {
			return []uint64{next, target}, nil
		}
		return []uint64{target}, nil
	case arm64asm.BL:
		if hasTarget {
			return []uint64{target}, nil
		}
		return nil, ErrIndirectBranch
	case arm64asm.CBZ, arm64asm.CBNZ, arm64asm.TBZ, arm64asm.TBNZ:
		if hasTarget {
			return []uint64{next, target}, nil
		}
	}
	return []uint64{next}, nil
}
