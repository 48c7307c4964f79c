package proc

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeMemory is a sparse address space, unset bytes read as zero.
type fakeMemory map[uint64]byte

func (mem fakeMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	for i := range buf {
		buf[i] = mem[addr+uint64(i)]
	}
	return len(buf), nil
}

func (mem fakeMemory) write(addr uint64, data ...byte) {
	for i, b := range data {
		mem[addr+uint64(i)] = b
	}
}

func TestAMD64NextPCs(t *testing.T) {
	const pc, sp = 0x1000, 0x8000
	tests := []struct {
		name string
		code []byte
		want []uint64
		err  error
	}{
		{"nop", []byte{0x90}, []uint64{0x1001}, nil},
		{"jmp rel8", []byte{0xeb, 0x10}, []uint64{0x1012}, nil},
		{"call rel32", []byte{0xe8, 0x00, 0x01, 0x00, 0x00}, []uint64{0x1105}, nil},
		{"je", []byte{0x74, 0x05}, []uint64{0x1002, 0x1007}, nil},
		{"ret", []byte{0xc3}, []uint64{0x4444}, nil},
		{"jmp rax", []byte{0xff, 0xe0}, nil, ErrIndirectBranch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := fakeMemory{}
			mem.write(pc, tc.code...)
			var retaddr [8]byte
			binary.LittleEndian.PutUint64(retaddr[:], 0x4444)
			mem.write(sp, retaddr[:]...)

			got, err := AMD64Arch().NextPCs(mem, pc, sp)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestARM64NextPCs(t *testing.T) {
	const pc = 0x1000
	tests := []struct {
		name string
		insn uint32
		want []uint64
		err  error
	}{
		{"nop", 0xd503201f, []uint64{0x1004}, nil},
		{"b", 0x14000002, []uint64{0x1008}, nil},
		{"b.eq", 0x54000040, []uint64{0x1004, 0x1008}, nil},
		{"cbz", 0xb4000040, []uint64{0x1004, 0x1008}, nil},
		{"ret", 0xd65f03c0, nil, ErrIndirectBranch},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := fakeMemory{}
			var buf [4]byte
			binary.LittleEndian.PutUint32(buf[:], tc.insn)
			mem.write(pc, buf[:]...)

			got, err := ARM64Arch().NextPCs(mem, pc, 0)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestClassifyTrap(t *testing.T) {
	var si Siginfo
	si.SetHeader(5, 0, SIKernel)
	require.Equal(t, TrapSWBreakpoint, AMD64Arch().ClassifyTrap(&si))
	require.Equal(t, TrapUnknown, ARM64Arch().ClassifyTrap(&si))

	si.SetHeader(5, 0, TrapHWBkpt)
	require.Equal(t, TrapHardware, AMD64Arch().ClassifyTrap(&si))
	require.Equal(t, TrapHardware, ARM64Arch().ClassifyTrap(&si))

	si.SetHeader(5, 0, TrapTrace)
	require.Equal(t, TrapSingleStep, AMD64Arch().ClassifyTrap(&si))
}

func TestArchForGOARCH(t *testing.T) {
	require.Equal(t, "amd64", ArchForGOARCH("amd64").Name())
	require.Equal(t, "arm64", ArchForGOARCH("arm64").Name())
	require.Nil(t, ArchForGOARCH("mips"))
	require.Equal(t, uint64(1), AMD64Arch().DecrPCAfterBreak())
	require.Equal(t, []byte{0xcc}, AMD64Arch().BreakpointInstruction())
}
