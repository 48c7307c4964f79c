package proc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBreakpointMapClone(t *testing.T) {
	m := NewBreakpointMap()
	m.M[0x1000] = &Breakpoint{Addr: 0x1000, Kind: UserBreakpoint, OriginalData: []byte{0x55}, Inserted: true, TotalHitCount: 3}
	m.HW[0x2000] = &Breakpoint{Addr: 0x2000, Kind: UserBreakpoint, Hardware: true, WatchType: WatchWrite.WithSize(8), HWBreakIndex: 1}

	c := m.Clone()
	require.Len(t, c.M, 1)
	require.Len(t, c.HW, 1)
	bp := c.M[0x1000]
	require.NotSame(t, m.M[0x1000], bp)
	require.True(t, bp.Inserted)
	require.Zero(t, bp.TotalHitCount)

	bp.OriginalData[0] = 0x90
	require.Equal(t, byte(0x55), m.M[0x1000].OriginalData[0])
}

func TestBreakpointMapHardware(t *testing.T) {
	m := NewBreakpointMap()
	idx, err := m.FreeHWIndex(2)
	require.NoError(t, err)
	require.Equal(t, uint8(0), idx)
	m.HW[0x2000] = &Breakpoint{Addr: 0x2000, Hardware: true, HWBreakIndex: 0, Kind: InternalBreakpoint}

	idx, err = m.FreeHWIndex(2)
	require.NoError(t, err)
	require.Equal(t, uint8(1), idx)
	m.HW[0x3000] = &Breakpoint{Addr: 0x3000, Hardware: true, HWBreakIndex: 1, WatchType: WatchRead | WatchWrite}

	_, err = m.FreeHWIndex(2)
	require.ErrorIs(t, err, ErrHWBreakpointsExhausted)

	bp, ok := m.HardwareAt(0x2000)
	require.True(t, ok)
	require.Equal(t, uint64(0x2000), bp.Addr)
	_, ok = m.HardwareAt(0x3000)
	require.False(t, ok, "watchpoints are not execution breakpoints")

	bp, ok = m.ByHWIndex(1)
	require.True(t, ok)
	require.Equal(t, uint64(0x3000), bp.Addr)
}

func TestBreakpointKinds(t *testing.T) {
	m := NewBreakpointMap()
	m.M[0x30] = &Breakpoint{Addr: 0x30, Kind: UserBreakpoint}
	m.M[0x10] = &Breakpoint{Addr: 0x10, Kind: UserBreakpoint | InternalBreakpoint}
	m.M[0x20] = &Breakpoint{Addr: 0x20, Kind: StepHelperBreakpoint}

	require.Equal(t, []uint64{0x10, 0x20, 0x30}, m.Addrs())
	require.True(t, m.HasInternalAt(0x10))
	require.True(t, m.HasInternalAt(0x20))
	require.False(t, m.HasInternalAt(0x30))
	require.False(t, m.HasInternalAt(0x40))
	require.Equal(t, "user|internal", m.M[0x10].Kind.String())
}

func TestWatchType(t *testing.T) {
	wtype := WatchWrite.WithSize(4)
	require.True(t, wtype.Write())
	require.False(t, wtype.Read())
	require.Equal(t, 4, wtype.Size())

	bp := &Breakpoint{Addr: 0x100, WatchType: wtype}
	require.True(t, bp.Covers(0x103))
	require.False(t, bp.Covers(0x104))
}
