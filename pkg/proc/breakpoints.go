package proc

import (
	"fmt"
	"sort"
)

// BreakpointKind determines who owns a breakpoint and what happens when a
// thread hits it.
// A single breakpoint can have more than one kind, for example a user
// breakpoint set on the same address as an internal one.
type BreakpointKind uint16

const (
	// UserBreakpoint is a breakpoint the caller wants to see hit.
	UserBreakpoint BreakpointKind = (1 << iota)
	// InternalBreakpoint belongs to the engine or to the debugger core's
	// own machinery (for example a shared library event breakpoint). Hits
	// are not reported, the thread is silently moved past it.
	InternalBreakpoint
	// StepHelperBreakpoint is placed on every possible successor of an
	// instruction to single step it on targets without hardware single
	// step.
	StepHelperBreakpoint
	// JumpPadExitBreakpoint is placed where a thread leaves a fast
	// tracepoint jump pad, to deliver signals deferred while it was inside.
	JumpPadExitBreakpoint
)

func (k BreakpointKind) String() string {
	s := ""
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if k&UserBreakpoint != 0 {
		add("user")
	}
	if k&InternalBreakpoint != 0 {
		add("internal")
	}
	if k&StepHelperBreakpoint != 0 {
		add("step-helper")
	}
	if k&JumpPadExitBreakpoint != 0 {
		add("jump-pad-exit")
	}
	if s == "" {
		return "none"
	}
	return s
}

// WatchType is the type of a hardware watchpoint. The low nibble selects
// read/write, the high nibble holds the size in bytes.
type WatchType uint8

const (
	WatchRead WatchType = 1 << iota
	WatchWrite
)

// Read returns true if the watchpoint triggers on reads.
func (wtype WatchType) Read() bool {
	return wtype&WatchRead != 0
}

// Write returns true if the watchpoint triggers on writes.
func (wtype WatchType) Write() bool {
	return wtype&WatchWrite != 0
}

// Size returns the size in bytes of the watched area.
func (wtype WatchType) Size() int {
	return int(wtype >> 4)
}

// WithSize returns wtype with the size set to sz.
func (wtype WatchType) WithSize(sz uint8) WatchType {
	return WatchType((sz << 4) | uint8(wtype&0xf))
}

// Breakpoint represents a physical breakpoint. Stores information on the
// break point including the bytes of data that originally were stored at
// that address.
type Breakpoint struct {
	Addr uint64
	Kind BreakpointKind

	// OriginalData is the memory replaced by the breakpoint instruction,
	// nil for hardware breakpoints.
	OriginalData []byte
	// Inserted is true while the breakpoint instruction is in memory.
	Inserted bool

	// Hardware is true for breakpoints implemented with debug registers.
	// WatchType is not zero for watchpoints.
	Hardware     bool
	WatchType    WatchType
	HWBreakIndex uint8

	TotalHitCount uint64
}

func (bp *Breakpoint) String() string {
	switch {
	case bp.WatchType != 0:
		return fmt.Sprintf("watchpoint at %#x len=%d (%s) hits=%d", bp.Addr, bp.WatchType.Size(), bp.Kind, bp.TotalHitCount)
	case bp.Hardware:
		return fmt.Sprintf("hw breakpoint at %#x (%s) hits=%d", bp.Addr, bp.Kind, bp.TotalHitCount)
	}
	return fmt.Sprintf("breakpoint at %#x (%s) hits=%d", bp.Addr, bp.Kind, bp.TotalHitCount)
}

// IsUser returns true if the caller wants to see this breakpoint hit.
func (bp *Breakpoint) IsUser() bool {
	return bp.Kind&UserBreakpoint != 0
}

// IsSoftware returns true if the breakpoint is implemented by patching
// memory.
func (bp *Breakpoint) IsSoftware() bool {
	return !bp.Hardware && bp.WatchType == 0
}

// Covers returns true if a watchpoint or hardware breakpoint includes addr.
func (bp *Breakpoint) Covers(addr uint64) bool {
	sz := uint64(bp.WatchType.Size())
	if sz == 0 {
		sz = 1
	}
	return addr >= bp.Addr && addr < bp.Addr+sz
}

// BreakpointMap holds the software breakpoints and the hardware
// breakpoints and watchpoints of a process. Software and hardware
// breakpoints live in separate maps because the same address can have
// both.
type BreakpointMap struct {
	M  map[uint64]*Breakpoint
	HW map[uint64]*Breakpoint
}

// NewBreakpointMap creates a new BreakpointMap.
func NewBreakpointMap() *BreakpointMap {
	return &BreakpointMap{
		M:  make(map[uint64]*Breakpoint),
		HW: make(map[uint64]*Breakpoint),
	}
}

// Software returns the software breakpoint at addr.
func (bpmap *BreakpointMap) Software(addr uint64) (*Breakpoint, bool) {
	bp, ok := bpmap.M[addr]
	return bp, ok
}

// HardwareAt returns the hardware execution breakpoint covering pc.
func (bpmap *BreakpointMap) HardwareAt(pc uint64) (*Breakpoint, bool) {
	for _, bp := range bpmap.HW {
		if bp.Hardware && bp.WatchType == 0 && bp.Addr == pc {
			return bp, true
		}
	}
	return nil, false
}

// ByHWIndex returns the hardware breakpoint or watchpoint using the debug
// register idx.
func (bpmap *BreakpointMap) ByHWIndex(idx uint8) (*Breakpoint, bool) {
	for _, bp := range bpmap.HW {
		if bp.HWBreakIndex == idx {
			return bp, true
		}
	}
	return nil, false
}

// FreeHWIndex returns the lowest debug register index not in use.
func (bpmap *BreakpointMap) FreeHWIndex(max int) (uint8, error) {
	used := make(map[uint8]bool, len(bpmap.HW))
	for _, bp := range bpmap.HW {
		used[bp.HWBreakIndex] = true
	}
	for i := 0; i < max; i++ {
		if !used[uint8(i)] {
			return uint8(i), nil
		}
	}
	return 0, ErrHWBreakpointsExhausted
}

// HasInternalAt returns true if a breakpoint the caller does not want to
// see is at addr.
func (bpmap *BreakpointMap) HasInternalAt(addr uint64) bool {
	if bp, ok := bpmap.M[addr]; ok && bp.Kind&^UserBreakpoint != 0 {
		return true
	}
	return false
}

// Addrs returns the addresses of all software breakpoints, sorted.
func (bpmap *BreakpointMap) Addrs() []uint64 {
	r := make([]uint64, 0, len(bpmap.M))
	for addr := range bpmap.M {
		r = append(r, addr)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// Clone returns a deep copy of bpmap, used when a process forks: the
// child's memory is a copy of the parent's so every inserted breakpoint is
// also inserted in the child.
func (bpmap *BreakpointMap) Clone() *BreakpointMap {
	r := NewBreakpointMap()
	for addr, bp := range bpmap.M {
		nbp := *bp
		nbp.OriginalData = append([]byte(nil), bp.OriginalData...)
		nbp.TotalHitCount = 0
		r.M[addr] = &nbp
	}
	for addr, bp := range bpmap.HW {
		nbp := *bp
		nbp.TotalHitCount = 0
		r.HW[addr] = &nbp
	}
	return r
}
