package native

import (
	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/amd64util"
)

const hwBreakpointsSupported = true

const debugRegUserOffset = 848 // offset of debug registers in the user struct, see source/arch/x86/kernel/ptrace.c

func (e *Engine) withDebugRegisters(th *nativeThread, f func(*amd64util.DebugRegisters) error) error {
	var debugregs [8]uint64
	for i := range debugregs {
		if i == 4 || i == 5 {
			// Linux will return EIO for DR4 and DR5
			continue
		}
		v, err := e.t.peekUser(th.tid, debugRegUserOffset+uintptr(i)*8)
		if err != nil {
			return err
		}
		debugregs[i] = v
	}

	drs := amd64util.NewDebugRegisters(&debugregs[0], &debugregs[1], &debugregs[2], &debugregs[3], &debugregs[6], &debugregs[7])

	if err := f(drs); err != nil {
		return err
	}

	if drs.Dirty {
		// DR7 last, the kernel validates it against the addresses.
		for _, i := range []int{0, 1, 2, 3, 6, 7} {
			if err := e.t.pokeUser(th.tid, debugRegUserOffset+uintptr(i)*8, debugregs[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) writeHardwareBreakpoint(th *nativeThread, bp *proc.Breakpoint) error {
	return e.withDebugRegisters(th, func(drs *amd64util.DebugRegisters) error {
		if bp.WatchType == 0 {
			return drs.SetBreakpoint(bp.HWBreakIndex, bp.Addr, false, false, 1)
		}
		return drs.SetBreakpoint(bp.HWBreakIndex, bp.Addr, bp.WatchType.Read(), bp.WatchType.Write(), bp.WatchType.Size())
	})
}

func (e *Engine) clearHardwareBreakpoint(th *nativeThread, idx uint8) error {
	return e.withDebugRegisters(th, func(drs *amd64util.DebugRegisters) error {
		drs.ClearBreakpoint(idx)
		return nil
	})
}

// hardwareTrap returns the hardware breakpoint or watchpoint that caused
// the last trap of th, clearing the condition bits.
func (e *Engine) hardwareTrap(th *nativeThread, dbp *nativeProcess) (*proc.Breakpoint, error) {
	var bp *proc.Breakpoint
	err := e.withDebugRegisters(th, func(drs *amd64util.DebugRegisters) error {
		if ok, idx := drs.GetActiveBreakpoint(); ok {
			bp, _ = dbp.bps.ByHWIndex(idx)
		}
		return nil
	})
	return bp, err
}
