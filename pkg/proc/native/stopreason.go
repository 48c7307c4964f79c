//go:build linux

package native

import (
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
)

// classifyStop decides why th reported a SIGTRAP that is neither an
// extended event nor a system call stop. It sets stopReason and stopPC and,
// when th hit a software breakpoint on an architecture where the PC is left
// after the trap instruction, moves the PC back to the breakpoint address.
func (e *Engine) classifyStop(th *nativeThread, dbp *nativeProcess) error {
	arch := dbp.arch
	th.stopReason = proc.StopReasonNone
	th.stoppedDataAddr = 0

	pc, err := e.getPC(th)
	if err != nil {
		return err
	}

	var si proc.Siginfo
	if err := e.t.getSiginfo(th.tid, &si); err == nil && si.Signo() == int(sys.SIGTRAP) {
		switch arch.ClassifyTrap(&si) {
		case proc.TrapSWBreakpoint:
			// Trust the kernel, in particular do not look at the debug
			// registers.
			th.stopReason = proc.StopReasonSWBreakpoint
		case proc.TrapHardware:
			if !e.checkWatchpoint(th, dbp) {
				th.stopReason = proc.StopReasonHWBreakpoint
			}
		case proc.TrapSingleStep:
			// The instruction stepped may also have triggered a watchpoint.
			if !e.checkWatchpoint(th, dbp) {
				th.stopReason = proc.StopReasonSingleStep
			}
		}
	}

	if th.stopReason == proc.StopReasonNone {
		switch {
		case e.swBreakpointAt(dbp, pc-arch.DecrPCAfterBreak()):
			th.stopReason = proc.StopReasonSWBreakpoint
		case e.hwBreakpointAt(dbp, pc):
			th.stopReason = proc.StopReasonHWBreakpoint
		case e.checkWatchpoint(th, dbp):
		case th.stepping:
			th.stopReason = proc.StopReasonSingleStep
		}
	}

	if th.stopReason == proc.StopReasonSWBreakpoint && arch.DecrPCAfterBreak() != 0 {
		pc -= arch.DecrPCAfterBreak()
		if err := e.setPC(th, pc); err != nil {
			return err
		}
	}
	th.stopPC = pc

	if th.stopReason != proc.StopReasonNone {
		e.wlog.Debugf("%s stopped by %s at %#x", th, th.stopReason, pc)
	}
	return nil
}

func (e *Engine) swBreakpointAt(dbp *nativeProcess, addr uint64) bool {
	bp, ok := dbp.bps.Software(addr)
	return ok && bp.Inserted
}

func (e *Engine) hwBreakpointAt(dbp *nativeProcess, pc uint64) bool {
	_, ok := dbp.bps.HardwareAt(pc)
	return ok
}

// checkWatchpoint asks the debug registers which hardware breakpoint
// triggered. If it was a watchpoint th is marked as stopped by it.
func (e *Engine) checkWatchpoint(th *nativeThread, dbp *nativeProcess) bool {
	if len(dbp.bps.HW) == 0 {
		return false
	}
	bp, err := e.hardwareTrap(th, dbp)
	if err != nil {
		e.wlog.Debugf("%s: could not read debug registers: %v", th, err)
		return false
	}
	if bp == nil || bp.WatchType == 0 {
		return false
	}
	th.stopReason = proc.StopReasonWatchpoint
	th.stoppedDataAddr = bp.Addr
	return true
}
