//go:build linux

package native

import (
	"errors"
	"fmt"

	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/linutil"
)

type stepOverPhase uint8

const (
	stepOverIdle stepOverPhase = iota
	stepOverStoppingAll
	stepOverSingleStepping
	stepOverReinserting
)

func (p stepOverPhase) String() string {
	switch p {
	case stepOverIdle:
		return "idle"
	case stepOverStoppingAll:
		return "stopping-all"
	case stepOverSingleStepping:
		return "single-stepping"
	case stepOverReinserting:
		return "reinserting"
	}
	return fmt.Sprintf("stepOverPhase(%d)", uint8(p))
}

// stepOver is the state of the thread moving past a breakpoint that was
// taken out of memory for it. Every other thread is suspended while it is
// in flight.
type stepOver struct {
	phase  stepOverPhase
	target lwpHandle
	pid    int
	addr   uint64

	// what was taken out at addr
	sw   bool
	hw   *proc.Breakpoint
	jump bool
}

func (so *stepOver) active() bool {
	return so.phase != stepOverIdle
}

// coversAddr returns true if the breakpoint at addr of pid is out of memory
// because a thread is stepping over it.
func (so *stepOver) coversAddr(pid int, addr uint64) bool {
	return so.active() && so.pid == pid && so.addr == addr
}

// processMemory reads the memory of a process through the engine, with
// breakpoints hidden.
type processMemory struct {
	e   *Engine
	pid int
}

func (mem processMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	return mem.e.ReadMemory(mem.pid, addr, buf)
}

// needStepOver returns true if th, which is about to be resumed, is
// sitting on a breakpoint it must not trap on again.
func (e *Engine) needStepOver(th *nativeThread, dbp *nativeProcess) bool {
	if !th.stopped || th.dead || th.suspended > 0 || th.statusPending {
		return false
	}
	pc, err := e.getPC(th)
	if err != nil {
		e.slog.Debugf("%s: could not read PC: %v", th, err)
		return false
	}
	// The caller moved the thread, or the trap left the PC after the
	// breakpoint instruction and the caller did not back it up.
	if pc != th.stopPC {
		return false
	}
	if e.agent != nil && e.agent.HasJump(dbp.pid, pc) {
		e.slog.Debugf("%s: tracepoint jump at %#x", th, pc)
		return true
	}
	if bp, ok := dbp.bps.Software(pc); ok && bp.Inserted {
		if bp.Kind&^proc.UserBreakpoint != 0 {
			e.slog.Debugf("%s: internal breakpoint at %#x", th, pc)
			return true
		}
		// A user breakpoint the thread did not execute yet must still be
		// hit.
		if th.stopReason.IsBreakpoint() {
			e.slog.Debugf("%s: already hit breakpoint at %#x", th, pc)
			return true
		}
	}
	if bp, ok := dbp.bps.HardwareAt(pc); ok {
		if bp.Kind&^proc.UserBreakpoint != 0 || th.stopReason.IsBreakpoint() {
			e.slog.Debugf("%s: hardware breakpoint at %#x", th, pc)
			return true
		}
	}
	return false
}

// startStepOver stops and suspends every thread except th, takes the
// breakpoints at the PC of th out and single steps it.
func (e *Engine) startStepOver(th *nativeThread, dbp *nativeProcess) error {
	if e.stepOver.active() {
		panic(fmt.Errorf("starting a step over for %s while %s is in flight (%s)", th, e.reg.get(e.stepOver.target), e.stepOver.phase))
	}
	pc, err := e.getPC(th)
	if err != nil {
		return err
	}
	e.slog.Debugf("%s: starting step over at %#x", th, pc)

	e.stepOver = stepOver{phase: stepOverStoppingAll, target: th.h, pid: dbp.pid, addr: pc}
	err = e.stopThreads(proc.AnyThread, true, th)
	if !e.stepOver.active() {
		// Abandoned while the others were stopped, for example by an exec
		// in its process. The suspended threads were released then.
		return err
	}
	if err != nil {
		e.stepOver = stepOver{}
		e.unsuspendThreads(proc.AnyThread, th)
		return err
	}
	if e.reg.get(th.h) != th || th.dead {
		e.stepOver = stepOver{}
		e.unsuspendThreads(proc.AnyThread, th)
		return nil
	}

	th.bpReinsert = pc
	if bp, ok := dbp.bps.Software(pc); ok && bp.Inserted {
		if err := e.uninsertSWBreakpoint(dbp, pc); err != nil {
			return e.failStepOver(th, dbp, err)
		}
		e.stepOver.sw = true
	}
	if bp, ok := dbp.bps.HardwareAt(pc); ok {
		if err := e.clearHardwareBreakpoint(th, bp.HWBreakIndex); err != nil {
			return e.failStepOver(th, dbp, err)
		}
		e.stepOver.hw = bp
	}
	if e.agent != nil && e.agent.HasJump(dbp.pid, pc) {
		if err := e.agent.RemoveJump(dbp.pid, pc); err != nil {
			return e.failStepOver(th, dbp, err)
		}
		e.stepOver.jump = true
	}

	e.stepOver.phase = stepOverSingleStepping
	sig, err := e.dequeuePending(th)
	if err != nil {
		return e.failStepOver(th, dbp, err)
	}
	if err := e.singleStepThread(th, dbp, sig); err != nil {
		if e.threadGone(th, err) {
			// The exit is collected by the next wait, which abandons the
			// step over.
			th.stopped = false
			return nil
		}
		return e.failStepOver(th, dbp, err)
	}
	return nil
}

func (e *Engine) failStepOver(th *nativeThread, dbp *nativeProcess, err error) error {
	e.slog.Errorf("%s: step over failed: %v", th, err)
	e.reinsertStepOver(th, dbp)
	e.stepOver = stepOver{}
	th.bpReinsert = 0
	e.unsuspendThreads(proc.AnyThread, th)
	return err
}

func (e *Engine) reinsertStepOver(th *nativeThread, dbp *nativeProcess) {
	so := &e.stepOver
	if so.sw {
		if err := e.reinsertSWBreakpoint(dbp, so.addr); err != nil {
			e.slog.Errorf("could not reinsert breakpoint at %#x: %v", so.addr, err)
		}
	}
	// The breakpoint may have been removed while th was stepping.
	if so.hw != nil && dbp.bps.HW[so.hw.Addr] == so.hw {
		if err := e.writeHardwareBreakpoint(th, so.hw); err != nil && !e.threadGone(th, err) {
			e.slog.Errorf("could not reinsert hardware breakpoint at %#x: %v", so.addr, err)
		}
	}
	if so.jump {
		if err := e.agent.ReinsertJump(dbp.pid, so.addr); err != nil {
			e.slog.Errorf("could not reinsert tracepoint jump at %#x: %v", so.addr, err)
		}
	}
}

// finishStepOver puts back what was taken out for th and returns true, if
// th was stepping over a breakpoint. The caller unsuspends the other
// threads.
func (e *Engine) finishStepOver(th *nativeThread, dbp *nativeProcess) bool {
	if !e.stepOver.active() || e.stepOver.target != th.h {
		return false
	}
	e.slog.Debugf("%s: finished step over at %#x", th, e.stepOver.addr)
	e.stepOver.phase = stepOverReinserting
	e.reinsertStepOver(th, dbp)
	e.removeStepHelpers(th, dbp)
	th.bpReinsert = 0
	e.stepOver = stepOver{}
	return true
}

// abandonStepOver forgets the step over in flight in pid, whose target is
// gone or whose address space was replaced, and releases the suspended
// threads.
func (e *Engine) abandonStepOver(pid int, reinsert bool) {
	if !e.stepOver.active() || e.stepOver.pid != pid {
		return
	}
	target := e.reg.get(e.stepOver.target)
	e.slog.Debugf("abandoning step over of %v at %#x", target, e.stepOver.addr)
	if dbp := e.reg.findProcess(pid); reinsert && dbp != nil && target != nil {
		e.reinsertStepOver(target, dbp)
	}
	if e.stepOver.phase == stepOverStoppingAll && e.stopping {
		// Threads found by the rest of stopThreads run freely.
		e.stoppingSuspend = false
	}
	e.stepOver = stepOver{}
	if target != nil {
		target.bpReinsert = 0
		e.unsuspendThreads(proc.AnyThread, target)
	} else {
		e.unsuspendThreads(proc.AnyThread, nil)
	}
}

// singleStepThread resumes th for exactly one instruction, with the CPU
// single step facility or by planting breakpoints on every successor of
// the instruction at its PC.
func (e *Engine) singleStepThread(th *nativeThread, dbp *nativeProcess, sig int) error {
	if e.SupportsHardwareSingleStep() {
		if err := e.t.singleStep(th.tid, sig); err != nil {
			return err
		}
		th.stopped = false
		th.stepping = true
		return nil
	}

	if len(th.stepHelpers) > 0 {
		e.removeStepHelpers(th, dbp)
	}
	regs, err := e.getRegs(th)
	if err != nil {
		return err
	}
	next, err := dbp.arch.NextPCs(processMemory{e, dbp.pid}, regs.PC(), linutil.SP(regs))
	if err != nil {
		if errors.Is(err, proc.ErrIndirectBranch) {
			return fmt.Errorf("can not single step %s at %#x in software: %w", th, regs.PC(), err)
		}
		return err
	}
	for _, addr := range next {
		if _, err := e.insertSWBreakpoint(dbp, addr, proc.StepHelperBreakpoint); err != nil {
			e.removeStepHelpers(th, dbp)
			return err
		}
		th.stepHelpers = append(th.stepHelpers, addr)
	}
	if err := e.t.cont(th.tid, sig); err != nil {
		e.removeStepHelpers(th, dbp)
		return err
	}
	th.stopped = false
	th.stepping = true
	return nil
}

func (e *Engine) removeStepHelpers(th *nativeThread, dbp *nativeProcess) {
	for _, addr := range th.stepHelpers {
		if err := e.removeSWBreakpoint(dbp, addr, proc.StepHelperBreakpoint); err != nil {
			e.slog.Debugf("%s: could not remove step helper at %#x: %v", th, addr, err)
		}
	}
	th.stepHelpers = th.stepHelpers[:0]
}
