package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/linutil"
)

type waitResult uint8

const (
	gotEvent waitResult = iota
	nothingYet
	noChildren
)

func (r waitResult) String() string {
	switch r {
	case gotEvent:
		return "got-event"
	case nothingYet:
		return "nothing-yet"
	case noChildren:
		return "no-children"
	}
	return fmt.Sprintf("waitResult(%d)", uint8(r))
}

// waitForEvent returns a thread matching reportFilter with a pending
// status, collecting statuses from the kernel as needed. It returns
// noChildren when no thread matching waitFilter can report anything and,
// unless blocking, nothingYet when nothing is ready.
func (e *Engine) waitForEvent(waitFilter, reportFilter proc.PTID, blocking bool) (*nativeThread, waitResult, error) {
	for {
		if th := e.pickPending(reportFilter); th != nil {
			return th, gotEvent, nil
		}
		if _, err := e.drainKernel(); err != nil {
			return nil, nothingYet, err
		}
		if th := e.pickPending(reportFilter); th != nil {
			return th, gotEvent, nil
		}

		// Resume threads that stopped for something that was not worth
		// reporting.
		if !e.stopping {
			if err := e.proceedAll(); err != nil {
				return nil, nothingYet, err
			}
			if e.stepOver.active() {
				// Nothing else is reported until the step over completes.
				if target := e.reg.get(e.stepOver.target); target != nil {
					waitFilter, reportFilter, blocking = target.ptid(), target.ptid(), true
				}
			}
			if th := e.pickPending(reportFilter); th != nil {
				return th, gotEvent, nil
			}
		}

		if !e.anyResumed(waitFilter) {
			return nil, noChildren, nil
		}
		if !blocking {
			return nil, nothingYet, nil
		}
		if e.checkZombieLeaders() > 0 {
			continue
		}
		e.blockForChildEvent()
	}
}

// drainKernel collects every status the kernel has ready and returns how
// many it collected.
func (e *Engine) drainKernel() (int, error) {
	n := 0
	for {
		wpid, ws, err := e.t.wait4(-1, sys.WNOHANG)
		switch err {
		case nil:
		case sys.EINTR:
			continue
		case sys.ECHILD:
			return n, nil
		default:
			return n, fmt.Errorf("wait4: %w", err)
		}
		if wpid <= 0 {
			return n, nil
		}
		n++
		if err := e.filterEvent(wpid, ws); err != nil {
			e.wlog.Errorf("%d: %v", wpid, err)
		}
	}
}

// pickPending selects, among the threads matching filter with a pending
// status, the one whose event is reported next.
func (e *Engine) pickPending(filter proc.PTID) *nativeThread {
	var cands []*nativeThread
	e.reg.forEachThread(func(th *nativeThread) {
		if !th.statusPending || !filter.Matches(th.ptid()) {
			return
		}
		if !th.dead && !th.resumed() {
			return
		}
		if e.discardStale(th) {
			return
		}
		cands = append(cands, th)
	})
	return e.selectEvent(cands)
}

// selectEvent applies the selection policy: a thread that was single
// stepping goes first, it stopped because of the step and the caller is
// waiting for it.
func (e *Engine) selectEvent(cands []*nativeThread) *nativeThread {
	switch len(cands) {
	case 0:
		return nil
	case 1:
		return cands[0]
	}
	for _, th := range cands {
		if th.stepping && th.lastResumeKind == proc.ResumeStep && th.stopReason == proc.StopReasonSingleStep {
			e.wlog.Debugf("selecting stepping thread %s", th)
			return th
		}
	}
	if e.cfg.EventSelection == SelectRoundRobin {
		// cands are in tid order
		for _, th := range cands {
			if th.tid > e.lastReported {
				return th
			}
		}
		return cands[0]
	}
	th := cands[e.rng.Intn(len(cands))]
	e.wlog.Debugf("selected %s among %d threads", th, len(cands))
	return th
}

// discardStale drops a pending breakpoint stop that is no longer valid:
// the breakpoint was removed or the caller moved the thread.
func (e *Engine) discardStale(th *nativeThread) bool {
	if th.dead || th.pendingEvent != nil || !th.stopReason.IsBreakpoint() || th.stopSignal() != sys.SIGTRAP {
		return false
	}
	dbp := e.reg.findProcess(th.pid)
	pc, err := e.getPC(th)
	if err != nil {
		return false
	}
	stale := pc != th.stopPC
	if !stale {
		switch th.stopReason {
		case proc.StopReasonSWBreakpoint:
			_, ok := dbp.bps.Software(th.stopPC)
			stale = !ok
		case proc.StopReasonHWBreakpoint:
			_, ok := dbp.bps.HardwareAt(th.stopPC)
			stale = !ok
		}
	}
	if stale {
		e.wlog.Debugf("%s: discarding stale breakpoint stop at %#x", th, th.stopPC)
		th.statusPending = false
		th.stopReason = proc.StopReasonNone
	}
	return stale
}

// anyResumed returns true if a thread matching filter can still report an
// event. A zombie leader whose other threads are all gone has its exit on
// the way.
func (e *Engine) anyResumed(filter proc.PTID) bool {
	return e.reg.findThreadBy(func(th *nativeThread) bool {
		if !filter.Matches(th.ptid()) {
			return false
		}
		if th.zombieLeader {
			return !th.statusPending && !e.othersAlive(th)
		}
		return !th.dead && th.resumed()
	}) != nil
}

// filterEvent records the status wpid reported. Statuses that the caller
// must see are left pending on the thread, the others are handled here.
func (e *Engine) filterEvent(wpid int, ws sys.WaitStatus) error {
	th := e.reg.findThread(wpid)
	if th == nil {
		if ws.Stopped() {
			// The first stop of a thread whose clone or fork event we did
			// not see yet.
			e.wlog.Debugf("stop of unknown thread %d (%#x)", wpid, uint32(ws))
			e.strays.Add(wpid, ws)
		} else {
			e.wlog.Debugf("exit of unknown thread %d (%#x)", wpid, uint32(ws))
		}
		return nil
	}
	dbp := e.reg.findProcess(th.pid)
	e.wlog.Debugf("%s: status %#x", th, uint32(ws))

	if ws.Exited() || ws.Signaled() {
		e.threadExited(th, dbp, ws)
		return nil
	}
	if !ws.Stopped() {
		return nil
	}

	th.stopped = true
	th.status = ws
	if th.mustSetOptions {
		th.mustSetOptions = false
		if err := e.t.setOptions(th.tid, e.optionsFor(dbp)); err != nil && !e.threadGone(th, err) {
			return fmt.Errorf("could not set ptrace options of %s: %w", th, err)
		}
	}

	sig := ws.StopSignal()
	switch {
	case sig == sys.SIGTRAP && ws.TrapCause() > 0:
		nth, report, err := e.handleExtendedEvent(th, dbp, ws)
		if err != nil {
			return err
		}
		if report {
			nth.statusPending = true
		}
		return nil

	case sig == sys.SIGTRAP|0x80:
		return e.syscallStop(th, dbp)

	case sig == sys.SIGSTOP && th.stopExpected:
		th.stopExpected = false
		if th.reportStop {
			th.pendingEvent = &proc.Event{Kind: proc.EventStopped, Thread: th.ptid()}
			th.statusPending = true
		}
		return nil

	case sig == sys.SIGTRAP:
		if err := e.classifyStop(th, dbp); err != nil && !e.threadGone(th, err) {
			return err
		}
		if len(th.stepHelpers) > 0 {
			for _, addr := range th.stepHelpers {
				if th.stopReason == proc.StopReasonSWBreakpoint && addr == th.stopPC {
					th.stopReason = proc.StopReasonSingleStep
				}
			}
			e.removeStepHelpers(th, dbp)
		}
		th.statusPending = true
		return nil
	}

	if th.stopReason == proc.StopReasonWatchpoint {
		th.stopReason = proc.StopReasonNone
	}
	if e.deferInJumpPad(th, dbp, sig) {
		return nil
	}
	th.statusPending = true
	return nil
}

// syscallStop toggles the system call state of th and leaves an event
// pending if the system call is caught.
func (e *Engine) syscallStop(th *nativeThread, dbp *nativeProcess) error {
	kind := proc.EventSyscallEntry
	if th.syscallState == syscallEntry {
		th.syscallState = syscallReturn
		kind = proc.EventSyscallReturn
	} else {
		th.syscallState = syscallEntry
	}
	if !dbp.catchesSyscalls() {
		return nil
	}
	regs, err := e.getRegs(th)
	if err != nil {
		if e.threadGone(th, err) {
			return nil
		}
		return err
	}
	nr := linutil.SyscallNumber(regs)
	if !dbp.catchesSyscall(nr) {
		return nil
	}
	th.pendingEvent = &proc.Event{Kind: kind, Thread: th.ptid(), Syscall: nr, PC: regs.PC()}
	th.statusPending = true
	return nil
}

// deferInJumpPad holds a signal that arrived while th was inside a fast
// tracepoint jump pad. The signal is reported once th reaches the exit of
// the pad.
func (e *Engine) deferInJumpPad(th *nativeThread, dbp *nativeProcess, sig sys.Signal) bool {
	if e.agent == nil {
		return false
	}
	pc, err := e.getPC(th)
	if err != nil {
		return false
	}
	state, exitAddr := e.agent.Collecting(th.ptid(), pc)
	if state == proc.NotCollecting {
		return false
	}
	nsig, info := e.captureSignal(th, sig)
	e.deferSignal(th, nsig, info)
	th.collecting = state
	if th.exitJumpPadBp == nil {
		bp, err := e.insertSWBreakpoint(dbp, exitAddr, proc.JumpPadExitBreakpoint)
		if err != nil {
			e.wlog.Errorf("%s: could not set jump pad exit breakpoint at %#x: %v", th, exitAddr, err)
			return false
		}
		th.exitJumpPadBp = bp
	}
	e.wlog.Debugf("%s: in jump pad (%s), signal %d deferred until %#x", th, state, nsig, exitAddr)
	return true
}

// threadExited handles the exit of th. The exit of the last thread of a
// process is the exit of the process.
func (e *Engine) threadExited(th *nativeThread, dbp *nativeProcess, ws sys.WaitStatus) {
	if e.stepOver.active() && e.stepOver.target == th.h {
		e.abandonStepOver(th.pid, true)
	}
	th.stopped = false
	th.stepping = false

	if dbp.exited {
		// Late exit of a thread of a process whose exit was collected.
		if !th.statusPending {
			e.forgetThread(th)
		}
		return
	}
	if th.isLeader() || e.reg.lastThreadOf(th.pid) {
		ev := proc.Event{Kind: proc.EventExited, Thread: th.ptid(), ExitCode: ws.ExitStatus()}
		if ws.Signaled() {
			ev = proc.Event{Kind: proc.EventSignalled, Thread: th.ptid(), Sig: int(ws.Signal())}
		}
		e.wlog.Debugf("process %d: %s", th.pid, ev)
		dbp.exited = true
		for _, t := range e.reg.threadsOf(th.pid) {
			t.dead = true
			t.statusPending = false
			t.pendingEvent = nil
		}
		th.status = ws
		th.pendingEvent = &ev
		th.statusPending = true
		return
	}

	th.dead = true
	if !e.cfg.ReportThreadEvents {
		e.wlog.Debugf("%s: exited", th)
		e.forgetThread(th)
		return
	}
	th.status = ws
	th.pendingEvent = &proc.Event{Kind: proc.EventThreadExited, Thread: th.ptid(), ExitCode: ws.ExitStatus()}
	th.statusPending = true
}
