package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/linutil"
)

// WaitOptions modify the behavior of Wait.
type WaitOptions struct {
	// NonBlocking makes Wait return an EventIgnore event instead of
	// blocking when nothing is ready.
	NonBlocking bool
}

// Resume applies reqs to the threads they match. Each thread uses the
// first request that matches it, threads matched by no request are left
// as they are. A request naming a single thread that is not alive is a
// bug in the caller and panics.
//
// If one of the threads has an event that was not reported yet, or
// needs to be moved past a breakpoint first, threads are not resumed
// right away: the next Wait reports the pending event or completes the
// step over before resuming them.
func (e *Engine) Resume(reqs []proc.ResumeRequest) error {
	if e.stepOver.active() {
		return proc.ErrStepOverInProgress
	}
	for _, req := range reqs {
		e.log.Debugf("resume %s", req)
		if !req.Thread.IsWildcard() && req.Thread != proc.NoThread && !e.ThreadAlive(req.Thread) {
			panic(fmt.Errorf("resuming %s, which is not a live traced thread", req.Thread))
		}
	}

	pending := false
	var err error
	e.reg.forEachThread(func(th *nativeThread) {
		if th.dead {
			return
		}
		for _, req := range reqs {
			if !req.Thread.Matches(th.ptid()) {
				continue
			}
			if err1 := e.applyResume(th, req); err1 != nil && err == nil {
				err = err1
			}
			if th.statusPending && req.Kind != proc.ResumeStop {
				pending = true
			}
			break
		}
	})
	if err != nil {
		return err
	}
	if pending {
		e.log.Debugf("not resuming, an event is pending")
		if e.async.Load() {
			e.markEventPipe()
		}
		return nil
	}
	return e.proceedAll()
}

func (e *Engine) applyResume(th *nativeThread, req proc.ResumeRequest) error {
	if req.Kind == proc.ResumeStop {
		th.lastResumeKind = proc.ResumeStop
		if th.stopped {
			return nil
		}
		th.reportStop = true
		if th.stopExpected {
			return nil
		}
		if err := e.t.tgkill(th.pid, th.tid, sys.SIGSTOP); err != nil && !e.threadGone(th, err) {
			return fmt.Errorf("could not stop %s: %w", th, err)
		}
		th.stopExpected = true
		return nil
	}

	th.lastResumeKind = req.Kind
	th.reportStop = false
	th.stepRange = proc.AddrRange{}
	if req.Kind == proc.ResumeStep {
		th.stepRange = req.StepRange
	}
	if req.Sig != 0 && th.stopped {
		e.enqueuePending(th, req.Sig, nil)
	}
	return nil
}

// canResume returns true if th is stopped and nothing holds it.
func (e *Engine) canResume(th *nativeThread) bool {
	return th.stopped && !th.dead && th.suspended == 0 && !th.statusPending && th.lastResumeKind != proc.ResumeStop
}

// proceedAll resumes every thread that is stopped but should be running.
// If one of them needs to step over a breakpoint the step over is started
// instead, the others are resumed when it completes.
func (e *Engine) proceedAll() error {
	if e.stepOver.active() {
		// The target stopped for something we consumed, a SIGSTOP sent
		// before the step over started: step it again.
		target := e.reg.get(e.stepOver.target)
		if e.stepOver.phase == stepOverSingleStepping && target != nil && target.stopped && !target.dead && !target.statusPending {
			return e.singleStepThread(target, e.reg.findProcess(target.pid), 0)
		}
		return nil
	}
	if th := e.reg.findThreadBy(func(th *nativeThread) bool {
		return e.canResume(th) && e.needStepOver(th, e.reg.findProcess(th.pid))
	}); th != nil {
		return e.startStepOver(th, e.reg.findProcess(th.pid))
	}
	var err error
	e.reg.forEachThread(func(th *nativeThread) {
		if !e.canResume(th) {
			return
		}
		if err1 := e.resumeOne(th); err1 != nil && err == nil {
			err = err1
		}
	})
	return err
}

// resumeOne resumes th according to its last resume request.
func (e *Engine) resumeOne(th *nativeThread) error {
	if th.suspended > 0 {
		panic(fmt.Errorf("resuming suspended thread %s", th.describe()))
	}
	dbp := e.reg.findProcess(th.pid)

	// A thread out of its jump pad reports the signals it received while
	// inside, one per stop.
	if th.collecting == proc.NotCollecting && len(th.deferredSignals) > 0 {
		ps, _, err := e.undeferSignal(th)
		if err != nil && !e.threadGone(th, err) {
			return err
		}
		th.status = stoppedStatus(sys.Signal(ps.sig))
		th.stopReason = proc.StopReasonNone
		th.statusPending = true
		return nil
	}

	sig := 0
	if th.collecting == proc.NotCollecting {
		var err error
		if sig, err = e.dequeuePending(th); err != nil && !e.threadGone(th, err) {
			return err
		}
	}

	var err error
	switch {
	case th.lastResumeKind == proc.ResumeStep:
		e.log.Debugf("%s: step sig=%d", th, sig)
		err = e.singleStepThread(th, dbp, sig)
	case dbp.catchesSyscalls():
		e.log.Debugf("%s: syscall-continue sig=%d", th, sig)
		th.stepping = false
		if err = e.t.syscallCont(th.tid, sig); err == nil {
			th.stopped = false
		}
	default:
		e.log.Debugf("%s: continue sig=%d", th, sig)
		th.stepping = false
		th.syscallState = syscallNone
		if err = e.t.cont(th.tid, sig); err == nil {
			th.stopped = false
		}
	}
	if err != nil {
		if e.threadGone(th, err) {
			// Its exit will be collected by the next wait.
			th.stopped = false
			return nil
		}
		return fmt.Errorf("could not resume %s: %w", th, err)
	}
	return nil
}

// stopThreads stops every thread matching filter except except, and
// waits until they are all stopped. With suspend their suspend count is
// incremented, unsuspendThreads undoes it.
func (e *Engine) stopThreads(filter proc.PTID, suspend bool, except *nativeThread) error {
	e.log.Debugf("stopping %s (suspend=%v)", filter, suspend)
	e.stopping, e.stoppingSuspend, e.stoppingFilter = true, suspend, filter
	defer func() {
		e.stopping, e.stoppingSuspend, e.stoppingFilter = false, false, proc.NoThread
	}()

	matches := func(th *nativeThread) bool {
		return th != except && !th.dead && filter.Matches(th.ptid())
	}

	// Threads that can no longer stop. Their exit is collected later.
	gone := make(map[*nativeThread]bool)

	var err error
	e.reg.forEachThread(func(th *nativeThread) {
		if !matches(th) {
			return
		}
		if suspend {
			th.suspended++
		}
		if th.stopped || th.stopExpected {
			return
		}
		if err1 := e.t.tgkill(th.pid, th.tid, sys.SIGSTOP); err1 != nil {
			if e.threadGone(th, err1) {
				gone[th] = true
				if th.isLeader() && e.othersAlive(th) {
					e.markZombieLeader(th)
				}
			} else if err == nil {
				err = fmt.Errorf("could not stop %s: %w", th, err1)
			}
			return
		}
		th.stopExpected = true
	})
	if err != nil {
		return err
	}

	for {
		running := e.reg.findThreadBy(func(th *nativeThread) bool {
			return matches(th) && !th.stopped && !gone[th]
		})
		if running == nil {
			return nil
		}
		n, err := e.drainKernel()
		if err != nil {
			return err
		}
		if n == 0 {
			// A leader that exited before the rest of its threads never
			// stops again.
			if e.checkZombieLeaders() > 0 {
				continue
			}
			e.blockForChildEvent()
		}
	}
}

// othersAlive returns true if the process of th has a live thread other
// than th.
func (e *Engine) othersAlive(th *nativeThread) bool {
	return e.reg.findThreadBy(func(t *nativeThread) bool {
		return t.pid == th.pid && t != th && !t.dead
	}) != nil
}

// markZombieLeader records that th, the leader of its process, exited
// while other threads still run. The kernel reports its exit status after
// theirs, as the exit of the process.
func (e *Engine) markZombieLeader(th *nativeThread) {
	e.wlog.Debugf("%s: leader is a zombie", th)
	th.dead = true
	th.zombieLeader = true
	th.stopped = false
	th.stopExpected = false
	th.reportStop = false
	if th.pendingEvent == nil {
		th.statusPending = false
	}
}

// checkZombieLeaders marks the running leaders /proc shows as zombies
// while other threads of their process are alive, and returns how many it
// marked.
func (e *Engine) checkZombieLeaders() int {
	n := 0
	e.reg.forEachThread(func(th *nativeThread) {
		if !th.isLeader() || th.dead || th.stopped {
			return
		}
		if e.procfs.ThreadState(th.tid) != linutil.ThreadZombie || !e.othersAlive(th) {
			return
		}
		e.markZombieLeader(th)
		n++
	})
	return n
}

// unsuspendThreads decrements the suspend count of every thread matching
// filter except except.
func (e *Engine) unsuspendThreads(filter proc.PTID, except *nativeThread) {
	e.reg.forEachThread(func(th *nativeThread) {
		if th == except || th.dead || !filter.Matches(th.ptid()) {
			return
		}
		if th.suspended == 0 {
			panic(fmt.Errorf("suspend count of %s would become negative", th.describe()))
		}
		th.suspended--
	})
}

// threadGone returns true if err is ESRCH and /proc says that th is gone
// or a zombie. Its exit will be reported by wait4 eventually, anything
// pending on it is dropped.
func (e *Engine) threadGone(th *nativeThread, err error) bool {
	if !proc.IsESRCH(err) {
		return false
	}
	state := e.procfs.ThreadState(th.tid)
	if !state.Dead() {
		e.log.Debugf("%s: ESRCH but thread is %s", th, state)
		return false
	}
	e.log.Debugf("%s: thread is gone (%s)", th, state)
	if th.pendingEvent == nil {
		th.statusPending = false
	}
	return true
}

// Wait returns the next event of a thread matching filter.
//
// Events the caller is not interested in (internal breakpoint hits, the
// end of a step over, steps inside a stepping range, passed signals) are
// handled here and never returned. In all-stop mode every thread is
// stopped before returning an event.
func (e *Engine) Wait(filter proc.PTID, opts WaitOptions) (proc.Event, error) {
	e.flushEventPipe()
	ev, err := e.wait(filter, opts)
	if e.async.Load() && e.reg.findThreadBy(func(th *nativeThread) bool { return th.statusPending }) != nil {
		e.markEventPipe()
	}
	if err == nil && ev.Kind != proc.EventIgnore {
		e.log.Debugf("event: %s", ev)
	}
	return ev, err
}

func (e *Engine) wait(filter proc.PTID, opts WaitOptions) (proc.Event, error) {
	for {
		reportFilter, blocking := filter, !opts.NonBlocking
		waitFilter := filter
		if e.stepOver.active() {
			// The step over must complete before anything else happens.
			if target := e.reg.get(e.stepOver.target); target != nil {
				reportFilter, waitFilter, blocking = target.ptid(), target.ptid(), true
			}
		}

		th, res, err := e.waitForEvent(waitFilter, reportFilter, blocking)
		if err != nil {
			return proc.Event{}, err
		}
		switch res {
		case nothingYet:
			return proc.Event{Kind: proc.EventIgnore}, nil
		case noChildren:
			if e.stepOver.active() {
				e.abandonStepOver(e.stepOver.pid, true)
				continue
			}
			return proc.Event{Kind: proc.EventNoResumed}, nil
		}

		th.statusPending = false
		if th.dead {
			return e.reportExit(th), nil
		}

		dbp := e.reg.findProcess(th.pid)
		stepOverFinished := false
		if e.stepOver.active() && e.stepOver.target == th.h {
			stepOverFinished = e.finishStepOver(th, dbp)
			e.unsuspendThreads(proc.AnyThread, th)
		}

		if e.suppress(th, dbp, stepOverFinished) {
			if err := e.proceedAll(); err != nil {
				return proc.Event{}, err
			}
			continue
		}

		if !e.nonStop {
			th.statusPending = true
			if err := e.stopThreads(proc.AnyThread, false, nil); err != nil {
				return proc.Event{}, err
			}
			th = e.selectAllStop(filter, th)
			th.statusPending = false
			e.reg.forEachThread(func(t *nativeThread) {
				t.lastResumeKind = proc.ResumeStop
				t.reportStop = false
				t.stepRange = proc.AddrRange{}
			})
			if th.dead {
				return e.reportExit(th), nil
			}
			dbp = e.reg.findProcess(th.pid)
		} else {
			th.lastResumeKind = proc.ResumeStop
			th.reportStop = false
			th.stepRange = proc.AddrRange{}
		}
		return e.buildEvent(th, dbp)
	}
}

// selectAllStop chooses the event reported once every thread is stopped,
// among the threads that have one worth reporting. The others stay
// pending.
func (e *Engine) selectAllStop(filter proc.PTID, th *nativeThread) *nativeThread {
	var cands []*nativeThread
	e.reg.forEachThread(func(t *nativeThread) {
		if !t.statusPending || !filter.Matches(t.ptid()) || (!t.dead && !t.resumed()) {
			return
		}
		if t != th {
			if e.discardStale(t) {
				return
			}
			if e.steppingInRange(t) {
				// Stopped by us inside its range, there is nothing to tell.
				t.statusPending = false
				t.stopReason = proc.StopReasonNone
				return
			}
			if !e.reportable(t) {
				return
			}
		}
		cands = append(cands, t)
	})
	if sel := e.selectEvent(cands); sel != nil {
		if sel != th {
			e.wlog.Debugf("reporting %s instead of %s", sel, th)
		}
		return sel
	}
	return th
}

// reportable returns true if the pending status of th would not be
// suppressed.
func (e *Engine) reportable(th *nativeThread) bool {
	if th.dead || th.pendingEvent != nil {
		return true
	}
	sig := th.stopSignal()
	if sig != sys.SIGTRAP {
		return !e.passSignals[int(sig)]
	}
	dbp := e.reg.findProcess(th.pid)
	if e.internalHit(th, dbp) != nil {
		return false
	}
	if th.exitJumpPadBp != nil && th.stopPC == th.exitJumpPadBp.Addr {
		return len(th.deferredSignals) > 0
	}
	return !e.steppingInRange(th)
}

// steppingInRange returns true if th single stepped for a range step and
// is still inside the range.
func (e *Engine) steppingInRange(th *nativeThread) bool {
	return th.lastResumeKind == proc.ResumeStep && !th.stepRange.Empty() &&
		th.stopReason == proc.StopReasonSingleStep && th.stepRange.Contains(th.stopPC)
}

// internalHit returns the breakpoint th stopped at if only the engine is
// interested in it.
func (e *Engine) internalHit(th *nativeThread, dbp *nativeProcess) *proc.Breakpoint {
	const internal = proc.InternalBreakpoint | proc.StepHelperBreakpoint
	switch th.stopReason {
	case proc.StopReasonSWBreakpoint:
	case proc.StopReasonSingleStep:
		// A step that landed on an internal breakpoint hit it, unless the
		// caller asked for the step.
		if th.lastResumeKind == proc.ResumeStep {
			return nil
		}
	case proc.StopReasonHWBreakpoint:
		if bp, ok := dbp.bps.HardwareAt(th.stopPC); ok && bp.Kind&internal != 0 && !bp.IsUser() {
			return bp
		}
		return nil
	default:
		return nil
	}
	if bp, ok := dbp.bps.Software(th.stopPC); ok && bp.Kind&internal != 0 && !bp.IsUser() {
		return bp
	}
	return nil
}

// suppress handles the events the caller does not see. It returns true if
// the event of th was consumed.
func (e *Engine) suppress(th *nativeThread, dbp *nativeProcess, stepOverFinished bool) bool {
	if th.pendingEvent != nil {
		return false
	}
	sig := th.stopSignal()
	if sig != sys.SIGTRAP {
		if e.passSignals[int(sig)] {
			nsig, info := e.captureSignal(th, sig)
			e.enqueuePending(th, nsig, info)
			e.wlog.Debugf("%s: passing signal %d", th, nsig)
			return true
		}
		return false
	}

	userStep := th.lastResumeKind == proc.ResumeStep
	if stepOverFinished && th.stopReason == proc.StopReasonSingleStep && !userStep {
		return true
	}

	if bp := e.internalHit(th, dbp); bp != nil {
		bp.TotalHitCount++
		e.wlog.Debugf("%s: hit internal %s", th, bp)
		return true
	}

	if th.exitJumpPadBp != nil && th.stopPC == th.exitJumpPadBp.Addr && th.stopReason == proc.StopReasonSWBreakpoint {
		e.wlog.Debugf("%s: out of jump pad", th)
		if err := e.removeSWBreakpoint(dbp, th.exitJumpPadBp.Addr, proc.JumpPadExitBreakpoint); err != nil {
			e.wlog.Errorf("%s: could not remove jump pad exit breakpoint: %v", th, err)
		}
		th.exitJumpPadBp = nil
		th.collecting = proc.NotCollecting
		ps, ok, err := e.undeferSignal(th)
		if err != nil {
			e.wlog.Errorf("%s: %v", th, err)
		}
		if !ok {
			return true
		}
		th.status = stoppedStatus(sys.Signal(ps.sig))
		th.stopReason = proc.StopReasonNone
		return false
	}

	if e.steppingInRange(th) {
		e.wlog.Debugf("%s: %#x still in stepping range", th, th.stopPC)
		return true
	}
	return false
}

func (e *Engine) reportExit(th *nativeThread) proc.Event {
	ev := *th.pendingEvent
	th.pendingEvent = nil
	e.lastReported = th.tid
	if ev.Kind == proc.EventThreadExited {
		e.forgetThread(th)
	}
	return ev
}

// buildEvent turns the status of th into the event returned by Wait.
func (e *Engine) buildEvent(th *nativeThread, dbp *nativeProcess) (proc.Event, error) {
	e.lastReported = th.tid
	th.initialStop = false

	if th.pendingEvent != nil {
		ev := *th.pendingEvent
		th.pendingEvent = nil
		switch ev.Kind {
		case proc.EventForked, proc.EventVforked, proc.EventThreadCreated:
			e.reg.clearForkRelative(th)
		case proc.EventStopped:
			if pc, err := e.getPC(th); err == nil {
				ev.PC = pc
			}
		}
		return ev, nil
	}

	pc, err := e.getPC(th)
	if err != nil {
		if e.threadGone(th, err) {
			return proc.Event{Kind: proc.EventStopped, Thread: th.ptid(), Sig: int(th.stopSignal())}, nil
		}
		return proc.Event{}, err
	}
	ev := proc.Event{Kind: proc.EventStopped, Thread: th.ptid(), Sig: int(th.stopSignal()), PC: pc}
	if th.stopSignal() != sys.SIGTRAP {
		return ev, nil
	}

	ev.StopReason = th.stopReason
	switch th.stopReason {
	case proc.StopReasonSWBreakpoint:
		if bp, ok := dbp.bps.Software(th.stopPC); ok {
			bp.TotalHitCount++
		}
		if decr := dbp.arch.DecrPCAfterBreak(); !e.cfg.AdjustBreakpointPC && decr != 0 && pc == th.stopPC {
			if err := e.setPC(th, pc+decr); err != nil {
				return proc.Event{}, err
			}
			ev.PC = pc + decr
		}
	case proc.StopReasonHWBreakpoint:
		if bp, ok := dbp.bps.HardwareAt(th.stopPC); ok {
			bp.TotalHitCount++
		}
	case proc.StopReasonWatchpoint:
		ev.DataAddress = th.stoppedDataAddr
		if bp, ok := dbp.bps.HW[th.stoppedDataAddr]; ok {
			bp.TotalHitCount++
		}
	}
	return ev, nil
}
