package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
)

// handleExtendedEvent handles a PTRACE_EVENT stop of th. It returns the
// thread that carries the event, which is a new record for exec, and
// whether the event must be reported to the caller.
func (e *Engine) handleExtendedEvent(th *nativeThread, dbp *nativeProcess, ws sys.WaitStatus) (*nativeThread, bool, error) {
	event := ws.TrapCause()
	th.stopReason = proc.StopReasonExtendedEvent

	switch event {
	case sys.PTRACE_EVENT_FORK, sys.PTRACE_EVENT_VFORK, sys.PTRACE_EVENT_CLONE:
		msg, err := e.t.getEventMsg(th.tid)
		if err != nil {
			return th, false, fmt.Errorf("could not get the new thread of %s: %w", th, err)
		}
		tid := int(msg)
		cws, err := e.initialChildStop(tid)
		if err != nil {
			return th, false, fmt.Errorf("could not wait for new thread %d of %s: %w", tid, th, err)
		}
		if event == sys.PTRACE_EVENT_CLONE {
			return th, e.newClone(th, dbp, tid, cws), nil
		}
		return th, e.newFork(th, dbp, tid, cws, event == sys.PTRACE_EVENT_VFORK), nil

	case sys.PTRACE_EVENT_VFORK_DONE:
		e.wlog.Debugf("%s: vfork done", th)
		th.vforkParent = false
		if !e.cfg.ReportVforkDone {
			return th, false, nil
		}
		th.pendingEvent = &proc.Event{Kind: proc.EventVforkDone, Thread: th.ptid()}
		return th, true, nil

	case sys.PTRACE_EVENT_EXEC:
		return e.handleExec(th, dbp, ws), true, nil
	}

	e.wlog.Warnf("%s: unexpected ptrace event %d", th, event)
	return th, false, nil
}

// initialChildStop returns the first stop of a new thread or process. The
// kernel can report it before the event of the parent, in which case it is
// in the stray stop cache.
func (e *Engine) initialChildStop(tid int) (sys.WaitStatus, error) {
	if v, ok := e.strays.Get(tid); ok {
		e.strays.Remove(tid)
		e.wlog.Debugf("initial stop of %d was already collected", tid)
		return v.(sys.WaitStatus), nil
	}
	for {
		wpid, ws, err := e.t.wait4(tid, 0)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if wpid == tid {
			return ws, nil
		}
	}
}

// newThreadSuspended returns true if a thread created now must start
// suspended: every thread other than the target of a step over is
// suspended while it is in flight.
func (e *Engine) newThreadSuspended(ptid proc.PTID) bool {
	if e.stepOver.active() {
		return true
	}
	return e.stopping && e.stoppingSuspend && e.stoppingFilter.Matches(ptid)
}

// setChildStop records the initial stop of a new thread. Anything other
// than the SIGSTOP every new thread starts with is kept for the caller.
func (e *Engine) setChildStop(child *nativeThread, ws sys.WaitStatus) {
	child.stopped = true
	if ws.Stopped() && ws.StopSignal() == sys.SIGSTOP {
		return
	}
	e.wlog.Debugf("%s: initial stop is %#x", child, uint32(ws))
	if ws.Exited() || ws.Signaled() {
		child.stopped = false
		child.dead = true
		return
	}
	child.status = ws
	child.statusPending = true
}

func (e *Engine) newClone(parent *nativeThread, dbp *nativeProcess, tid int, ws sys.WaitStatus) bool {
	child := e.reg.addThread(dbp, tid)
	e.wlog.Debugf("%s: new thread %s", parent, child)
	e.setChildStop(child, ws)
	if child.dead {
		e.forgetThread(child)
		return false
	}
	if err := e.copyHWBreakpoints(dbp, child); err != nil {
		e.wlog.Warnf("%s: could not copy hardware breakpoints: %v", child, err)
	}
	if e.newThreadSuspended(child.ptid()) {
		child.suspended = 1
	}

	// The new thread runs as its parent was asked to, a step is for the
	// parent only.
	child.lastResumeKind = parent.lastResumeKind
	if child.lastResumeKind == proc.ResumeStep {
		child.lastResumeKind = proc.ResumeContinue
	}

	if !e.cfg.ReportThreadEvents {
		return false
	}
	e.reg.linkForkRelatives(parent, child)
	parent.pendingEvent = &proc.Event{Kind: proc.EventThreadCreated, Thread: parent.ptid(), Child: child.ptid()}
	return true
}

func (e *Engine) newFork(parent *nativeThread, dbp *nativeProcess, pid int, ws sys.WaitStatus, vfork bool) bool {
	parent.vforkParent = vfork

	if !e.cfg.FollowFork {
		// The memory of the child is a copy of ours, breakpoints included.
		for _, bp := range dbp.bps.M {
			if !bp.Inserted {
				continue
			}
			if _, err := e.t.writeMemory(pid, bp.Addr, bp.OriginalData); err != nil {
				e.wlog.Warnf("could not remove breakpoint at %#x from child %d: %v", bp.Addr, pid, err)
			}
		}
		if err := e.t.detach(pid, 0); err != nil {
			e.wlog.Warnf("could not detach from child %d of %s: %v", pid, parent, err)
		}
		e.wlog.Debugf("%s: detached from child %d", parent, pid)
		return false
	}

	cdbp := e.reg.addProcess(pid, false, dbp.arch)
	cdbp.bps = dbp.bps.Clone()
	cdbp.catchAllSyscalls = dbp.catchAllSyscalls
	for nr := range dbp.catchSyscalls {
		if cdbp.catchSyscalls == nil {
			cdbp.catchSyscalls = make(map[int]bool)
		}
		cdbp.catchSyscalls[nr] = true
	}
	cdbp.exe, cdbp.comm = dbp.exe, dbp.comm

	child := e.reg.addThread(cdbp, pid)
	e.setChildStop(child, ws)
	if child.dead {
		e.forgetThread(child)
		e.reg.removeProcess(pid)
		return false
	}
	if e.newThreadSuspended(child.ptid()) {
		child.suspended = 1
	}
	// The child stays stopped until the caller resumes it.
	child.lastResumeKind = proc.ResumeStop

	if e.agent != nil {
		e.agent.CloneJumps(dbp.pid, pid)
	}

	kind := proc.EventForked
	if vfork {
		kind = proc.EventVforked
	}
	e.wlog.Debugf("%s: %s %s", parent, kind, child)
	e.reg.linkForkRelatives(parent, child)
	parent.pendingEvent = &proc.Event{Kind: kind, Thread: parent.ptid(), Child: child.ptid()}
	return true
}

// handleExec replaces every record of the process of th: after an exec
// only the thread group leader is left, with a new address space.
func (e *Engine) handleExec(th *nativeThread, dbp *nativeProcess, ws sys.WaitStatus) *nativeThread {
	pid := dbp.pid
	e.abandonStepOver(pid, false)

	resumeKind := th.lastResumeKind
	if resumeKind == proc.ResumeStep {
		resumeKind = proc.ResumeContinue
	}
	for _, t := range e.reg.threadsOf(pid) {
		e.forgetThread(t)
	}
	e.reg.removeProcess(pid)

	ndbp := e.reg.addProcess(pid, dbp.attached, dbp.arch)
	ndbp.catchAllSyscalls = dbp.catchAllSyscalls
	ndbp.catchSyscalls = dbp.catchSyscalls
	ndbp.exe = e.procfs.ExePath(pid)
	ndbp.comm = e.procfs.Comm(pid)

	nth := e.reg.addThread(ndbp, pid)
	nth.stopped = true
	nth.status = ws
	nth.stopReason = proc.StopReasonExtendedEvent
	nth.lastResumeKind = resumeKind
	if e.newThreadSuspended(nth.ptid()) {
		nth.suspended = 1
	}
	nth.pendingEvent = &proc.Event{Kind: proc.EventExecd, Thread: nth.ptid(), ExecPath: ndbp.exe}
	e.wlog.Debugf("%s: exec %s", nth, ndbp.exe)
	return nth
}

// forgetThread removes th without reporting anything about it.
func (e *Engine) forgetThread(th *nativeThread) {
	e.reg.clearForkRelative(th)
	th.statusPending = false
	th.pendingEvent = nil
	e.reg.removeThread(th)
}
