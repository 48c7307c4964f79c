package native

import (
	"errors"
	"fmt"
	"os"
	"strings"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/linutil"
)

const (
	ptraceOptionsEvents = sys.PTRACE_O_TRACECLONE | sys.PTRACE_O_TRACEFORK | sys.PTRACE_O_TRACEVFORK |
		sys.PTRACE_O_TRACEEXEC | sys.PTRACE_O_TRACEVFORKDONE
	ptraceOptionsAll = ptraceOptionsEvents | sys.PTRACE_O_TRACESYSGOOD | sys.PTRACE_O_EXITKILL

	ptraceScopePath = "/proc/sys/kernel/yama/ptrace_scope"
)

// probeOptions finds the ptrace options supported by the kernel, using th
// which must be stopped. Options are dropped one group at a time, least
// important first.
func (e *Engine) probeOptions(th *nativeThread) error {
	candidates := []int{
		ptraceOptionsAll,
		ptraceOptionsAll &^ sys.PTRACE_O_EXITKILL,
		ptraceOptionsEvents,
		sys.PTRACE_O_TRACECLONE,
	}
	var err error
	for _, opts := range candidates {
		if err = e.t.setOptions(th.tid, opts); err == nil {
			e.optionsProbed = true
			e.ptraceOptions = opts
			e.exitKill = opts&sys.PTRACE_O_EXITKILL != 0
			e.log.Debugf("ptrace options %#x", opts)
			return nil
		}
		if proc.IsESRCH(err) {
			break
		}
		e.log.Debugf("ptrace options %#x not supported: %v", opts, err)
	}
	return fmt.Errorf("could not set ptrace options of %s: %w", th, err)
}

// optionsFor returns the ptrace options of the threads of dbp. Processes
// we attached to must survive us.
func (e *Engine) optionsFor(dbp *nativeProcess) int {
	if dbp.attached {
		return e.ptraceOptions &^ sys.PTRACE_O_EXITKILL
	}
	return e.ptraceOptions
}

func (e *Engine) setInitialOptions(th *nativeThread, dbp *nativeProcess) error {
	if !e.optionsProbed {
		if err := e.probeOptions(th); err != nil {
			return err
		}
	}
	if err := e.t.setOptions(th.tid, e.optionsFor(dbp)); err != nil {
		return fmt.Errorf("could not set ptrace options of %s: %w", th, err)
	}
	return nil
}

// waitInitialStop waits for the first stop of a process we started or
// attached to.
func (e *Engine) waitInitialStop(pid int) (sys.WaitStatus, error) {
	for {
		wpid, ws, err := e.t.wait4(pid, 0)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		if wpid != pid {
			continue
		}
		if ws.Exited() {
			return ws, proc.ErrProcessExited{Pid: pid, Status: ws.ExitStatus()}
		}
		if ws.Signaled() {
			return ws, fmt.Errorf("process %d killed by signal %d before it could be traced", pid, ws.Signal())
		}
		return ws, nil
	}
}

// Create starts argv as a new traced process. The process is stopped at
// its first instruction, the next Wait reports it as stopped with no
// signal.
func (e *Engine) Create(argv []string, opts CreateOptions) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("no program to start")
	}
	if e.cfg.DisableASLR {
		opts.DisableASLR = true
	}
	pid, err := e.t.startProcess(argv, opts)
	if err != nil {
		return 0, fmt.Errorf("could not start %s: %w", argv[0], err)
	}
	ws, err := e.waitInitialStop(pid)
	if err != nil {
		return 0, err
	}

	dbp := e.reg.addProcess(pid, false, e.arch)
	th := e.reg.addThread(dbp, pid)
	th.stopped = true
	th.status = ws
	if err := e.setInitialOptions(th, dbp); err != nil {
		_ = e.t.tgkill(pid, pid, sys.SIGKILL)
		e.forgetThread(th)
		e.reg.removeProcess(pid)
		return 0, err
	}
	dbp.exe = e.procfs.ExePath(pid)
	dbp.comm = e.procfs.Comm(pid)
	e.setInitialStop(th)
	e.log.Debugf("created process %d (%s)", pid, dbp.exe)
	return pid, nil
}

// setInitialStop leaves the first stop of a new process pending.
func (e *Engine) setInitialStop(th *nativeThread) {
	th.initialStop = true
	th.reportStop = true
	th.pendingEvent = &proc.Event{Kind: proc.EventStopped, Thread: th.ptid()}
	th.statusPending = true
	if e.async.Load() {
		e.markEventPipe()
	}
}

// Attach starts tracing pid and every one of its threads. The process is
// stopped, the next Wait reports it as stopped with no signal.
func (e *Engine) Attach(pid int) error {
	if e.reg.findProcess(pid) != nil {
		return &proc.AttachError{Op: "attach to", Pid: pid, Err: sys.EALREADY, Reason: "already traced by us"}
	}
	if err := e.t.attach(pid); err != nil {
		return e.attachError(pid, err)
	}
	ws, err := e.waitInitialStop(pid)
	if err != nil {
		return &proc.AttachError{Op: "attach to", Pid: pid, Err: err}
	}

	dbp := e.reg.addProcess(pid, true, e.arch)
	th := e.reg.addThread(dbp, pid)
	th.stopped = true
	th.status = ws
	if err := e.setInitialOptions(th, dbp); err != nil {
		_ = e.t.detach(pid, 0)
		e.forgetThread(th)
		e.reg.removeProcess(pid)
		return &proc.AttachError{Op: "attach to", Pid: pid, Err: err}
	}
	if sig := ws.StopSignal(); sig != sys.SIGSTOP {
		// Something else stopped the leader before our SIGSTOP arrived,
		// keep the signal for when the process is resumed.
		e.log.Debugf("%s: first stop by signal %d", th, sig)
		th.stopExpected = true
		nsig, info := e.captureSignal(th, sig)
		e.enqueuePending(th, nsig, info)
	}
	dbp.exe = e.procfs.ExePath(pid)
	dbp.comm = e.procfs.Comm(pid)

	// New threads can be created while we attach to the existing ones,
	// the ones created after the thread that created them was attached
	// are reported by clone events.
	for {
		tids, err := e.procfs.Tasks(pid)
		if err != nil {
			e.log.Warnf("could not list threads of %d: %v", pid, err)
			break
		}
		added := 0
		for _, tid := range tids {
			if e.reg.findThread(tid) != nil {
				continue
			}
			if err := e.t.attach(tid); err != nil {
				if proc.IsESRCH(err) {
					// exited in the meantime
					continue
				}
				e.log.Warnf("could not attach to thread %d of %d: %v", tid, pid, err)
				continue
			}
			nth := e.reg.addThread(dbp, tid)
			nth.stopExpected = true
			nth.mustSetOptions = true
			added++
		}
		if added == 0 {
			break
		}
	}

	e.setInitialStop(th)
	e.log.Debugf("attached to process %d (%s) with %d threads", pid, dbp.exe, e.reg.countThreadsOf(pid))
	return nil
}

// attachError explains why ptrace(PTRACE_ATTACH) failed.
func (e *Engine) attachError(pid int, err error) error {
	aerr := &proc.AttachError{Op: "attach to", Pid: pid, Err: err}
	switch {
	case errors.Is(err, sys.ESRCH):
		aerr.Reason = "no such process"
	case errors.Is(err, sys.EPERM):
		if tracer, _ := e.procfs.TracerPid(pid); tracer != 0 {
			aerr.Reason = fmt.Sprintf("already traced by process %d", tracer)
		} else if e.procfs.ThreadState(pid) == linutil.ThreadZombie {
			aerr.Reason = "process is a zombie"
		} else if buf, _ := os.ReadFile(ptraceScopePath); len(buf) > 0 && strings.TrimSpace(string(buf)) != "0" {
			aerr.Reason = fmt.Sprintf("permission denied, %s is %s", ptraceScopePath, strings.TrimSpace(string(buf)))
		} else {
			aerr.Reason = "permission denied"
		}
	}
	return aerr
}

// Kill kills pid and forgets it. Threads other than the leader are killed
// and reaped first, the kernel does not report the exit of the leader
// before the exit of every other thread.
func (e *Engine) Kill(pid int) error {
	dbp := e.reg.findProcess(pid)
	if dbp == nil {
		return fmt.Errorf("no such process %d", pid)
	}
	if dbp.exited {
		e.Mourn(pid)
		return nil
	}
	e.abandonStepOver(pid, false)
	if err := e.stopThreads(proc.ProcessThreads(pid), false, nil); err != nil {
		e.log.Debugf("could not stop %d before killing it: %v", pid, err)
	}

	var leader *nativeThread
	for _, th := range e.reg.threadsOf(pid) {
		if th.isLeader() {
			leader = th
			continue
		}
		e.killWait(th)
	}
	if leader != nil {
		e.killWait(leader)
	}
	e.Mourn(pid)
	return nil
}

// killWait sends SIGKILL to th and reaps it.
func (e *Engine) killWait(th *nativeThread) {
	if th.dead && !th.zombieLeader {
		return
	}
	e.log.Debugf("killing %s", th)
	if err := e.t.tgkill(th.pid, th.tid, sys.SIGKILL); err != nil && !proc.IsESRCH(err) {
		e.log.Warnf("could not kill %s: %v", th, err)
	}
	for {
		wpid, ws, err := e.t.wait4(th.tid, 0)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			// ECHILD, already reaped.
			break
		}
		if wpid == th.tid && (ws.Exited() || ws.Signaled()) {
			break
		}
	}
	th.dead = true
	th.stopped = false
	th.statusPending = false
	th.pendingEvent = nil
}

// Detach stops tracing pid. Breakpoints are removed from its memory and a
// signal it stopped with and was not delivered yet is delivered.
func (e *Engine) Detach(pid int) error {
	dbp := e.reg.findProcess(pid)
	if dbp == nil {
		return fmt.Errorf("no such process %d", pid)
	}
	if dbp.exited {
		e.Mourn(pid)
		return nil
	}
	e.completeStepOver(pid)
	if err := e.stopThreads(proc.ProcessThreads(pid), false, nil); err != nil {
		return &proc.AttachError{Op: "detach from", Pid: pid, Err: err}
	}

	for _, addr := range dbp.bps.Addrs() {
		bp := dbp.bps.M[addr]
		if bp.Inserted {
			if err := e.writeMemory(dbp, addr, bp.OriginalData); err != nil {
				e.log.Warnf("could not remove breakpoint at %#x: %v", addr, err)
			}
		}
		delete(dbp.bps.M, addr)
	}
	for addr, bp := range dbp.bps.HW {
		for _, th := range e.reg.threadsOf(pid) {
			if th.dead {
				continue
			}
			if err := e.clearHardwareBreakpoint(th, bp.HWBreakIndex); err != nil && !e.threadGone(th, err) {
				e.log.Warnf("%s: could not clear hardware breakpoint at %#x: %v", th, addr, err)
			}
		}
		delete(dbp.bps.HW, addr)
	}

	var leader *nativeThread
	var err error
	for _, th := range e.reg.threadsOf(pid) {
		if th.isLeader() {
			leader = th
			continue
		}
		if err1 := e.detachOne(th); err1 != nil && err == nil {
			err = err1
		}
	}
	if leader != nil {
		if err1 := e.detachOne(leader); err1 != nil && err == nil {
			err = err1
		}
	}
	if err == nil && e.procfs.ThreadState(pid) == linutil.ThreadStopped {
		// Left in group stop by a SIGSTOP that raced with the detach.
		_ = e.t.tgkill(pid, pid, sys.SIGCONT)
	}
	e.Mourn(pid)
	if err != nil {
		return &proc.AttachError{Op: "detach from", Pid: pid, Err: err}
	}
	return nil
}

// completeStepOver lets a step over in flight in pid complete.
func (e *Engine) completeStepOver(pid int) {
	if !e.stepOver.active() || e.stepOver.pid != pid {
		return
	}
	target := e.reg.get(e.stepOver.target)
	if target == nil {
		e.abandonStepOver(pid, true)
		return
	}
	e.slog.Debugf("%s: completing step over before detaching", target)
	th, res, err := e.waitForEvent(target.ptid(), target.ptid(), true)
	if err != nil || res != gotEvent {
		e.abandonStepOver(pid, true)
		return
	}
	if th.dead {
		return
	}
	e.finishStepOver(th, e.reg.findProcess(pid))
	e.unsuspendThreads(proc.AnyThread, th)
	if th.pendingEvent == nil && th.stopSignal() == sys.SIGTRAP && th.stopReason == proc.StopReasonSingleStep {
		th.statusPending = false
	}
}

func (e *Engine) detachOne(th *nativeThread) error {
	if th.dead {
		return nil
	}
	sig := 0
	if th.statusPending && th.pendingEvent == nil {
		if s := th.stopSignal(); s != sys.SIGTRAP && s != sys.SIGSTOP {
			sig = int(s)
		}
	}
	if sig == 0 && len(th.pendingSignals) > 0 {
		sig = th.pendingSignals[0].sig
	}
	th.statusPending = false
	th.pendingEvent = nil

	if th.stopExpected {
		// Our SIGSTOP would stop the thread after we are gone.
		_ = e.t.tgkill(th.pid, th.tid, sys.SIGCONT)
		th.stopExpected = false
	}
	e.log.Debugf("detaching from %s sig=%d", th, sig)
	if err := e.t.detach(th.tid, sig); err != nil {
		if e.threadGone(th, err) {
			return nil
		}
		return fmt.Errorf("could not detach from %s: %w", th, err)
	}
	th.dead = true
	return nil
}

// Mourn forgets every record of pid. It is called by Kill and Detach, and
// by the caller after Wait reported the exit of pid.
func (e *Engine) Mourn(pid int) {
	e.abandonStepOver(pid, false)
	for _, th := range e.reg.threadsOf(pid) {
		e.forgetThread(th)
	}
	if e.reg.findProcess(pid) != nil {
		e.reg.removeProcess(pid)
	}
	e.strays.Remove(pid)
	e.log.Debugf("mourned process %d", pid)
}

// Join blocks until pid, which is no longer traced by us, exits.
func (e *Engine) Join(pid int) error {
	if e.reg.findProcess(pid) != nil {
		return fmt.Errorf("process %d is still traced", pid)
	}
	for {
		wpid, ws, err := e.t.wait4(pid, 0)
		if err == sys.EINTR {
			continue
		}
		if err != nil {
			if err == sys.ECHILD {
				return nil
			}
			return err
		}
		if wpid == pid && (ws.Exited() || ws.Signaled()) {
			return nil
		}
	}
}

// RequestStop interrupts pid. The stop is reported by Wait as a SIGSTOP.
func (e *Engine) RequestStop(pid int) error {
	dbp := e.reg.findProcess(pid)
	if dbp == nil || dbp.exited {
		return fmt.Errorf("no such process %d", pid)
	}
	return e.t.tgkill(pid, pid, sys.SIGSTOP)
}
