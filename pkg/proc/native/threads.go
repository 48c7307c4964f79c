//go:build linux

package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
)

// nativeProcess is a traced process.
type nativeProcess struct {
	pid int
	// attached is true if we attached to the process, false if we started
	// it or it is the child of a traced process.
	attached bool
	arch     proc.Arch
	bps      *proc.BreakpointMap

	// catchSyscalls is the set of system calls reported to the caller,
	// catchAllSyscalls overrides it.
	catchSyscalls    map[int]bool
	catchAllSyscalls bool

	comm string
	exe  string

	// exited is set once the exit of the process has been collected, its
	// records stay in the registry until it is mourned.
	exited bool
}

func (dbp *nativeProcess) catchesSyscalls() bool {
	return dbp.catchAllSyscalls || len(dbp.catchSyscalls) > 0
}

func (dbp *nativeProcess) catchesSyscall(nr int) bool {
	return dbp.catchAllSyscalls || dbp.catchSyscalls[nr]
}

type syscallState uint8

const (
	syscallNone syscallState = iota
	syscallEntry
	syscallReturn
)

// pendingSignal is a signal waiting to be delivered to, or reported for, a
// thread. Info is nil for signals requested by the caller.
type pendingSignal struct {
	sig  int
	info *proc.Siginfo
}

// nativeThread is a traced LWP.
type nativeThread struct {
	h   lwpHandle
	tid int
	pid int

	// stopped is true while the thread is in ptrace-stop.
	stopped bool
	// suspended threads are never resumed. Each stop-the-world that
	// suspends increments it and the matching release decrements it.
	suspended int
	// dead threads have reported their exit and wait to be mourned.
	dead bool
	// zombieLeader is set on a thread group leader that exited while
	// other threads of its process still run. It is dead, but its exit
	// status comes once the others are gone.
	zombieLeader bool

	stopReason proc.StopReason
	stopPC     uint64
	// stoppedDataAddr is the address that triggered a watchpoint.
	stoppedDataAddr uint64

	// statusPending is set when status has been collected from the
	// kernel but not yet reported to the caller or otherwise handled.
	statusPending bool
	status        sys.WaitStatus
	// pendingEvent is the reportable extended event carried by status.
	pendingEvent *proc.Event

	lastResumeKind proc.ResumeKind
	stepRange      proc.AddrRange
	// stepping is true if the last resume was a single step, done for
	// the caller or for a step over.
	stepping bool
	// stepHelpers are the addresses of the breakpoints used to single
	// step this thread in software.
	stepHelpers []uint64

	// reportStop is set when the caller asked the thread to stop and the
	// stop has not been reported yet.
	reportStop bool
	// stopExpected is set while a SIGSTOP we sent is in flight, it will
	// be consumed silently.
	stopExpected bool
	// initialStop is set on the first stop of a created or attached
	// process, reported as a stop with no signal.
	initialStop    bool
	mustSetOptions bool
	syscallState   syscallState
	// vforkParent is set between a vfork event and the matching
	// vfork-done.
	vforkParent bool

	collecting    proc.CollectingState
	bpReinsert    uint64
	exitJumpPadBp *proc.Breakpoint

	deferredSignals []pendingSignal
	pendingSignals  []pendingSignal

	// forkRelative is the other side of a fork, vfork or clone until
	// the event has been delivered.
	forkRelative lwpHandle
}

func (t *nativeThread) ptid() proc.PTID {
	return proc.PTID{Pid: t.pid, Lwp: t.tid}
}

func (t *nativeThread) String() string {
	return t.ptid().String()
}

func (t *nativeThread) isLeader() bool {
	return t.tid == t.pid
}

// resumed returns true if the thread is running or should be running
// from the point of view of the caller: its last resume request was not a
// stop, or it was a stop that has not been reported yet.
func (t *nativeThread) resumed() bool {
	return !t.dead && (t.lastResumeKind != proc.ResumeStop || t.reportStop)
}

// stopSignal returns the signal the thread is stopped with, 0 if it has
// no stop status.
func (t *nativeThread) stopSignal() sys.Signal {
	if !t.status.Stopped() {
		return 0
	}
	return t.status.StopSignal()
}

func (t *nativeThread) describe() string {
	return fmt.Sprintf("%s stopped=%v suspended=%d pending=%v resume=%s reason=%s stoppc=%#x", t, t.stopped, t.suspended, t.statusPending, t.lastResumeKind, t.stopReason, t.stopPC)
}

// stoppedStatus returns the wait status of a thread stopped by sig.
func stoppedStatus(sig sys.Signal) sys.WaitStatus {
	return sys.WaitStatus(uint32(sig)<<8 | 0x7f)
}

// eventStatus returns the wait status of a PTRACE_EVENT stop.
func eventStatus(event int) sys.WaitStatus {
	return sys.WaitStatus(uint32(event)<<16 | uint32(sys.SIGTRAP)<<8 | 0x7f)
}
