//go:build linux

package native

import (
	"fmt"
	"os"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/linutil"
)

// fakeThread is a thread as the fake kernel sees it.
//
// A thread is running, stopped with a status not collected yet (queued)
// or stopped with its status collected. Signals sent to a thread that is
// not running are delivered when it is resumed.
type fakeThread struct {
	pid, tid int
	regs     sys.PtraceRegs
	user     map[uintptr]uint64
	siginfo  proc.Siginfo
	running  bool
	queued   bool
	dead     bool
	// zombie is a leader that exited before the other threads of its
	// process. Signals to it are accepted and ignored, ptrace requests
	// fail.
	zombie  bool
	options int
	pending []sys.Signal
}

type fakeStatus struct {
	tid int
	ws  sys.WaitStatus
}

// fakeTracer is a scripted kernel. Tests drive it with onCont, called
// every time a thread is continued, and inspect calls.
type fakeTracer struct {
	threads  map[int]*fakeThread
	mem      map[int]map[uint64]byte
	statuses []fakeStatus
	eventMsg map[int]uint
	tasks    map[int][]int
	calls    []string
	events   chan os.Signal

	nextPid    int
	startPC    uint64
	optionsErr func(opts int) error

	// onCont is called when tid is continued without a pending signal
	// stopping it first.
	onCont func(ft *fakeTracer, tid, sig int)
	// onResume is called before any request that resumes tid.
	onResume func(tid int)
	// onTgkill is called when a signal is sent to a traced thread. If it
	// returns true the signal is dropped.
	onTgkill func(tid int, sig sys.Signal) bool
}

func newFakeTracer() *fakeTracer {
	return &fakeTracer{
		threads:  make(map[int]*fakeThread),
		mem:      make(map[int]map[uint64]byte),
		eventMsg: make(map[int]uint),
		tasks:    make(map[int][]int),
		events:   make(chan os.Signal, 128),
		nextPid:  100,
		startPC:  0x400000,
	}
}

func (ft *fakeTracer) logf(format string, args ...interface{}) {
	ft.calls = append(ft.calls, fmt.Sprintf(format, args...))
}

// addThread creates a thread that is running and not traced yet.
func (ft *fakeTracer) addThread(pid, tid int, pc uint64) *fakeThread {
	th := &fakeThread{pid: pid, tid: tid, running: true, user: make(map[uintptr]uint64)}
	th.regs.SetPC(pc)
	ft.threads[tid] = th
	if ft.mem[pid] == nil {
		ft.mem[pid] = make(map[uint64]byte)
	}
	found := false
	for _, t := range ft.tasks[pid] {
		found = found || t == tid
	}
	if !found {
		ft.tasks[pid] = append(ft.tasks[pid], tid)
		sort.Ints(ft.tasks[pid])
	}
	return th
}

func (ft *fakeTracer) notify() {
	select {
	case ft.events <- sys.SIGCHLD:
	default:
	}
}

func (ft *fakeTracer) queue(tid int, ws sys.WaitStatus) {
	ft.statuses = append(ft.statuses, fakeStatus{tid, ws})
	ft.notify()
}

// stop stops a running thread with sig, code is the si_code of the
// siginfo.
func (ft *fakeTracer) stop(tid int, sig sys.Signal, code int) {
	th := ft.threads[tid]
	th.running = false
	th.queued = true
	th.siginfo = proc.Siginfo{}
	th.siginfo.SetHeader(int(sig), 0, code)
	ft.queue(tid, stoppedStatus(sig))
}

// hitBreakpoint makes tid execute an int3 at addr.
func (ft *fakeTracer) hitBreakpoint(tid int, addr uint64) {
	th := ft.threads[tid]
	th.regs.SetPC(addr + 1)
	ft.stop(tid, sys.SIGTRAP, proc.SIKernel)
}

// event stops tid with a PTRACE_EVENT stop.
func (ft *fakeTracer) event(tid, event int, msg uint) {
	th := ft.threads[tid]
	th.running = false
	th.queued = true
	th.siginfo = proc.Siginfo{}
	th.siginfo.SetHeader(int(sys.SIGTRAP), 0, event<<8|int(sys.SIGTRAP))
	ft.eventMsg[tid] = msg
	ft.queue(tid, eventStatus(event))
}

// exit terminates tid with status code.
func (ft *fakeTracer) exit(tid, code int) {
	th := ft.threads[tid]
	th.running, th.queued, th.dead = false, true, true
	ft.queue(tid, sys.WaitStatus(code<<8))
}

func (ft *fakeTracer) kill(tid int) {
	th := ft.threads[tid]
	var keep []fakeStatus
	for _, st := range ft.statuses {
		if st.tid != tid {
			keep = append(keep, st)
		}
	}
	ft.statuses = keep
	th.running, th.queued, th.dead = false, true, true
	ft.queue(tid, sys.WaitStatus(sys.SIGKILL))
}

func (ft *fakeTracer) traced(tid int) (*fakeThread, error) {
	th := ft.threads[tid]
	if th == nil || th.dead || th.zombie {
		return nil, sys.ESRCH
	}
	return th, nil
}

func (ft *fakeTracer) stopped(tid int) (*fakeThread, error) {
	th, err := ft.traced(tid)
	if err != nil {
		return nil, err
	}
	if th.running {
		return nil, sys.ESRCH
	}
	return th, nil
}

func (ft *fakeTracer) attach(tid int) error {
	th, err := ft.traced(tid)
	if err != nil {
		return err
	}
	ft.logf("attach %d", tid)
	ft.stop(th.tid, sys.SIGSTOP, proc.SIUser)
	return nil
}

func (ft *fakeTracer) detach(tid, sig int) error {
	th, err := ft.stopped(tid)
	if err != nil {
		return err
	}
	ft.logf("detach %d %d", tid, sig)
	th.running = true
	delete(ft.threads, tid)
	return nil
}

func (ft *fakeTracer) resume(kind string, tid, sig int) error {
	th, err := ft.stopped(tid)
	if err != nil {
		return err
	}
	if th.queued {
		panic(fmt.Errorf("resuming %d with an uncollected status", tid))
	}
	if ft.onResume != nil {
		ft.onResume(tid)
	}
	ft.logf("%s %d %d", kind, tid, sig)
	th.running = true
	if len(th.pending) > 0 {
		s := th.pending[0]
		th.pending = th.pending[1:]
		ft.stop(tid, s, proc.SITkill)
		return nil
	}
	if kind == "step" {
		th.regs.SetPC(th.regs.PC() + 1)
		ft.stop(tid, sys.SIGTRAP, proc.TrapTrace)
		return nil
	}
	if ft.onCont != nil {
		ft.onCont(ft, tid, sig)
	}
	return nil
}

func (ft *fakeTracer) cont(tid, sig int) error        { return ft.resume("cont", tid, sig) }
func (ft *fakeTracer) syscallCont(tid, sig int) error { return ft.resume("syscall", tid, sig) }
func (ft *fakeTracer) singleStep(tid, sig int) error  { return ft.resume("step", tid, sig) }

func (ft *fakeTracer) tgkill(pid, tid int, sig sys.Signal) error {
	if th := ft.threads[tid]; th != nil && th.zombie && !th.dead {
		ft.logf("tgkill %d %s", tid, sig)
		return nil
	}
	th, err := ft.traced(tid)
	if err != nil {
		return err
	}
	ft.logf("tgkill %d %s", tid, sig)
	if ft.onTgkill != nil && ft.onTgkill(tid, sig) {
		return nil
	}
	switch {
	case sig == sys.SIGKILL:
		ft.kill(tid)
	case sig == sys.SIGCONT:
	case th.running:
		ft.stop(tid, sig, proc.SITkill)
	default:
		th.pending = append(th.pending, sig)
	}
	return nil
}

func (ft *fakeTracer) setOptions(tid, options int) error {
	th, err := ft.stopped(tid)
	if err != nil {
		return err
	}
	if ft.optionsErr != nil {
		if err := ft.optionsErr(options); err != nil {
			return err
		}
	}
	th.options = options
	return nil
}

func (ft *fakeTracer) getEventMsg(tid int) (uint, error) {
	if _, err := ft.stopped(tid); err != nil {
		return 0, err
	}
	return ft.eventMsg[tid], nil
}

func (ft *fakeTracer) getSiginfo(tid int, si *proc.Siginfo) error {
	th, err := ft.stopped(tid)
	if err != nil {
		return err
	}
	*si = th.siginfo
	return nil
}

func (ft *fakeTracer) setSiginfo(tid int, si *proc.Siginfo) error {
	th, err := ft.stopped(tid)
	if err != nil {
		return err
	}
	th.siginfo = *si
	return nil
}

func (ft *fakeTracer) getRegs(tid int, regs *sys.PtraceRegs) error {
	th, err := ft.stopped(tid)
	if err != nil {
		return err
	}
	*regs = th.regs
	return nil
}

func (ft *fakeTracer) setRegs(tid int, regs *sys.PtraceRegs) error {
	th, err := ft.stopped(tid)
	if err != nil {
		return err
	}
	th.regs = *regs
	return nil
}

func (ft *fakeTracer) getFPRegs(tid int) ([]byte, error) {
	if _, err := ft.stopped(tid); err != nil {
		return nil, err
	}
	return make([]byte, 512), nil
}

func (ft *fakeTracer) peekUser(tid int, off uintptr) (uint64, error) {
	th, err := ft.stopped(tid)
	if err != nil {
		return 0, err
	}
	return th.user[off], nil
}

func (ft *fakeTracer) pokeUser(tid int, off uintptr, val uint64) error {
	th, err := ft.stopped(tid)
	if err != nil {
		return err
	}
	th.user[off] = val
	return nil
}

func (ft *fakeTracer) memOf(tid int) (map[uint64]byte, error) {
	if th := ft.threads[tid]; th != nil {
		return ft.mem[th.pid], nil
	}
	if m, ok := ft.mem[tid]; ok {
		return m, nil
	}
	return nil, sys.ESRCH
}

func (ft *fakeTracer) readMemory(tid int, addr uint64, buf []byte) (int, error) {
	m, err := ft.memOf(tid)
	if err != nil {
		return 0, err
	}
	for i := range buf {
		buf[i] = m[addr+uint64(i)]
	}
	return len(buf), nil
}

func (ft *fakeTracer) writeMemory(tid int, addr uint64, buf []byte) (int, error) {
	m, err := ft.memOf(tid)
	if err != nil {
		return 0, err
	}
	for i, b := range buf {
		m[addr+uint64(i)] = b
	}
	return len(buf), nil
}

func (ft *fakeTracer) wait4(pid, options int) (int, sys.WaitStatus, error) {
	for i, st := range ft.statuses {
		if pid != -1 && st.tid != pid {
			continue
		}
		ft.statuses = append(ft.statuses[:i:i], ft.statuses[i+1:]...)
		if th := ft.threads[st.tid]; th != nil {
			th.queued = false
			if th.dead {
				delete(ft.threads, st.tid)
			}
		}
		return st.tid, st.ws, nil
	}
	if options&sys.WNOHANG != 0 && len(ft.threads) > 0 {
		return 0, 0, nil
	}
	// Nothing will ever come, a blocking wait here is a bug in the test.
	return 0, 0, sys.ECHILD
}

func (ft *fakeTracer) startProcess(argv []string, opts CreateOptions) (int, error) {
	pid := ft.nextPid
	ft.nextPid += 100
	ft.logf("start %v aslr=%v", argv, !opts.DisableASLR)
	ft.addThread(pid, pid, ft.startPC)
	// PTRACE_TRACEME, the exec stops the child
	ft.stop(pid, sys.SIGTRAP, 0)
	return pid, nil
}

func (ft *fakeTracer) childEvents() <-chan os.Signal {
	return ft.events
}

func (ft *fakeTracer) close() {}

// clone creates thread tid in the process of parent, stopped by its
// initial SIGSTOP, and reports the clone event of parent. With strayFirst
// the kernel reports the child before the parent.
func (ft *fakeTracer) clone(parent, tid int, strayFirst bool) {
	p := ft.threads[parent]
	child := ft.addThread(p.pid, tid, p.regs.PC())
	child.options = p.options
	if strayFirst {
		ft.stop(tid, sys.SIGSTOP, proc.SIUser)
		ft.event(parent, sys.PTRACE_EVENT_CLONE, uint(tid))
		return
	}
	ft.event(parent, sys.PTRACE_EVENT_CLONE, uint(tid))
	ft.stop(tid, sys.SIGSTOP, proc.SIUser)
}

// fork creates process pid as a copy of the process of parent.
func (ft *fakeTracer) fork(parent, pid int, vfork, strayFirst bool) {
	p := ft.threads[parent]
	child := ft.addThread(pid, pid, p.regs.PC())
	for addr, b := range ft.mem[p.pid] {
		ft.mem[pid][addr] = b
	}
	child.options = p.options
	event := sys.PTRACE_EVENT_FORK
	if vfork {
		event = sys.PTRACE_EVENT_VFORK
	}
	if strayFirst {
		ft.stop(pid, sys.SIGSTOP, proc.SIUser)
		ft.event(parent, event, uint(pid))
		return
	}
	ft.event(parent, event, uint(pid))
	ft.stop(pid, sys.SIGSTOP, proc.SIUser)
}

func (ft *fakeTracer) callsMatching(prefix string) []string {
	var r []string
	for _, c := range ft.calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			r = append(r, c)
		}
	}
	return r
}

// fakeProcFS is the /proc of the fake kernel.
type fakeProcFS struct {
	ft *fakeTracer
}

func (fs fakeProcFS) ThreadState(tid int) linutil.ThreadState {
	th := fs.ft.threads[tid]
	switch {
	case th == nil:
		return linutil.ThreadGone
	case th.dead || th.zombie:
		return linutil.ThreadZombie
	case th.running:
		return linutil.ThreadRunning
	}
	return linutil.ThreadStopped
}

func (fs fakeProcFS) TracerPid(pid int) (int, error) { return 0, nil }

func (fs fakeProcFS) Tasks(pid int) ([]int, error) {
	var r []int
	for _, tid := range fs.ft.tasks[pid] {
		if th := fs.ft.threads[tid]; th != nil && !th.dead {
			r = append(r, tid)
		}
	}
	return r, nil
}

func (fs fakeProcFS) ExePath(pid int) string { return fmt.Sprintf("/fake/%d", pid) }
func (fs fakeProcFS) Comm(pid int) string    { return "fake" }

func (fs fakeProcFS) Auxv(pid int) ([]byte, error) { return nil, nil }

// fakeAgent is a tracepoint agent with one jump pad in every process.
type fakeAgent struct {
	pad        proc.AddrRange
	exit       uint64
	jumps      map[uint64]bool
	removed    []uint64
	reinserted []uint64
}

func (a *fakeAgent) Collecting(thread proc.PTID, pc uint64) (proc.CollectingState, uint64) {
	if a.pad.Contains(pc) {
		return proc.CollectingBeforeInsn, a.exit
	}
	return proc.NotCollecting, 0
}

func (a *fakeAgent) HasJump(pid int, addr uint64) bool { return a.jumps[addr] }

func (a *fakeAgent) RemoveJump(pid int, addr uint64) error {
	a.removed = append(a.removed, addr)
	return nil
}

func (a *fakeAgent) ReinsertJump(pid int, addr uint64) error {
	a.reinserted = append(a.reinserted, addr)
	return nil
}

func (a *fakeAgent) CloneJumps(pid, child int) {}

func newTestEngine(t *testing.T, cfg Config, opts ...Option) (*Engine, *fakeTracer) {
	t.Helper()
	ft := newFakeTracer()
	opts = append([]Option{WithArch(proc.AMD64Arch()), WithRandSeed(1), withTracer(ft), withProcState(fakeProcFS{ft})}, opts...)
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, ft
}

// startStopped creates a process and collects its initial stop.
func startStopped(t *testing.T, e *Engine) int {
	t.Helper()
	pid, err := e.Create([]string{"/bin/true"}, CreateOptions{})
	require.NoError(t, err)
	ev, err := e.Wait(proc.AnyThread, WaitOptions{})
	require.NoError(t, err)
	require.Equal(t, proc.EventStopped, ev.Kind)
	return pid
}

// attachStopped attaches to a fake process with the given threads and
// collects its initial stop.
func attachStopped(t *testing.T, e *Engine, ft *fakeTracer, pid int, tids ...int) {
	t.Helper()
	ft.addThread(pid, pid, ft.startPC)
	for _, tid := range tids {
		ft.addThread(pid, tid, ft.startPC)
	}
	require.NoError(t, e.Attach(pid))
	ev, err := e.Wait(proc.AnyThread, WaitOptions{})
	require.NoError(t, err)
	require.Equal(t, proc.EventStopped, ev.Kind)
	require.Equal(t, proc.PTID{Pid: pid, Lwp: pid}, ev.Thread)
}

func continueAll(t *testing.T, e *Engine) {
	t.Helper()
	require.NoError(t, e.Resume([]proc.ResumeRequest{{Thread: proc.AnyThread, Kind: proc.ResumeContinue}}))
}
