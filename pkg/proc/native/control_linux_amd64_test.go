package native

import (
	"testing"

	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
)

const (
	testDR6 = debugRegUserOffset + 6*8
	testDR7 = debugRegUserOffset + 7*8
)

func TestWatchpoint(t *testing.T) {
	e, ft := newTestEngine(t, DefaultConfig())
	pid := startStopped(t, e)
	require.NoError(t, e.InsertWatchpoint(pid, 0x6000, 8, proc.WatchWrite))

	ft.onCont = func(ft *fakeTracer, tid, sig int) {
		ft.threads[tid].user[testDR6] |= 1
		ft.stop(tid, sys.SIGTRAP, proc.TrapHWBkpt)
	}
	continueAll(t, e)
	ev, err := e.Wait(proc.AnyThread, WaitOptions{})
	require.NoError(t, err)
	require.Equal(t, proc.EventStopped, ev.Kind)
	require.Equal(t, proc.StopReasonWatchpoint, ev.StopReason)
	require.Equal(t, uint64(0x6000), ev.DataAddress)
	require.True(t, e.StoppedByWatchpoint(ev.Thread))
	require.Equal(t, uint64(0x6000), e.StoppedDataAddress(ev.Thread))
	require.Zero(t, ft.threads[pid].user[testDR6]&0xf, "condition bits cleared")
}

func TestHardwareBreakpointStepOver(t *testing.T) {
	e, ft := newTestEngine(t, DefaultConfig())
	pid := startStopped(t, e)
	require.NoError(t, e.InsertHWBreakpoint(pid, 0x7000, proc.UserBreakpoint))
	require.NotZero(t, ft.threads[pid].user[testDR7]&1)

	conts := 0
	ft.onCont = func(ft *fakeTracer, tid, sig int) {
		conts++
		if conts == 1 {
			th := ft.threads[tid]
			th.regs.SetPC(0x7000)
			th.user[testDR6] |= 1
			ft.stop(tid, sys.SIGTRAP, proc.TrapHWBkpt)
		}
	}
	continueAll(t, e)
	ev, err := e.Wait(proc.AnyThread, WaitOptions{})
	require.NoError(t, err)
	require.Equal(t, proc.StopReasonHWBreakpoint, ev.StopReason)
	require.Equal(t, uint64(0x7000), ev.PC)

	continueAll(t, e)
	ev, err = e.Wait(proc.AnyThread, WaitOptions{NonBlocking: true})
	require.NoError(t, err)
	require.Equal(t, proc.EventIgnore, ev.Kind)
	require.Equal(t, []string{"step 100 0"}, ft.callsMatching("step"))
	require.NotZero(t, ft.threads[pid].user[testDR7]&1, "breakpoint enabled again after the step")
}

func TestHardwareBreakpointsCopiedToNewThreads(t *testing.T) {
	e, ft := newTestEngine(t, DefaultConfig())
	pid := startStopped(t, e)
	require.NoError(t, e.InsertHWBreakpoint(pid, 0x7000, proc.UserBreakpoint))

	conts := map[int]int{}
	ft.onCont = func(ft *fakeTracer, tid, sig int) {
		conts[tid]++
		if tid == pid && conts[tid] == 1 {
			ft.clone(pid, 101, false)
		}
	}
	continueAll(t, e)
	_, err := e.Wait(proc.AnyThread, WaitOptions{NonBlocking: true})
	require.NoError(t, err)
	require.Equal(t, uint64(0x7000), ft.threads[101].user[debugRegUserOffset])
	require.NotZero(t, ft.threads[101].user[testDR7]&1)
}

func TestCatchSyscalls(t *testing.T) {
	e, ft := newTestEngine(t, DefaultConfig())
	pid := startStopped(t, e)
	require.True(t, e.SupportsCatchSyscall())
	require.NoError(t, e.SetCatchSyscalls(pid, []int{39}, false))

	nrs := []uint64{40, 40, 39, 39}
	ft.onCont = func(ft *fakeTracer, tid, sig int) {
		if len(nrs) == 0 {
			return
		}
		ft.threads[tid].regs.Orig_rax = nrs[0]
		nrs = nrs[1:]
		ft.stop(tid, sys.SIGTRAP|0x80, 0)
	}
	continueAll(t, e)
	ev, err := e.Wait(proc.AnyThread, WaitOptions{})
	require.NoError(t, err)
	require.Equal(t, proc.EventSyscallEntry, ev.Kind)
	require.Equal(t, 39, ev.Syscall)
	require.Len(t, ft.callsMatching("syscall"), 3)

	continueAll(t, e)
	ev, err = e.Wait(proc.AnyThread, WaitOptions{})
	require.NoError(t, err)
	require.Equal(t, proc.EventSyscallReturn, ev.Kind)
	require.Equal(t, 39, ev.Syscall)
}
