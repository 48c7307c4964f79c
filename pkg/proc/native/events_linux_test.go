package native

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
)

func TestVforkDone(t *testing.T) {
	for _, report := range []bool{true, false} {
		t.Run(fmt.Sprintf("report=%v", report), func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ReportVforkDone = report
			e, ft := newTestEngine(t, cfg)
			pid := startStopped(t, e)

			conts := 0
			ft.onCont = func(ft *fakeTracer, tid, sig int) {
				if tid != pid {
					return
				}
				conts++
				switch conts {
				case 1:
					ft.fork(tid, 200, true, false)
				case 2:
					ft.event(tid, sys.PTRACE_EVENT_VFORK_DONE, 0)
				}
			}
			continueAll(t, e)
			ev, err := e.Wait(proc.AnyThread, WaitOptions{})
			require.NoError(t, err)
			require.Equal(t, proc.EventVforked, ev.Kind)
			require.Equal(t, proc.PTID{Pid: 200, Lwp: 200}, ev.Child)
			require.True(t, e.reg.findThread(pid).vforkParent)

			continueAll(t, e)
			if report {
				ev, err = e.Wait(proc.AnyThread, WaitOptions{})
				require.NoError(t, err)
				require.Equal(t, proc.EventVforkDone, ev.Kind)
				require.Equal(t, proc.PTID{Pid: pid, Lwp: pid}, ev.Thread)
			} else {
				ev, err = e.Wait(proc.AnyThread, WaitOptions{NonBlocking: true})
				require.NoError(t, err)
				require.Equal(t, proc.EventIgnore, ev.Kind)
				require.True(t, ft.threads[pid].running)
				require.Equal(t, 3, conts)
			}
			require.False(t, e.reg.findThread(pid).vforkParent)
		})
	}
}

func TestSignalDeferredInJumpPad(t *testing.T) {
	agent := &fakeAgent{pad: proc.AddrRange{Start: 0x7000, End: 0x7100}, exit: 0x7100}
	e, ft := newTestEngine(t, DefaultConfig(), WithTracepointAgent(agent))
	pid := startStopped(t, e)
	ft.threads[pid].regs.SetPC(0x7010)
	ft.mem[pid][0x7100] = 0x90

	conts := 0
	ft.onCont = func(ft *fakeTracer, tid, sig int) {
		conts++
		switch conts {
		case 1:
			ft.stop(tid, sys.SIGUSR1, proc.SITkill)
		case 2:
			ft.hitBreakpoint(tid, 0x7100)
		}
	}
	continueAll(t, e)

	// The signal waits for the thread to leave the pad.
	ev, err := e.Wait(proc.AnyThread, WaitOptions{NonBlocking: true})
	require.NoError(t, err)
	require.Equal(t, proc.EventIgnore, ev.Kind)
	require.Equal(t, []string{"cont 100 0", "cont 100 0"}, ft.callsMatching("cont"))
	require.Equal(t, byte(0xcc), ft.mem[pid][0x7100])
	th := e.reg.findThread(pid)
	require.Equal(t, proc.CollectingBeforeInsn, th.collecting)
	require.Len(t, th.deferredSignals, 1)

	ev, err = e.Wait(proc.AnyThread, WaitOptions{})
	require.NoError(t, err)
	require.Equal(t, proc.EventStopped, ev.Kind)
	require.Equal(t, int(sys.SIGUSR1), ev.Sig)
	require.Equal(t, uint64(0x7100), ev.PC)
	require.Equal(t, byte(0x90), ft.mem[pid][0x7100], "exit breakpoint removed")
	require.Equal(t, int(sys.SIGUSR1), ft.threads[pid].siginfo.Signo())
	require.Equal(t, proc.SITkill, ft.threads[pid].siginfo.Code())
	require.Equal(t, proc.NotCollecting, th.collecting)
	require.Nil(t, th.exitJumpPadBp)

	require.NoError(t, e.Resume([]proc.ResumeRequest{{Thread: ev.Thread, Kind: proc.ResumeContinue, Sig: ev.Sig}}))
	require.Equal(t, "cont 100 10", ft.calls[len(ft.calls)-1])
}

func TestStepOverTracepointJump(t *testing.T) {
	agent := &fakeAgent{jumps: map[uint64]bool{0x5000: true}}
	e, ft := newTestEngine(t, DefaultConfig(), WithTracepointAgent(agent))
	pid := startStopped(t, e)
	ft.threads[pid].regs.SetPC(0x4fff)

	require.NoError(t, e.Resume([]proc.ResumeRequest{{Thread: proc.PTID{Pid: pid, Lwp: pid}, Kind: proc.ResumeStep}}))
	ev, err := e.Wait(proc.AnyThread, WaitOptions{})
	require.NoError(t, err)
	require.Equal(t, proc.StopReasonSingleStep, ev.StopReason)
	require.Equal(t, uint64(0x5000), ev.PC)

	continueAll(t, e)
	ev, err = e.Wait(proc.AnyThread, WaitOptions{NonBlocking: true})
	require.NoError(t, err)
	require.Equal(t, proc.EventIgnore, ev.Kind)
	require.Equal(t, []uint64{0x5000}, agent.removed)
	require.Equal(t, []uint64{0x5000}, agent.reinserted)
	require.Equal(t, []string{"step 100 0", "step 100 0"}, ft.callsMatching("step"))
	require.True(t, ft.threads[pid].running)
}

func TestRoundRobinSelection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventSelection = SelectRoundRobin
	e, ft := newTestEngine(t, cfg)
	attachStopped(t, e, ft, 100, 101, 102)
	require.NoError(t, e.InsertBreakpoint(100, 0x3000, proc.UserBreakpoint))

	conts := map[int]int{}
	ft.onCont = func(ft *fakeTracer, tid, sig int) {
		conts[tid]++
		if conts[tid] == 1 {
			ft.hitBreakpoint(tid, 0x3000)
		}
	}
	continueAll(t, e)

	// The last event reported was the attach stop of 100.
	var order []int
	for i := 0; i < 3; i++ {
		if i > 0 {
			continueAll(t, e)
		}
		ev, err := e.Wait(proc.AnyThread, WaitOptions{})
		require.NoError(t, err)
		require.Equal(t, proc.StopReasonSWBreakpoint, ev.StopReason)
		order = append(order, ev.Thread.Lwp)
	}
	require.Equal(t, []int{101, 102, 100}, order)
	require.Empty(t, ft.callsMatching("step"), "pending hits are reported without resuming")
}
