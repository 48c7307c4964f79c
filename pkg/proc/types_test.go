package proc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPTIDMatches(t *testing.T) {
	a := PTID{Pid: 10, Lwp: 11}
	b := PTID{Pid: 20, Lwp: 20}

	require.True(t, AnyThread.Matches(a))
	require.True(t, AnyThread.Matches(b))
	require.True(t, ProcessThreads(10).Matches(a))
	require.False(t, ProcessThreads(10).Matches(b))
	require.True(t, a.Matches(a))
	require.False(t, a.Matches(PTID{Pid: 10, Lwp: 12}))
	require.False(t, NoThread.Matches(a))
	require.False(t, NoThread.Matches(NoThread))

	require.True(t, AnyThread.IsWildcard())
	require.True(t, ProcessThreads(10).IsWildcard())
	require.False(t, a.IsWildcard())
	require.False(t, NoThread.IsWildcard())

	require.Equal(t, "LWP 10.11", a.String())
	require.Equal(t, "process 10", ProcessThreads(10).String())
	require.Equal(t, "<all>", AnyThread.String())
}

func TestAddrRange(t *testing.T) {
	r := AddrRange{Start: 0x1000, End: 0x1010}
	require.True(t, r.Contains(0x1000))
	require.True(t, r.Contains(0x100f))
	require.False(t, r.Contains(0x1010))
	require.False(t, r.Empty())
	require.True(t, AddrRange{}.Empty())
	require.True(t, AddrRange{Start: 5, End: 5}.Empty())
}

func TestResumeRequestString(t *testing.T) {
	req := ResumeRequest{Thread: PTID{Pid: 1, Lwp: 2}, Kind: ResumeStep, Sig: 5, StepRange: AddrRange{Start: 0x10, End: 0x20}}
	require.Equal(t, "step LWP 1.2 sig=5 range=[0x10,0x20)", req.String())
}

func TestStopReason(t *testing.T) {
	require.True(t, StopReasonSWBreakpoint.IsBreakpoint())
	require.True(t, StopReasonHWBreakpoint.IsBreakpoint())
	require.False(t, StopReasonWatchpoint.IsBreakpoint())
	require.False(t, StopReasonSingleStep.IsBreakpoint())
}

func TestEventProcessGone(t *testing.T) {
	require.True(t, Event{Kind: EventExited}.ProcessGone())
	require.True(t, Event{Kind: EventSignalled}.ProcessGone())
	require.False(t, Event{Kind: EventThreadExited}.ProcessGone())
	require.Equal(t, "thread-exited", EventThreadExited.String())
}
