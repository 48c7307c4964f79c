//go:build linux

package native

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
)

// TestRandomEvents injects random stops in running threads and checks
// that the engine keeps its invariants whatever the order in which the
// kernel reports them.
func TestRandomEvents(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		seed := seed
		t.Run("", func(t *testing.T) {
			testRandomEvents(t, seed)
		})
	}
}

func testRandomEvents(t *testing.T, seed int64) {
	const (
		internalAddr = 0x2000
		userAddr     = 0x3000
	)
	cfg := DefaultConfig()
	cfg.PassSignals = []int{int(sys.SIGUSR1)}
	ft := newFakeTracer()
	e, err := New(cfg, WithArch(proc.AMD64Arch()), WithRandSeed(seed), withTracer(ft), withProcState(fakeProcFS{ft}))
	require.NoError(t, err)
	defer e.Close()

	tids := []int{100, 101, 102, 103}
	attachStopped(t, e, ft, tids[0], tids[1:]...)
	require.NoError(t, e.InsertBreakpoint(100, internalAddr, proc.InternalBreakpoint))
	require.NoError(t, e.InsertBreakpoint(100, userAddr, proc.UserBreakpoint))

	ft.onResume = func(tid int) {
		if !e.stepOver.active() {
			return
		}
		target := e.reg.get(e.stepOver.target)
		require.NotNil(t, target)
		require.Equal(t, target.tid, tid, "resumed %d during the step over of %d", tid, target.tid)
	}

	rng := rand.New(rand.NewSource(seed))
	poke := func() {
		var running []int
		for _, tid := range tids {
			if th := ft.threads[tid]; th.running {
				running = append(running, tid)
			}
		}
		if len(running) == 0 {
			return
		}
		tid := running[rng.Intn(len(running))]
		switch rng.Intn(4) {
		case 0:
			ft.hitBreakpoint(tid, internalAddr)
		case 1:
			ft.hitBreakpoint(tid, userAddr)
		case 2:
			ft.stop(tid, sys.SIGUSR1, proc.SITkill)
		}
	}

	continueAll(t, e)
	userHits := 0
	for i := 0; i < 200; i++ {
		for n := rng.Intn(3); n >= 0; n-- {
			poke()
		}
		ev, err := e.Wait(proc.AnyThread, WaitOptions{NonBlocking: true})
		require.NoError(t, err)

		require.False(t, e.stepOver.active(), "step over left in flight")
		for _, th := range e.reg.threads() {
			require.Zero(t, th.suspended, "%s", th.describe())
			require.Empty(t, th.stepHelpers, "%s", th.describe())
		}

		switch ev.Kind {
		case proc.EventIgnore:
		case proc.EventStopped:
			userHits++
			require.Equal(t, proc.StopReasonSWBreakpoint, ev.StopReason)
			require.Equal(t, uint64(userAddr), ev.PC)
			for _, tid := range tids {
				require.False(t, ft.threads[tid].running, "thread %d running in all-stop mode", tid)
			}
			continueAll(t, e)
		default:
			t.Fatalf("unexpected event %s", ev)
		}
	}
	// The last resume may have started a step over, which has the
	// breakpoint out of memory until it completes.
	for e.stepOver.active() {
		ev, err := e.Wait(proc.AnyThread, WaitOptions{NonBlocking: true})
		require.NoError(t, err)
		if ev.Kind == proc.EventStopped {
			userHits++
		}
	}
	require.Equal(t, byte(0xcc), ft.mem[100][internalAddr])
	require.Equal(t, byte(0xcc), ft.mem[100][userAddr])
	for _, bp := range e.Breakpoints(100) {
		if bp.Addr == userAddr {
			require.Equal(t, uint64(userHits), bp.TotalHitCount)
		}
	}

	require.NoError(t, e.Kill(100))
	require.True(t, e.reg.empty())
}
