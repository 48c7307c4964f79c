//go:build linux

package native

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/lwpctl/pkg/proc"
)

func TestRegistryHandles(t *testing.T) {
	r := newRegistry()
	dbp := r.addProcess(10, false, proc.AMD64Arch())
	a := r.addThread(dbp, 10)
	b := r.addThread(dbp, 11)
	require.Equal(t, a, r.get(a.h))
	require.Equal(t, b, r.findThread(11))

	old := b.h
	r.removeThread(b)
	require.Nil(t, r.get(old))
	require.Nil(t, r.findThread(11))

	// The slot is reused, the old handle does not reach the new thread.
	c := r.addThread(dbp, 12)
	require.Equal(t, old.idx, c.h.idx)
	require.NotEqual(t, old.gen, c.h.gen)
	require.Nil(t, r.get(old))
	require.Equal(t, c, r.get(c.h))

	require.Nil(t, r.get(lwpHandle{}))
}

func TestRegistryOrder(t *testing.T) {
	r := newRegistry()
	dbp := r.addProcess(10, false, proc.AMD64Arch())
	other := r.addProcess(20, true, proc.AMD64Arch())
	for _, tid := range []int{13, 10, 12} {
		r.addThread(dbp, tid)
	}
	r.addThread(other, 20)

	var tids []int
	r.forEachThread(func(th *nativeThread) { tids = append(tids, th.tid) })
	require.Equal(t, []int{10, 12, 13, 20}, tids)

	tids = tids[:0]
	for _, th := range r.threadsOf(10) {
		tids = append(tids, th.tid)
	}
	require.Equal(t, []int{10, 12, 13}, tids)
	require.Equal(t, 3, r.countThreadsOf(10))
	require.True(t, r.lastThreadOf(20))

	// Threads removed during the walk are not visited.
	tids = tids[:0]
	r.forEachThread(func(th *nativeThread) {
		tids = append(tids, th.tid)
		if th.tid == 10 {
			r.removeThread(r.findThread(12))
		}
	})
	require.Equal(t, []int{10, 13, 20}, tids)
}

func TestRegistryForkRelatives(t *testing.T) {
	r := newRegistry()
	dbp := r.addProcess(10, false, proc.AMD64Arch())
	parent := r.addThread(dbp, 10)
	child := r.addThread(dbp, 11)

	r.linkForkRelatives(parent, child)
	require.Equal(t, child, r.get(parent.forkRelative))
	require.Equal(t, parent, r.get(child.forkRelative))
	require.Panics(t, func() { r.removeThread(child) })

	r.clearForkRelative(parent)
	require.False(t, parent.forkRelative.valid())
	require.False(t, child.forkRelative.valid())
	r.removeThread(child)
}

func TestRegistryPanics(t *testing.T) {
	r := newRegistry()
	dbp := r.addProcess(10, false, proc.AMD64Arch())
	th := r.addThread(dbp, 10)

	require.Panics(t, func() { r.addProcess(10, false, proc.AMD64Arch()) })
	require.Panics(t, func() { r.addThread(dbp, 10) })
	require.Panics(t, func() { r.removeProcess(10) }, "process still has threads")

	th.statusPending = true
	require.Panics(t, func() { r.removeThread(th) })
	th.statusPending = false

	r.removeThread(th)
	require.Panics(t, func() { r.removeThread(th) })

	r.removeProcess(10)
	require.True(t, r.empty())
}

func TestUnsuspendBelowZeroPanics(t *testing.T) {
	e, _ := newTestEngine(t, DefaultConfig())
	pid := startStopped(t, e)
	require.Panics(t, func() { e.unsuspendThreads(proc.ProcessThreads(pid), nil) })
}
