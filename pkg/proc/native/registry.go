//go:build linux

package native

import (
	"fmt"
	"sort"

	"github.com/go-delve/lwpctl/pkg/proc"
)

// lwpHandle addresses a thread record. A handle outlives the record it
// points to but can never reach a record created later in the same slot,
// because every reuse of a slot bumps its generation.
type lwpHandle struct {
	idx uint32
	gen uint32
}

func (h lwpHandle) valid() bool {
	return h.gen != 0
}

type lwpSlot struct {
	gen uint32
	th  *nativeThread
}

// registry owns the tracked processes and threads. It is only used from
// the goroutine driving the Engine.
type registry struct {
	procs map[int]*nativeProcess
	slots []lwpSlot
	free  []uint32
	byTid map[int]lwpHandle
}

func newRegistry() *registry {
	return &registry{
		procs: make(map[int]*nativeProcess),
		byTid: make(map[int]lwpHandle),
	}
}

func (r *registry) addProcess(pid int, attached bool, arch proc.Arch) *nativeProcess {
	if _, ok := r.procs[pid]; ok {
		panic(fmt.Errorf("process %d already tracked", pid))
	}
	dbp := &nativeProcess{
		pid:      pid,
		attached: attached,
		arch:     arch,
		bps:      proc.NewBreakpointMap(),
	}
	r.procs[pid] = dbp
	return dbp
}

func (r *registry) findProcess(pid int) *nativeProcess {
	return r.procs[pid]
}

// removeProcess forgets pid, its threads must have been removed already.
func (r *registry) removeProcess(pid int) {
	if n := r.countThreadsOf(pid); n != 0 {
		panic(fmt.Errorf("removing process %d with %d threads", pid, n))
	}
	delete(r.procs, pid)
}

func (r *registry) addThread(dbp *nativeProcess, tid int) *nativeThread {
	if _, ok := r.byTid[tid]; ok {
		panic(fmt.Errorf("thread %d already tracked", tid))
	}
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, lwpSlot{})
	}
	slot := &r.slots[idx]
	slot.gen++
	th := &nativeThread{
		h:              lwpHandle{idx: idx, gen: slot.gen},
		tid:            tid,
		pid:            dbp.pid,
		lastResumeKind: proc.ResumeStop,
	}
	slot.th = th
	r.byTid[tid] = th.h
	return th
}

// removeThread forgets th. The thread must not carry an undelivered
// status and must not be linked to a fork relative.
func (r *registry) removeThread(th *nativeThread) {
	if th.forkRelative.valid() {
		panic(fmt.Errorf("removing %s with a fork relative", th))
	}
	if th.statusPending {
		panic(fmt.Errorf("removing %s with a pending status %#x", th, uint32(th.status)))
	}
	if r.get(th.h) != th {
		panic(fmt.Errorf("removing %s twice", th))
	}
	slot := &r.slots[th.h.idx]
	slot.th = nil
	r.free = append(r.free, th.h.idx)
	delete(r.byTid, th.tid)
}

// get returns the thread addressed by h, nil if it was removed.
func (r *registry) get(h lwpHandle) *nativeThread {
	if !h.valid() || int(h.idx) >= len(r.slots) {
		return nil
	}
	slot := &r.slots[h.idx]
	if slot.gen != h.gen {
		return nil
	}
	return slot.th
}

func (r *registry) findThread(tid int) *nativeThread {
	h, ok := r.byTid[tid]
	if !ok {
		return nil
	}
	return r.get(h)
}

// threads returns every thread ordered by tid.
func (r *registry) threads() []*nativeThread {
	tids := make([]int, 0, len(r.byTid))
	for tid := range r.byTid {
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	out := make([]*nativeThread, len(tids))
	for i, tid := range tids {
		out[i] = r.findThread(tid)
	}
	return out
}

// forEachThread calls fn on every thread, in tid order. Threads removed by
// fn before being visited are skipped.
func (r *registry) forEachThread(fn func(*nativeThread)) {
	for _, th := range r.threads() {
		if r.get(th.h) == th {
			fn(th)
		}
	}
}

// findThreadBy returns the first thread, in tid order, for which pred
// returns true.
func (r *registry) findThreadBy(pred func(*nativeThread) bool) *nativeThread {
	for _, th := range r.threads() {
		if pred(th) {
			return th
		}
	}
	return nil
}

// threadsOf returns the threads of pid ordered by tid.
func (r *registry) threadsOf(pid int) []*nativeThread {
	var out []*nativeThread
	for _, th := range r.threads() {
		if th.pid == pid {
			out = append(out, th)
		}
	}
	return out
}

func (r *registry) countThreadsOf(pid int) int {
	n := 0
	for _, h := range r.byTid {
		if th := r.get(h); th != nil && th.pid == pid {
			n++
		}
	}
	return n
}

// lastThreadOf returns true if pid has exactly one thread left.
func (r *registry) lastThreadOf(pid int) bool {
	return r.countThreadsOf(pid) == 1
}

// linkForkRelatives links parent and child until the fork or clone event
// has been delivered.
func (r *registry) linkForkRelatives(parent, child *nativeThread) {
	parent.forkRelative = child.h
	child.forkRelative = parent.h
}

// clearForkRelative unlinks th from its fork relative, on both sides.
func (r *registry) clearForkRelative(th *nativeThread) {
	if rel := r.get(th.forkRelative); rel != nil && rel.forkRelative == th.h {
		rel.forkRelative = lwpHandle{}
	}
	th.forkRelative = lwpHandle{}
}

func (r *registry) empty() bool {
	return len(r.procs) == 0 && len(r.byTid) == 0
}
