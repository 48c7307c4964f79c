package native

import (
	"fmt"
	"sort"

	"github.com/go-delve/lwpctl/pkg/proc"
)

// memTid returns the thread used to access the memory of dbp. A stopped
// thread is preferred since PTRACE_PEEKDATA and PTRACE_POKEDATA need one.
func (e *Engine) memTid(dbp *nativeProcess) int {
	if th := e.reg.findThreadBy(func(th *nativeThread) bool { return th.pid == dbp.pid && th.stopped && !th.dead }); th != nil {
		return th.tid
	}
	return dbp.pid
}

func (e *Engine) readMemory(dbp *nativeProcess, addr uint64, buf []byte) error {
	n, err := e.t.readMemory(e.memTid(dbp), addr, buf)
	if err != nil {
		return fmt.Errorf("could not read %d bytes at %#x: %w", len(buf), addr, err)
	}
	if n < len(buf) {
		return fmt.Errorf("could not read %d bytes at %#x: short read (%d)", len(buf), addr, n)
	}
	return nil
}

func (e *Engine) writeMemory(dbp *nativeProcess, addr uint64, buf []byte) error {
	n, err := e.t.writeMemory(e.memTid(dbp), addr, buf)
	if err != nil {
		return fmt.Errorf("could not write %d bytes at %#x: %w", len(buf), addr, err)
	}
	if n < len(buf) {
		return fmt.Errorf("could not write %d bytes at %#x: short write (%d)", len(buf), addr, n)
	}
	return nil
}

// overlap returns the intersection of [a, a+alen) and [b, b+blen).
func overlap(a uint64, alen int, b uint64, blen int) (start, end uint64, ok bool) {
	start, end = a, a+uint64(alen)
	if b > start {
		start = b
	}
	if b+uint64(blen) < end {
		end = b + uint64(blen)
	}
	return start, end, start < end
}

// ReadMemory reads the memory of pid. Inserted breakpoints are not visible,
// their original contents are returned instead.
func (e *Engine) ReadMemory(pid int, addr uint64, buf []byte) (int, error) {
	dbp := e.reg.findProcess(pid)
	if dbp == nil || dbp.exited {
		return 0, fmt.Errorf("no such process %d", pid)
	}
	n, err := e.t.readMemory(e.memTid(dbp), addr, buf)
	if err != nil {
		return n, err
	}
	for _, bp := range dbp.bps.M {
		if !bp.Inserted {
			continue
		}
		start, end, ok := overlap(addr, n, bp.Addr, len(bp.OriginalData))
		if !ok {
			continue
		}
		copy(buf[start-addr:end-addr], bp.OriginalData[start-bp.Addr:end-bp.Addr])
	}
	return n, nil
}

// WriteMemory writes the memory of pid. Bytes covered by an inserted
// breakpoint update the saved original contents, the breakpoint stays in
// place. In non-stop mode running threads of pid are stopped for the
// duration of the write.
func (e *Engine) WriteMemory(pid int, addr uint64, data []byte) (int, error) {
	dbp := e.reg.findProcess(pid)
	if dbp == nil || dbp.exited {
		return 0, fmt.Errorf("no such process %d", pid)
	}
	buf := append([]byte(nil), data...)
	err := e.withStoppedProcess(dbp, func() error {
		for _, bp := range dbp.bps.M {
			if !bp.Inserted {
				continue
			}
			start, end, ok := overlap(addr, len(buf), bp.Addr, len(bp.OriginalData))
			if !ok {
				continue
			}
			instr := dbp.arch.BreakpointInstruction()
			for a := start; a < end; a++ {
				bp.OriginalData[a-bp.Addr] = buf[a-addr]
				buf[a-addr] = instr[a-bp.Addr]
			}
		}
		return e.writeMemory(dbp, addr, buf)
	})
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

// withStoppedProcess calls fn with every thread of dbp stopped. Threads
// that were running are stopped, and resumed afterwards.
func (e *Engine) withStoppedProcess(dbp *nativeProcess, fn func() error) error {
	running := e.reg.findThreadBy(func(th *nativeThread) bool {
		return th.pid == dbp.pid && !th.stopped && !th.dead
	})
	if running == nil {
		return fn()
	}
	filter := proc.ProcessThreads(dbp.pid)
	if err := e.stopThreads(filter, true, nil); err != nil {
		return err
	}
	err := fn()
	e.unsuspendThreads(filter, nil)
	if err2 := e.proceedAll(); err == nil {
		err = err2
	}
	return err
}

func (e *Engine) insertSWBreakpoint(dbp *nativeProcess, addr uint64, kind proc.BreakpointKind) (*proc.Breakpoint, error) {
	if bp, ok := dbp.bps.Software(addr); ok {
		bp.Kind |= kind
		return bp, nil
	}
	bp := &proc.Breakpoint{
		Addr:         addr,
		Kind:         kind,
		OriginalData: make([]byte, dbp.arch.BreakpointSize()),
	}
	if err := e.readMemory(dbp, addr, bp.OriginalData); err != nil {
		return nil, err
	}
	// The thread stepping over addr reinserts it when it is done.
	if !e.stepOver.coversAddr(dbp.pid, addr) {
		if err := e.writeMemory(dbp, addr, dbp.arch.BreakpointInstruction()); err != nil {
			return nil, err
		}
		bp.Inserted = true
	}
	dbp.bps.M[addr] = bp
	return bp, nil
}

func (e *Engine) removeSWBreakpoint(dbp *nativeProcess, addr uint64, kind proc.BreakpointKind) error {
	bp, ok := dbp.bps.Software(addr)
	if !ok {
		return fmt.Errorf("no breakpoint at %#x", addr)
	}
	bp.Kind &^= kind
	if bp.Kind != 0 {
		return nil
	}
	if bp.Inserted {
		if err := e.writeMemory(dbp, addr, bp.OriginalData); err != nil {
			return err
		}
		bp.Inserted = false
	}
	delete(dbp.bps.M, addr)
	return nil
}

// uninsertSWBreakpoint takes the breakpoint at addr out of memory without
// forgetting it.
func (e *Engine) uninsertSWBreakpoint(dbp *nativeProcess, addr uint64) error {
	bp, ok := dbp.bps.Software(addr)
	if !ok || !bp.Inserted {
		return nil
	}
	if err := e.writeMemory(dbp, addr, bp.OriginalData); err != nil {
		return err
	}
	bp.Inserted = false
	return nil
}

func (e *Engine) reinsertSWBreakpoint(dbp *nativeProcess, addr uint64) error {
	bp, ok := dbp.bps.Software(addr)
	if !ok || bp.Inserted {
		return nil
	}
	if err := e.writeMemory(dbp, addr, dbp.arch.BreakpointInstruction()); err != nil {
		return err
	}
	bp.Inserted = true
	return nil
}

// InsertBreakpoint inserts a software breakpoint of the given kind at addr.
// Inserting a breakpoint where one already exists adds kind to it.
func (e *Engine) InsertBreakpoint(pid int, addr uint64, kind proc.BreakpointKind) error {
	dbp := e.reg.findProcess(pid)
	if dbp == nil || dbp.exited {
		return fmt.Errorf("no such process %d", pid)
	}
	return e.withStoppedProcess(dbp, func() error {
		_, err := e.insertSWBreakpoint(dbp, addr, kind)
		return err
	})
}

// RemoveBreakpoint removes kind from the software breakpoint at addr, the
// breakpoint is taken out of memory when no kind is left.
func (e *Engine) RemoveBreakpoint(pid int, addr uint64, kind proc.BreakpointKind) error {
	dbp := e.reg.findProcess(pid)
	if dbp == nil || dbp.exited {
		return fmt.Errorf("no such process %d", pid)
	}
	return e.withStoppedProcess(dbp, func() error {
		return e.removeSWBreakpoint(dbp, addr, kind)
	})
}

// Breakpoints returns the software breakpoints of pid.
func (e *Engine) Breakpoints(pid int) []*proc.Breakpoint {
	dbp := e.reg.findProcess(pid)
	if dbp == nil {
		return nil
	}
	var r []*proc.Breakpoint
	for _, addr := range dbp.bps.Addrs() {
		r = append(r, dbp.bps.M[addr])
	}
	return r
}

// HWBreakpoints returns the hardware breakpoints and watchpoints of pid,
// sorted by address.
func (e *Engine) HWBreakpoints(pid int) []*proc.Breakpoint {
	dbp := e.reg.findProcess(pid)
	if dbp == nil {
		return nil
	}
	r := make([]*proc.Breakpoint, 0, len(dbp.bps.HW))
	for _, bp := range dbp.bps.HW {
		r = append(r, bp)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Addr < r[j].Addr })
	return r
}

func (e *Engine) insertHWBreakpoint(dbp *nativeProcess, addr uint64, kind proc.BreakpointKind, wtype proc.WatchType) error {
	if !e.SupportsHardwareBreakpoints() {
		return proc.ErrUnsupported
	}
	if bp, ok := dbp.bps.HW[addr]; ok {
		if bp.WatchType != wtype {
			return fmt.Errorf("a different hardware breakpoint is already set at %#x", addr)
		}
		bp.Kind |= kind
		return nil
	}
	idx, err := dbp.bps.FreeHWIndex(dbp.arch.NumHWBreakpoints())
	if err != nil {
		return err
	}
	bp := &proc.Breakpoint{
		Addr:         addr,
		Kind:         kind,
		Hardware:     true,
		WatchType:    wtype,
		HWBreakIndex: idx,
		Inserted:     true,
	}
	var done []*nativeThread
	for _, th := range e.reg.threadsOf(dbp.pid) {
		if th.dead {
			continue
		}
		if err := e.writeHardwareBreakpoint(th, bp); err != nil {
			for _, th := range done {
				_ = e.clearHardwareBreakpoint(th, idx)
			}
			return err
		}
		done = append(done, th)
	}
	dbp.bps.HW[addr] = bp
	return nil
}

func (e *Engine) removeHWBreakpoint(dbp *nativeProcess, addr uint64, kind proc.BreakpointKind) error {
	bp, ok := dbp.bps.HW[addr]
	if !ok {
		return fmt.Errorf("no hardware breakpoint at %#x", addr)
	}
	bp.Kind &^= kind
	if bp.Kind != 0 {
		return nil
	}
	var err error
	for _, th := range e.reg.threadsOf(dbp.pid) {
		if th.dead {
			continue
		}
		if err1 := e.clearHardwareBreakpoint(th, bp.HWBreakIndex); err1 != nil && err == nil && !e.threadGone(th, err1) {
			err = err1
		}
	}
	delete(dbp.bps.HW, addr)
	return err
}

// InsertHWBreakpoint inserts a hardware execution breakpoint at addr.
func (e *Engine) InsertHWBreakpoint(pid int, addr uint64, kind proc.BreakpointKind) error {
	dbp := e.reg.findProcess(pid)
	if dbp == nil || dbp.exited {
		return fmt.Errorf("no such process %d", pid)
	}
	return e.withStoppedProcess(dbp, func() error {
		return e.insertHWBreakpoint(dbp, addr, kind, 0)
	})
}

// RemoveHWBreakpoint removes the hardware execution breakpoint at addr.
func (e *Engine) RemoveHWBreakpoint(pid int, addr uint64, kind proc.BreakpointKind) error {
	dbp := e.reg.findProcess(pid)
	if dbp == nil || dbp.exited {
		return fmt.Errorf("no such process %d", pid)
	}
	return e.withStoppedProcess(dbp, func() error {
		return e.removeHWBreakpoint(dbp, addr, kind)
	})
}

// InsertWatchpoint watches size bytes at addr.
func (e *Engine) InsertWatchpoint(pid int, addr uint64, size int, wtype proc.WatchType) error {
	dbp := e.reg.findProcess(pid)
	if dbp == nil || dbp.exited {
		return fmt.Errorf("no such process %d", pid)
	}
	if wtype&(proc.WatchRead|proc.WatchWrite) == 0 {
		return fmt.Errorf("watchpoint must trigger on reads or writes")
	}
	return e.withStoppedProcess(dbp, func() error {
		return e.insertHWBreakpoint(dbp, addr, proc.UserBreakpoint, wtype.WithSize(uint8(size)))
	})
}

// RemoveWatchpoint removes the watchpoint at addr.
func (e *Engine) RemoveWatchpoint(pid int, addr uint64) error {
	dbp := e.reg.findProcess(pid)
	if dbp == nil || dbp.exited {
		return fmt.Errorf("no such process %d", pid)
	}
	return e.withStoppedProcess(dbp, func() error {
		return e.removeHWBreakpoint(dbp, addr, proc.UserBreakpoint)
	})
}

// StoppedByWatchpoint returns true if the last stop of ptid was caused by a
// watchpoint.
func (e *Engine) StoppedByWatchpoint(ptid proc.PTID) bool {
	th := e.reg.findThread(ptid.Lwp)
	return th != nil && th.pid == ptid.Pid && th.stopReason == proc.StopReasonWatchpoint
}

// StoppedDataAddress returns the address that triggered the watchpoint
// ptid stopped for, 0 if it did not stop for a watchpoint.
func (e *Engine) StoppedDataAddress(ptid proc.PTID) uint64 {
	if !e.StoppedByWatchpoint(ptid) {
		return 0
	}
	return e.reg.findThread(ptid.Lwp).stoppedDataAddr
}

// copyHWBreakpoints installs the hardware breakpoints of dbp on a new
// thread.
func (e *Engine) copyHWBreakpoints(dbp *nativeProcess, th *nativeThread) error {
	for _, bp := range dbp.bps.HW {
		if err := e.writeHardwareBreakpoint(th, bp); err != nil {
			return err
		}
	}
	return nil
}
