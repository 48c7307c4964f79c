package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/linutil"
)

func (e *Engine) getRegs(th *nativeThread) (*sys.PtraceRegs, error) {
	var regs sys.PtraceRegs
	if err := e.t.getRegs(th.tid, &regs); err != nil {
		return nil, fmt.Errorf("could not read registers of %s: %w", th, err)
	}
	return &regs, nil
}

func (e *Engine) getPC(th *nativeThread) (uint64, error) {
	regs, err := e.getRegs(th)
	if err != nil {
		return 0, err
	}
	return regs.PC(), nil
}

func (e *Engine) setPC(th *nativeThread, pc uint64) error {
	regs, err := e.getRegs(th)
	if err != nil {
		return err
	}
	regs.SetPC(pc)
	if err := e.t.setRegs(th.tid, regs); err != nil {
		return fmt.Errorf("could not set PC of %s: %w", th, err)
	}
	return nil
}

// stoppedThread returns the thread identified by ptid, which must be
// stopped.
func (e *Engine) stoppedThread(ptid proc.PTID) (*nativeThread, error) {
	th := e.reg.findThread(ptid.Lwp)
	if th == nil || th.pid != ptid.Pid || th.dead {
		return nil, proc.ErrNoSuchThread{Thread: ptid}
	}
	if !th.stopped {
		return nil, proc.ErrThreadRunning{Thread: ptid}
	}
	return th, nil
}

// FetchRegisters returns the general purpose registers of a stopped
// thread.
func (e *Engine) FetchRegisters(ptid proc.PTID) (*sys.PtraceRegs, error) {
	th, err := e.stoppedThread(ptid)
	if err != nil {
		return nil, err
	}
	return e.getRegs(th)
}

// StoreRegisters writes the general purpose registers of a stopped thread.
func (e *Engine) StoreRegisters(ptid proc.PTID, regs *sys.PtraceRegs) error {
	th, err := e.stoppedThread(ptid)
	if err != nil {
		return err
	}
	if err := e.t.setRegs(th.tid, regs); err != nil {
		return fmt.Errorf("could not write registers of %s: %w", th, err)
	}
	return nil
}

// FetchFPRegisters returns the raw floating point register set
// (NT_PRFPREG) of a stopped thread.
func (e *Engine) FetchFPRegisters(ptid proc.PTID) ([]byte, error) {
	th, err := e.stoppedThread(ptid)
	if err != nil {
		return nil, err
	}
	return e.t.getFPRegs(th.tid)
}

// RegisterSlice returns the general purpose registers of a stopped thread
// as a list of named values.
func (e *Engine) RegisterSlice(ptid proc.PTID) ([]linutil.Register, error) {
	regs, err := e.FetchRegisters(ptid)
	if err != nil {
		return nil, err
	}
	return linutil.RegisterSlice(regs), nil
}

// EntryPoint returns the entry point of the executable of pid, read from
// its auxiliary vector.
func (e *Engine) EntryPoint(pid int) (uint64, error) {
	dbp := e.reg.findProcess(pid)
	if dbp == nil {
		return 0, fmt.Errorf("no such process %d", pid)
	}
	auxv, err := e.procfs.Auxv(pid)
	if err != nil {
		return 0, fmt.Errorf("could not read auxv of %d: %w", pid, err)
	}
	return linutil.EntryPointFromAuxv(auxv, dbp.arch.PtrSize()), nil
}
