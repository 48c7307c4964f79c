//go:build linux

package native

import (
	"os"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/linutil"
)

// sysTracer is every kernel facility used by the engine. The engine never
// issues a ptrace request or a wait4 call except through it.
type sysTracer interface {
	attach(tid int) error
	detach(tid, sig int) error
	cont(tid, sig int) error
	syscallCont(tid, sig int) error
	singleStep(tid, sig int) error
	// tgkill sends sig to thread tid of process pid.
	tgkill(pid, tid int, sig sys.Signal) error
	setOptions(tid, options int) error
	getEventMsg(tid int) (uint, error)
	getSiginfo(tid int, si *proc.Siginfo) error
	setSiginfo(tid int, si *proc.Siginfo) error

	getRegs(tid int, regs *sys.PtraceRegs) error
	setRegs(tid int, regs *sys.PtraceRegs) error
	getFPRegs(tid int) ([]byte, error)
	peekUser(tid int, off uintptr) (uint64, error)
	pokeUser(tid int, off uintptr, val uint64) error

	readMemory(tid int, addr uint64, buf []byte) (int, error)
	writeMemory(tid int, addr uint64, buf []byte) (int, error)

	// wait4 is wait4(2) with __WALL always added to options.
	wait4(pid, options int) (int, sys.WaitStatus, error)

	// startProcess starts argv as a traced child, it returns as soon as
	// the child exists, before its first stop has been collected.
	startProcess(argv []string, opts CreateOptions) (int, error)

	// childEvents receives a value whenever SIGCHLD is delivered to us.
	childEvents() <-chan os.Signal

	close()
}

// procState is the view of /proc used by the engine.
type procState interface {
	ThreadState(tid int) linutil.ThreadState
	TracerPid(pid int) (int, error)
	Tasks(pid int) ([]int, error)
	ExePath(pid int) string
	Comm(pid int) string
	Auxv(pid int) ([]byte, error)
}

var _ procState = linutil.ProcFS{}

// CreateOptions configure a process started by Create.
type CreateOptions struct {
	Dir string
	Env []string

	Stdin, Stdout, Stderr *os.File
	// TTY, if not empty, is the path of a terminal that becomes the
	// controlling terminal of the new process.
	TTY string
	// Foreground puts the new process in the foreground process group of
	// our terminal, ignored when stdin is not a terminal.
	Foreground bool

	DisableASLR bool
}
