package native

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"unsafe"

	isatty "github.com/mattn/go-isatty"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/logflags"
	"github.com/go-delve/lwpctl/pkg/proc"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant

	_NT_PRFPREG = 2
)

// linuxTracer implements sysTracer with ptrace(2).
//
// All ptrace requests are executed by a single goroutine locked to its OS
// thread: the kernel ties a tracee to the thread that attached to it (or
// forked it), every other thread of our process gets ESRCH.
type linuxTracer struct {
	ptraceChan     chan func()
	ptraceDoneChan chan struct{}
	sigchld        chan os.Signal
	logger         logflags.Logger
}

func newLinuxTracer() *linuxTracer {
	t := &linuxTracer{
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
		sigchld:        make(chan os.Signal, 1),
		logger:         logflags.PtraceLogger(),
	}
	signal.Notify(t.sigchld, sys.SIGCHLD)
	go t.handlePtraceFuncs()
	return t
}

func (t *linuxTracer) handlePtraceFuncs() {
	// We must ensure here that we are running on the same thread during
	// while invoking the ptrace(2) syscall. This is due to the fact that ptrace(2) expects
	// all commands after PTRACE_ATTACH to come from the same thread.
	runtime.LockOSThread()

	for fn := range t.ptraceChan {
		fn()
		t.ptraceDoneChan <- struct{}{}
	}
}

func (t *linuxTracer) execPtraceFunc(fn func()) {
	t.ptraceChan <- fn
	<-t.ptraceDoneChan
}

func (t *linuxTracer) close() {
	signal.Stop(t.sigchld)
	close(t.ptraceChan)
}

func (t *linuxTracer) childEvents() <-chan os.Signal {
	return t.sigchld
}

func errnoErr(e syscall.Errno) error {
	if e != 0 {
		return e
	}
	return nil
}

// attach executes the sys.PtraceAttach call.
func (t *linuxTracer) attach(tid int) (err error) {
	t.execPtraceFunc(func() { err = sys.PtraceAttach(tid) })
	if logflags.Ptrace() {
		t.logger.Debugf("PTRACE_ATTACH %d: %v", tid, err)
	}
	return err
}

// detach calls ptrace(PTRACE_DETACH).
func (t *linuxTracer) detach(tid, sig int) (err error) {
	t.execPtraceFunc(func() {
		_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
		err = errnoErr(e1)
	})
	if logflags.Ptrace() {
		t.logger.Debugf("PTRACE_DETACH %d sig=%d: %v", tid, sig, err)
	}
	return err
}

// cont executes ptrace PTRACE_CONT
func (t *linuxTracer) cont(tid, sig int) (err error) {
	t.execPtraceFunc(func() { err = sys.PtraceCont(tid, sig) })
	if logflags.Ptrace() {
		t.logger.Debugf("PTRACE_CONT %d sig=%d: %v", tid, sig, err)
	}
	return err
}

// syscallCont executes ptrace PTRACE_SYSCALL
func (t *linuxTracer) syscallCont(tid, sig int) (err error) {
	t.execPtraceFunc(func() { err = sys.PtraceSyscall(tid, sig) })
	if logflags.Ptrace() {
		t.logger.Debugf("PTRACE_SYSCALL %d sig=%d: %v", tid, sig, err)
	}
	return err
}

// singleStep executes ptrace PTRACE_SINGLESTEP
func (t *linuxTracer) singleStep(tid, sig int) (err error) {
	t.execPtraceFunc(func() {
		_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(tid), uintptr(0), uintptr(sig), 0, 0)
		err = errnoErr(e1)
	})
	if logflags.Ptrace() {
		t.logger.Debugf("PTRACE_SINGLESTEP %d sig=%d: %v", tid, sig, err)
	}
	return err
}

func (t *linuxTracer) tgkill(pid, tid int, sig sys.Signal) error {
	err := sys.Tgkill(pid, tid, sig)
	if logflags.Ptrace() {
		t.logger.Debugf("tgkill %d %d %v: %v", pid, tid, sig, err)
	}
	return err
}

func (t *linuxTracer) setOptions(tid, options int) (err error) {
	t.execPtraceFunc(func() { err = sys.PtraceSetOptions(tid, options) })
	if logflags.Ptrace() {
		t.logger.Debugf("PTRACE_SETOPTIONS %d %#x: %v", tid, options, err)
	}
	return err
}

func (t *linuxTracer) getEventMsg(tid int) (msg uint, err error) {
	t.execPtraceFunc(func() { msg, err = sys.PtraceGetEventMsg(tid) })
	return msg, err
}

func (t *linuxTracer) getSiginfo(tid int, si *proc.Siginfo) (err error) {
	t.execPtraceFunc(func() {
		_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&si.Raw[0])), 0, 0)
		err = errnoErr(e1)
	})
	return err
}

func (t *linuxTracer) setSiginfo(tid int, si *proc.Siginfo) (err error) {
	t.execPtraceFunc(func() {
		_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_SETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&si.Raw[0])), 0, 0)
		err = errnoErr(e1)
	})
	if logflags.Ptrace() {
		t.logger.Debugf("PTRACE_SETSIGINFO %d %s: %v", tid, si, err)
	}
	return err
}

func (t *linuxTracer) getRegs(tid int, regs *sys.PtraceRegs) (err error) {
	t.execPtraceFunc(func() { err = sys.PtraceGetRegs(tid, regs) })
	return err
}

func (t *linuxTracer) setRegs(tid int, regs *sys.PtraceRegs) (err error) {
	t.execPtraceFunc(func() { err = sys.PtraceSetRegs(tid, regs) })
	if logflags.Ptrace() {
		t.logger.Debugf("PTRACE_SETREGS %d pc=%#x: %v", tid, regs.PC(), err)
	}
	return err
}

// getFPRegs returns the raw NT_PRFPREG register set.
func (t *linuxTracer) getFPRegs(tid int) ([]byte, error) {
	buf := make([]byte, 1024)
	var err error
	t.execPtraceFunc(func() {
		var iov sys.Iovec
		iov.Base = &buf[0]
		iov.SetLen(len(buf))
		_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), _NT_PRFPREG, uintptr(unsafe.Pointer(&iov)), 0, 0)
		err = errnoErr(e1)
		if err == nil {
			buf = buf[:iov.Len]
		}
	})
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func (t *linuxTracer) peekUser(tid int, off uintptr) (val uint64, err error) {
	t.execPtraceFunc(func() {
		var word uintptr
		_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_PEEKUSR, uintptr(tid), off, uintptr(unsafe.Pointer(&word)), 0, 0)
		err = errnoErr(e1)
		val = uint64(word)
	})
	return val, err
}

func (t *linuxTracer) pokeUser(tid int, off uintptr, val uint64) (err error) {
	t.execPtraceFunc(func() {
		_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_POKEUSR, uintptr(tid), off, uintptr(val), 0, 0)
		err = errnoErr(e1)
	})
	if logflags.Ptrace() {
		t.logger.Debugf("PTRACE_POKEUSER %d off=%#x val=%#x: %v", tid, off, val, err)
	}
	return err
}

// readMemory reads with process_vm_readv, which does not need the thread
// to be stopped, and falls back to PTRACE_PEEKDATA for pages that are not
// readable.
func (t *linuxTracer) readMemory(tid int, addr uint64, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := processVmRead(tid, uintptr(addr), buf)
	if err == nil && n == len(buf) {
		return n, nil
	}
	t.execPtraceFunc(func() { n, err = sys.PtracePeekData(tid, uintptr(addr), buf) })
	return n, err
}

// writeMemory uses PTRACE_POKEDATA, process_vm_writev can not write to
// read-only mappings such as the text segment.
func (t *linuxTracer) writeMemory(tid int, addr uint64, buf []byte) (n int, err error) {
	if len(buf) == 0 {
		return 0, nil
	}
	t.execPtraceFunc(func() { n, err = sys.PtracePokeData(tid, uintptr(addr), buf) })
	if logflags.Ptrace() {
		t.logger.Debugf("PTRACE_POKEDATA %d %#x %d bytes: %v", tid, addr, len(buf), err)
	}
	return n, err
}

func (t *linuxTracer) wait4(pid, options int) (int, sys.WaitStatus, error) {
	var s sys.WaitStatus
	wpid, err := sys.Wait4(pid, &s, sys.WALL|options, nil)
	return wpid, s, err
}

func (t *linuxTracer) startProcess(argv []string, opts CreateOptions) (int, error) {
	var (
		process *exec.Cmd
		ctty    *os.File
		err     error
	)

	foreground := opts.Foreground
	if opts.Stdin == nil || !isatty.IsTerminal(opts.Stdin.Fd()) {
		// exec.(*Process).Start will fail if we try to send a process to
		// foreground but we are not attached to a terminal.
		foreground = false
	}

	t.execPtraceFunc(func() {
		if opts.DisableASLR {
			oldPersonality, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
			if err == syscall.Errno(0) {
				newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
				syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
				defer syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0)
			}
		}

		process = exec.Command(argv[0])
		process.Args = argv
		process.Env = opts.Env
		process.Dir = opts.Dir
		process.Stdin = opts.Stdin
		process.Stdout = opts.Stdout
		process.Stderr = opts.Stderr
		process.SysProcAttr = &syscall.SysProcAttr{
			Ptrace:     true,
			Setpgid:    true,
			Foreground: foreground,
		}
		if foreground {
			signal.Ignore(syscall.SIGTTOU, syscall.SIGTTIN)
		}
		if opts.TTY != "" {
			ctty, err = attachProcessToTTY(process, opts.TTY)
			if err != nil {
				return
			}
		}
		err = process.Start()
	})
	if ctty != nil {
		ctty.Close()
	}
	if err != nil {
		return 0, fmt.Errorf("could not start %s: %w", argv[0], err)
	}
	return process.Process.Pid, nil
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVmRead calls process_vm_readv
func processVmRead(tid int, addr uintptr, data []byte) (int, error) {
	var localIov sys.Iovec
	localIov.Base = &data[0]
	localIov.SetLen(len(data))
	remoteIov := remoteIovec{base: addr, len: uintptr(len(data))}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(tid), uintptr(unsafe.Pointer(&localIov)), 1, uintptr(unsafe.Pointer(&remoteIov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}
