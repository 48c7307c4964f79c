package terminal

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/go-delve/liner"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/config"
	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/linutil"
	"github.com/go-delve/lwpctl/pkg/proc/native"
)

const (
	historyFile                 string = ".lwpctl_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"

	ansiRed    = 31
	ansiYellow = 33
	ansiBlue   = 34
)

// Target is the process-control engine driven by the terminal.
type Target interface {
	Processes() []int
	Threads(pid int) []proc.PTID

	Resume(reqs []proc.ResumeRequest) error
	Wait(filter proc.PTID, opts native.WaitOptions) (proc.Event, error)
	SetAsync(enable bool) bool
	EventFD() int
	RequestStop(pid int) error

	InsertBreakpoint(pid int, addr uint64, kind proc.BreakpointKind) error
	RemoveBreakpoint(pid int, addr uint64, kind proc.BreakpointKind) error
	InsertHWBreakpoint(pid int, addr uint64, kind proc.BreakpointKind) error
	RemoveHWBreakpoint(pid int, addr uint64, kind proc.BreakpointKind) error
	InsertWatchpoint(pid int, addr uint64, size int, wtype proc.WatchType) error
	RemoveWatchpoint(pid int, addr uint64) error
	Breakpoints(pid int) []*proc.Breakpoint
	HWBreakpoints(pid int) []*proc.Breakpoint

	RegisterSlice(ptid proc.PTID) ([]linutil.Register, error)
	ReadMemory(pid int, addr uint64, buf []byte) (int, error)
	WriteMemory(pid int, addr uint64, data []byte) (int, error)

	SetPassSignals(sigs []int)
	SetCatchSyscalls(pid int, nums []int, all bool) error
	SetNonStop(enable bool) error
	NonStop() bool

	Kill(pid int) error
	Detach(pid int) error
	Mourn(pid int)
}

var _ Target = (*native.Engine)(nil)

var waitNonBlocking = native.WaitOptions{NonBlocking: true}

// Term represents the debug console.
type Term struct {
	target Target
	conf   *config.Config
	prompt string
	line   *liner.State
	cmds   *Commands
	dumb   bool
	stdout io.Writer

	// cur is the thread commands act on.
	cur proc.PTID

	// KillOnExit kills the traced processes when the console exits
	// instead of detaching from them.
	KillOnExit bool

	interrupt chan os.Signal
}

// New returns a new Term controlling the process pid.
func New(target Target, pid int, conf *config.Config) *Term {
	if conf == nil {
		conf = &config.Config{}
	}
	dumb := strings.ToLower(os.Getenv("TERM")) == "dumb"
	t := &Term{
		target:    target,
		conf:      conf,
		prompt:    "(lwpctl) ",
		cmds:      DebugCommands(),
		dumb:      dumb,
		stdout:    getColorableWriter(dumb),
		cur:       proc.PTID{Pid: pid, Lwp: pid},
		interrupt: make(chan os.Signal, 1),
	}
	return t
}

// Close returns the terminal to its previous mode.
func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
}

// Run begins running the console. It returns the exit status of the
// program.
func (t *Term) Run() (int, error) {
	t.line = liner.NewLiner()
	defer t.Close()

	signal.Notify(t.interrupt, sys.SIGINT)
	defer signal.Stop(t.interrupt)

	t.target.SetAsync(true)
	defer t.target.SetAsync(false)

	t.line.SetCtrlCAborts(false)
	t.line.SetCompleter(func(line string) (c []string) {
		for _, cmd := range t.cmds.cmds {
			for _, alias := range cmd.aliases {
				if strings.HasPrefix(alias, strings.ToLower(line)) {
					c = append(c, alias)
				}
			}
		}
		return
	})

	fullHistoryFile, err := config.GetConfigFilePath(historyFile)
	if err != nil {
		fmt.Printf("Unable to load history file: %v.", err)
	}

	f, err := os.Open(fullHistoryFile)
	if err != nil {
		f, err = os.Create(fullHistoryFile)
		if err != nil {
			fmt.Printf("Unable to open history file: %v. History will not be saved for this session.", err)
		}
	}
	if f != nil {
		t.line.ReadHistory(f)
		f.Close()
	}
	fmt.Fprintln(t.stdout, "Type 'help' for list of commands.")

	for {
		cmdstr, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return 1, fmt.Errorf("prompt for input failed: %v", err)
		}

		if err := t.cmds.Call(cmdstr, t); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
			fmt.Fprintf(os.Stderr, "Command failed: %s\n", err)
		}
	}
}

// Println prints a line to the terminal.
func (t *Term) Println(prefix, str string) {
	t.printColor(ansiBlue, prefix)
	fmt.Fprintf(t.stdout, "%s\n", str)
}

func (t *Term) printColor(color int, str string) {
	if !t.dumb {
		str = fmt.Sprintf(terminalHighlightEscapeCode, color) + str + terminalResetEscapeCode
	}
	fmt.Fprint(t.stdout, str)
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func yesno(line *liner.State, question string) (bool, error) {
	for {
		answer, err := line.Prompt(question)
		if err != nil {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		switch answer {
		case "n", "no":
			return false, nil
		case "y", "yes":
			return true, nil
		}
	}
}

func (t *Term) handleExit() (int, error) {
	if t.line != nil {
		fullHistoryFile, err := config.GetConfigFilePath(historyFile)
		if err != nil {
			fmt.Println("Error saving history file:", err)
		} else {
			if f, err := os.OpenFile(fullHistoryFile, os.O_RDWR, 0666); err == nil {
				_, err = t.line.WriteHistory(f)
				if err != nil {
					fmt.Println("readline history error:", err)
				}
				f.Close()
			}
		}
	}

	pids := t.target.Processes()
	if len(pids) == 0 {
		return 0, nil
	}
	kill := t.KillOnExit
	if t.line != nil && !kill {
		answer, err := yesno(t.line, "Would you like to kill the process? [Y/n] ")
		if err != nil {
			return 2, io.EOF
		}
		kill = answer
	}
	for _, pid := range pids {
		var err error
		if kill {
			err = t.target.Kill(pid)
		} else {
			err = t.target.Detach(pid)
		}
		if err != nil {
			return 1, err
		}
	}
	return 0, nil
}

// waitForEvent waits for the next event of a thread matching filter. A
// SIGINT received while waiting stops the current process.
func (t *Term) waitForEvent(filter proc.PTID) (proc.Event, error) {
	interrupted := false
	for {
		ev, err := t.target.Wait(filter, waitNonBlocking)
		if err != nil || ev.Kind != proc.EventIgnore {
			return ev, err
		}
		select {
		case <-t.interrupt:
			if !interrupted && t.cur.Pid > 0 {
				interrupted = true
				if err := t.target.RequestStop(t.cur.Pid); err != nil {
					return ev, err
				}
			}
		default:
		}
		fds := []sys.PollFd{{Fd: int32(t.target.EventFD()), Events: sys.POLLIN}}
		if fds[0].Fd < 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if _, err := sys.Poll(fds, 100); err != nil && err != sys.EINTR {
			return ev, err
		}
	}
}

// report prints ev and updates the current thread.
func (t *Term) report(ev proc.Event) {
	switch ev.Kind {
	case proc.EventIgnore:
		return
	case proc.EventNoResumed:
		t.printColor(ansiYellow, "no resumed threads\n")
		return
	case proc.EventExited, proc.EventSignalled:
		t.printColor(ansiRed, fmt.Sprintf("process %d: %s\n", ev.Thread.Pid, ev))
		t.target.Mourn(ev.Thread.Pid)
		if pids := t.target.Processes(); len(pids) > 0 {
			t.cur = proc.PTID{Pid: pids[0], Lwp: pids[0]}
		} else {
			t.cur = proc.NoThread
		}
		return
	case proc.EventThreadExited:
		if ev.Thread == t.cur {
			t.cur = proc.PTID{Pid: ev.Thread.Pid, Lwp: ev.Thread.Pid}
		}
	default:
		t.cur = ev.Thread
	}
	t.Println("> ", ev.String())
}
