package terminal

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/cosiner/argv"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/linutil"
)

type cmdfunc func(t *Term, args string) error

type command struct {
	aliases []string
	group   commandGroup
	helpMsg string
	cmdFn   cmdfunc
}

// Returns true if the command string matches one of the aliases for this command
func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

// Commands represents the commands of the console.
type Commands struct {
	cmds    []command
	lastCmd string
}

// DebugCommands returns a Commands struct with default commands defined.
func DebugCommands() *Commands {
	c := &Commands{}

	c.cmds = []command{
		{aliases: []string{"help", "h"}, cmdFn: c.help, helpMsg: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{aliases: []string{"continue", "c"}, group: runCmds, cmdFn: cont, helpMsg: `Run until the next event.

	continue [signal]

Resumes every thread and waits for the next event. If a signal is given it
is delivered to the current thread.`},
		{aliases: []string{"step", "si"}, group: runCmds, cmdFn: step, helpMsg: `Single step the current thread.

	step [count]`},
		{aliases: []string{"range"}, group: runCmds, cmdFn: stepRange, helpMsg: `Step the current thread until it leaves an address range.

	range <start> <end>

The thread single steps silently while its PC is in [start, end).`},
		{aliases: []string{"stop"}, group: runCmds, cmdFn: stop, helpMsg: `Stops the current process and waits for the stop.`},
		{aliases: []string{"wait"}, group: runCmds, cmdFn: wait, helpMsg: `Waits for the next event without resuming anything.

	wait [-n]

With -n returns immediately if nothing is ready.`},
		{aliases: []string{"kill"}, group: runCmds, cmdFn: kill, helpMsg: `Kills the current process.`},
		{aliases: []string{"detach"}, group: runCmds, cmdFn: detach, helpMsg: `Detaches from the current process, leaving it running.`},
		{aliases: []string{"nonstop"}, group: runCmds, cmdFn: nonstop, helpMsg: `Shows or changes the stop mode.

	nonstop [on|off]

In non-stop mode an event only stops the thread that reported it.`},
		{aliases: []string{"pass"}, group: runCmds, cmdFn: pass, helpMsg: `Sets the signals delivered to the process without stopping.

	pass [signal...]

Without arguments no signal is passed.`},
		{aliases: []string{"catch"}, group: runCmds, cmdFn: catch, helpMsg: `Selects the system calls that stop the process.

	catch all
	catch none
	catch <number>...`},
		{aliases: []string{"break", "b"}, group: breakCmds, cmdFn: breakpoint, helpMsg: `Sets a breakpoint.

	break <address>`},
		{aliases: []string{"hbreak"}, group: breakCmds, cmdFn: hwBreakpoint, helpMsg: `Sets a hardware breakpoint.

	hbreak <address>`},
		{aliases: []string{"watch"}, group: breakCmds, cmdFn: watchpoint, helpMsg: `Sets a watchpoint.

	watch [-r|-w|-rw] <address> [size]

The default is a write watchpoint of 8 bytes. Size must be 1, 2, 4 or 8.`},
		{aliases: []string{"clear"}, group: breakCmds, cmdFn: clear, helpMsg: `Deletes the breakpoint or watchpoint at an address.

	clear <address>`},
		{aliases: []string{"breakpoints", "bp"}, group: breakCmds, cmdFn: breakpoints, helpMsg: `Prints out the breakpoints of the current process.`},
		{aliases: []string{"regs"}, group: dataCmds, cmdFn: regs, helpMsg: `Prints the registers of the current thread.`},
		{aliases: []string{"examinemem", "x"}, group: dataCmds, cmdFn: examineMemory, helpMsg: `Examine memory.

	examinemem <address> [count]

Prints count bytes (default 64) starting at address.`},
		{aliases: []string{"write"}, group: dataCmds, cmdFn: writeMemory, helpMsg: `Writes bytes to memory.

	write <address> <hex bytes>`},
		{aliases: []string{"threads"}, group: threadCmds, cmdFn: threads, helpMsg: `Print out info for every traced thread.`},
		{aliases: []string{"thread", "tr"}, group: threadCmds, cmdFn: thread, helpMsg: `Switch to the specified thread.

	thread <id>`},
		{aliases: []string{"exit", "quit", "q"}, cmdFn: exitCommand, helpMsg: `Exit the console.`},
	}

	sort.Sort(byFirstAlias(c.cmds))
	return c
}

// byFirstAlias will sort by the first
// alias of a command.
type byFirstAlias []command

func (a byFirstAlias) Len() int           { return len(a) }
func (a byFirstAlias) Swap(i, j int)      { a[i], a[j] = a[j], a[i] }
func (a byFirstAlias) Less(i, j int) bool { return a[i].aliases[0] < a[j].aliases[0] }

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) cmdfunc {
	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v.cmdFn
		}
	}
	return noCmdAvailable
}

// Call takes a command to execute. An empty command repeats the last
// one.
func (c *Commands) Call(cmdstr string, t *Term) error {
	cmdstr = strings.TrimSpace(cmdstr)
	if cmdstr == "" {
		cmdstr = c.lastCmd
		if cmdstr == "" {
			return nil
		}
	}
	c.lastCmd = cmdstr
	vals := strings.SplitN(cmdstr, " ", 2)
	var args string
	if len(vals) > 1 {
		args = strings.TrimSpace(vals[1])
	}
	return c.Find(vals[0])(t, args)
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			if cmd.match(args) {
				fmt.Fprintln(t.stdout, cmd.helpMsg)
				return nil
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")

	for _, cgd := range commandGroupDescriptions {
		fmt.Fprintf(t.stdout, "\n%s:\n", cgd.description)
		w := new(tabwriter.Writer)
		w.Init(t.stdout, 0, 8, 0, '-', 0)
		for _, cmd := range c.cmds {
			if cmd.group != cgd.group {
				continue
			}
			h := cmd.helpMsg
			if idx := strings.Index(h, "\n"); idx >= 0 {
				h = h[:idx]
			}
			if len(cmd.aliases) > 1 {
				fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
			} else {
				fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
			}
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// splitArgs splits args the way a shell would.
func splitArgs(args string) ([]string, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	v, err := argv.Argv(args,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, err
	}
	if len(v) != 1 {
		return nil, fmt.Errorf("illegal arguments '%s'", args)
	}
	return v[0], nil
}

func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	return addr, nil
}

// parseSignal accepts a signal number or name, with or without the SIG
// prefix.
func parseSignal(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 || n > 64 {
			return 0, fmt.Errorf("invalid signal %d", n)
		}
		return n, nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := sys.SignalNum(name); sig != 0 {
		return int(sig), nil
	}
	return 0, fmt.Errorf("unknown signal %q", s)
}

func (t *Term) curPid() (int, error) {
	if t.cur.Pid <= 0 {
		return 0, errors.New("no process")
	}
	return t.cur.Pid, nil
}

// curThread returns the current thread, if it is still alive.
func (t *Term) curThread() (proc.PTID, error) {
	if _, err := t.curPid(); err != nil {
		return proc.NoThread, err
	}
	for _, ptid := range t.target.Threads(t.cur.Pid) {
		if ptid == t.cur {
			return ptid, nil
		}
	}
	return proc.NoThread, fmt.Errorf("%s no longer exists, select another thread", t.cur)
}

func (t *Term) resumeAndWait(reqs []proc.ResumeRequest) error {
	if err := t.target.Resume(reqs); err != nil {
		return err
	}
	ev, err := t.waitForEvent(proc.AnyThread)
	if err != nil {
		return err
	}
	t.report(ev)
	return nil
}

func cont(t *Term, args string) error {
	if _, err := t.curPid(); err != nil {
		return err
	}
	var reqs []proc.ResumeRequest
	if args != "" {
		sig, err := parseSignal(args)
		if err != nil {
			return err
		}
		cur, err := t.curThread()
		if err != nil {
			return err
		}
		reqs = append(reqs, proc.ResumeRequest{Thread: cur, Kind: proc.ResumeContinue, Sig: sig})
	}
	reqs = append(reqs, proc.ResumeRequest{Thread: proc.AnyThread, Kind: proc.ResumeContinue})
	return t.resumeAndWait(reqs)
}

func step(t *Term, args string) error {
	if _, err := t.curPid(); err != nil {
		return err
	}
	count := 1
	if args != "" {
		n, err := strconv.Atoi(args)
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid count %q", args)
		}
		count = n
	}
	for i := 0; i < count && t.cur != proc.NoThread; i++ {
		cur, err := t.curThread()
		if err != nil {
			return err
		}
		if err := t.resumeAndWait([]proc.ResumeRequest{{Thread: cur, Kind: proc.ResumeStep}}); err != nil {
			return err
		}
	}
	return nil
}

func stepRange(t *Term, args string) error {
	if _, err := t.curPid(); err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments: range <start> <end>")
	}
	start, err := parseAddr(v[0])
	if err != nil {
		return err
	}
	end, err := parseAddr(v[1])
	if err != nil {
		return err
	}
	r := proc.AddrRange{Start: start, End: end}
	if r.Empty() {
		return fmt.Errorf("empty range [%#x, %#x)", start, end)
	}
	cur, err := t.curThread()
	if err != nil {
		return err
	}
	return t.resumeAndWait([]proc.ResumeRequest{{Thread: cur, Kind: proc.ResumeStep, StepRange: r}})
}

func stop(t *Term, args string) error {
	pid, err := t.curPid()
	if err != nil {
		return err
	}
	if err := t.target.RequestStop(pid); err != nil {
		return err
	}
	return wait(t, "")
}

func wait(t *Term, args string) error {
	var (
		ev  proc.Event
		err error
	)
	switch args {
	case "":
		ev, err = t.waitForEvent(proc.AnyThread)
	case "-n":
		ev, err = t.target.Wait(proc.AnyThread, waitNonBlocking)
		if err == nil && ev.Kind == proc.EventIgnore {
			fmt.Fprintln(t.stdout, "nothing ready")
		}
	default:
		return fmt.Errorf("unknown argument %q", args)
	}
	if err != nil {
		return err
	}
	t.report(ev)
	return nil
}

func kill(t *Term, args string) error {
	pid, err := t.curPid()
	if err != nil {
		return err
	}
	if err := t.target.Kill(pid); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Process %d killed\n", pid)
	t.cur = proc.NoThread
	return nil
}

func detach(t *Term, args string) error {
	pid, err := t.curPid()
	if err != nil {
		return err
	}
	if err := t.target.Detach(pid); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Detached from process %d\n", pid)
	t.cur = proc.NoThread
	return nil
}

func nonstop(t *Term, args string) error {
	switch args {
	case "":
	case "on":
		if err := t.target.SetNonStop(true); err != nil {
			return err
		}
	case "off":
		if err := t.target.SetNonStop(false); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown argument %q", args)
	}
	if t.target.NonStop() {
		fmt.Fprintln(t.stdout, "non-stop mode")
	} else {
		fmt.Fprintln(t.stdout, "all-stop mode")
	}
	return nil
}

func pass(t *Term, args string) error {
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	sigs := make([]int, 0, len(v))
	for _, s := range v {
		sig, err := parseSignal(s)
		if err != nil {
			return err
		}
		sigs = append(sigs, sig)
	}
	t.target.SetPassSignals(sigs)
	return nil
}

func catch(t *Term, args string) error {
	pid, err := t.curPid()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	switch {
	case len(v) == 0:
		return errors.New("not enough arguments: catch all|none|<number>...")
	case len(v) == 1 && v[0] == "all":
		return t.target.SetCatchSyscalls(pid, nil, true)
	case len(v) == 1 && v[0] == "none":
		return t.target.SetCatchSyscalls(pid, nil, false)
	}
	nums := make([]int, 0, len(v))
	for _, s := range v {
		nr, err := strconv.Atoi(s)
		if err != nil || nr < 0 {
			return fmt.Errorf("invalid system call number %q", s)
		}
		nums = append(nums, nr)
	}
	return t.target.SetCatchSyscalls(pid, nums, false)
}

func setBreakpoint(t *Term, args string, hw bool) error {
	pid, err := t.curPid()
	if err != nil {
		return err
	}
	addr, err := parseAddr(args)
	if err != nil {
		return err
	}
	if hw {
		err = t.target.InsertHWBreakpoint(pid, addr, proc.UserBreakpoint)
	} else {
		err = t.target.InsertBreakpoint(pid, addr, proc.UserBreakpoint)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Breakpoint set at %#x\n", addr)
	return nil
}

func breakpoint(t *Term, args string) error {
	return setBreakpoint(t, args, false)
}

func hwBreakpoint(t *Term, args string) error {
	return setBreakpoint(t, args, true)
}

func watchpoint(t *Term, args string) error {
	pid, err := t.curPid()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	wtype := proc.WatchWrite
	if len(v) > 0 && strings.HasPrefix(v[0], "-") {
		switch v[0] {
		case "-r":
			wtype = proc.WatchRead
		case "-w":
			wtype = proc.WatchWrite
		case "-rw":
			wtype = proc.WatchRead | proc.WatchWrite
		default:
			return fmt.Errorf("unknown watchpoint type %q", v[0])
		}
		v = v[1:]
	}
	if len(v) == 0 || len(v) > 2 {
		return errors.New("wrong number of arguments: watch [-r|-w|-rw] <address> [size]")
	}
	addr, err := parseAddr(v[0])
	if err != nil {
		return err
	}
	size := 8
	if len(v) == 2 {
		size, err = strconv.Atoi(v[1])
		if err != nil {
			return fmt.Errorf("invalid size %q", v[1])
		}
	}
	if err := t.target.InsertWatchpoint(pid, addr, size, wtype); err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "Watchpoint set at %#x\n", addr)
	return nil
}

func clear(t *Term, args string) error {
	pid, err := t.curPid()
	if err != nil {
		return err
	}
	addr, err := parseAddr(args)
	if err != nil {
		return err
	}
	for _, bp := range t.target.HWBreakpoints(pid) {
		if bp.Addr != addr || !bp.IsUser() {
			continue
		}
		if bp.WatchType != 0 {
			err = t.target.RemoveWatchpoint(pid, addr)
		} else {
			err = t.target.RemoveHWBreakpoint(pid, addr, proc.UserBreakpoint)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(t.stdout, "Cleared %s\n", bp)
		return nil
	}
	for _, bp := range t.target.Breakpoints(pid) {
		if bp.Addr == addr && bp.IsUser() {
			if err := t.target.RemoveBreakpoint(pid, addr, proc.UserBreakpoint); err != nil {
				return err
			}
			fmt.Fprintf(t.stdout, "Cleared %s\n", bp)
			return nil
		}
	}
	return fmt.Errorf("no breakpoint at %#x", addr)
}

func breakpoints(t *Term, args string) error {
	pid, err := t.curPid()
	if err != nil {
		return err
	}
	bps := append(t.target.Breakpoints(pid), t.target.HWBreakpoints(pid)...)
	sort.SliceStable(bps, func(i, j int) bool { return bps[i].Addr < bps[j].Addr })
	for _, bp := range bps {
		if !bp.IsUser() {
			continue
		}
		fmt.Fprintln(t.stdout, bp)
	}
	return nil
}

func regs(t *Term, args string) error {
	if _, err := t.curPid(); err != nil {
		return err
	}
	rs, err := t.target.RegisterSlice(t.cur)
	if err != nil {
		return err
	}
	fmt.Fprint(t.stdout, linutil.FormatRegisters(rs))
	return nil
}

func examineMemory(t *Term, args string) error {
	pid, err := t.curPid()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) == 0 || len(v) > 2 {
		return errors.New("wrong number of arguments: examinemem <address> [count]")
	}
	addr, err := parseAddr(v[0])
	if err != nil {
		return err
	}
	count := 64
	if len(v) == 2 {
		count, err = strconv.Atoi(v[1])
		if err != nil || count <= 0 || count > 1<<20 {
			return fmt.Errorf("invalid count %q", v[1])
		}
	}
	buf := make([]byte, count)
	n, err := t.target.ReadMemory(pid, addr, buf)
	if n > 0 {
		fmt.Fprint(t.stdout, formatMemory(addr, buf[:n]))
	}
	return err
}

// formatMemory prints mem in rows of 16 bytes.
func formatMemory(addr uint64, mem []byte) string {
	var b strings.Builder
	for i := 0; i < len(mem); i += 16 {
		end := i + 16
		if end > len(mem) {
			end = len(mem)
		}
		fmt.Fprintf(&b, "%#016x:", addr+uint64(i))
		for _, c := range mem[i:end] {
			fmt.Fprintf(&b, " %02x", c)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func writeMemory(t *Term, args string) error {
	pid, err := t.curPid()
	if err != nil {
		return err
	}
	v, err := splitArgs(args)
	if err != nil {
		return err
	}
	if len(v) != 2 {
		return errors.New("wrong number of arguments: write <address> <hex bytes>")
	}
	addr, err := parseAddr(v[0])
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(v[1], "0x"))
	if err != nil {
		return fmt.Errorf("invalid data: %v", err)
	}
	n, err := t.target.WriteMemory(pid, addr, data)
	if err != nil {
		return err
	}
	fmt.Fprintf(t.stdout, "%d bytes written\n", n)
	return nil
}

func threads(t *Term, args string) error {
	for _, pid := range t.target.Processes() {
		for _, ptid := range t.target.Threads(pid) {
			prefix := "  "
			if ptid == t.cur {
				prefix = "* "
			}
			fmt.Fprintf(t.stdout, "%s%s\n", prefix, ptid)
		}
	}
	return nil
}

func thread(t *Term, args string) error {
	if args == "" {
		return errors.New("you must specify a thread")
	}
	tid, err := strconv.Atoi(args)
	if err != nil {
		return fmt.Errorf("invalid thread id %q", args)
	}
	for _, pid := range t.target.Processes() {
		for _, ptid := range t.target.Threads(pid) {
			if ptid.Lwp == tid {
				old := t.cur
				t.cur = ptid
				fmt.Fprintf(t.stdout, "Switched from %s to %s\n", old, ptid)
				return nil
			}
		}
	}
	return fmt.Errorf("no thread %d", tid)
}

// ExitRequestError is returned when the user
// exits the console.
type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exitCommand(t *Term, args string) error {
	return ExitRequestError{}
}
