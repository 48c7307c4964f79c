//go:build linux

package native

import (
	"fmt"
	"math/rand"
	"runtime"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/atomic"
	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/config"
	"github.com/go-delve/lwpctl/pkg/logflags"
	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/linutil"
)

const defaultStrayStopCacheSize = 256

// EventSelection is the policy used by Wait to choose among several
// threads with an event ready.
type EventSelection uint8

const (
	// SelectRandom picks uniformly at random.
	SelectRandom EventSelection = iota
	// SelectRoundRobin picks the first ready thread after the one
	// reported last, in tid order.
	SelectRoundRobin
)

func (s EventSelection) String() string {
	if s == SelectRoundRobin {
		return "round-robin"
	}
	return "random"
}

// ParseEventSelection parses the value of the event-selection option.
func ParseEventSelection(s string) (EventSelection, error) {
	switch s {
	case "", "random":
		return SelectRandom, nil
	case "round-robin":
		return SelectRoundRobin, nil
	}
	return SelectRandom, fmt.Errorf("unknown event selection policy %q", s)
}

// Config is the configuration of an Engine.
type Config struct {
	// NonStop makes an event stop only the thread that reported it.
	NonStop bool
	// ReportThreadEvents reports EventThreadCreated and
	// EventThreadExited.
	ReportThreadEvents bool
	// ReportVforkDone reports EventVforkDone.
	ReportVforkDone bool
	// FollowFork keeps the children of traced processes traced, when
	// false they are detached when they are created.
	FollowFork bool
	// DisableASLR is the default for processes started with Create.
	DisableASLR bool
	// AdjustBreakpointPC reports the address of a software breakpoint as
	// the PC of a thread that hit it. When false the PC is left where the
	// trap left it.
	AdjustBreakpointPC bool
	// SoftwareSingleStep single steps by planting breakpoints even if the
	// architecture has hardware single step.
	SoftwareSingleStep bool
	EventSelection     EventSelection
	// StrayStopCacheSize bounds the number of stops of unknown threads
	// remembered until the clone or fork event that explains them.
	StrayStopCacheSize int
	// PassSignals are delivered to the target without being reported.
	PassSignals []int
}

// DefaultConfig returns the configuration used when no configuration file
// exists.
func DefaultConfig() Config {
	return Config{
		FollowFork:         true,
		AdjustBreakpointPC: true,
		StrayStopCacheSize: defaultStrayStopCacheSize,
	}
}

// ConfigFromFile converts the contents of the configuration file.
func ConfigFromFile(c *config.Config) (Config, error) {
	sel, err := ParseEventSelection(c.EventSelection)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	cfg.NonStop = c.NonStop
	cfg.ReportThreadEvents = c.ReportThreadEvents
	cfg.ReportVforkDone = c.ReportVforkDone
	cfg.FollowFork = c.FollowForkEnabled()
	cfg.DisableASLR = c.DisableASLR
	cfg.AdjustBreakpointPC = c.AdjustBreakpointPCEnabled()
	cfg.SoftwareSingleStep = c.SoftwareSingleStep
	cfg.EventSelection = sel
	if c.StrayStopCacheSize > 0 {
		cfg.StrayStopCacheSize = c.StrayStopCacheSize
	}
	cfg.PassSignals = append([]int(nil), c.PassSignals...)
	return cfg, nil
}

// TracepointAgent owns the fast tracepoint jump pads installed in the
// target. The engine consults it to step threads over tracepoint jumps and
// to hold signals that arrive while a thread is inside a jump pad.
type TracepointAgent interface {
	// Collecting reports whether a thread stopped at pc is inside a jump
	// pad, and if so the address where it will leave it.
	Collecting(thread proc.PTID, pc uint64) (state proc.CollectingState, exitAddr uint64)
	// HasJump returns true if a tracepoint jump is inserted at addr.
	HasJump(pid int, addr uint64) bool
	RemoveJump(pid int, addr uint64) error
	ReinsertJump(pid int, addr uint64) error
	// CloneJumps is called when pid forks into child.
	CloneJumps(pid, child int)
}

// Option configures an Engine.
type Option func(*Engine)

// WithArch overrides the architecture of the processes traced by the
// engine, the default is the architecture we are running on.
func WithArch(arch proc.Arch) Option {
	return func(e *Engine) { e.arch = arch }
}

// WithTracepointAgent installs the fast tracepoint agent.
func WithTracepointAgent(agent TracepointAgent) Option {
	return func(e *Engine) { e.agent = agent }
}

// WithRandSeed seeds the random event selection.
func WithRandSeed(seed int64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewSource(seed)) }
}

func withTracer(t sysTracer) Option {
	return func(e *Engine) { e.t = t }
}

func withProcState(ps procState) Option {
	return func(e *Engine) { e.procfs = ps }
}

// Engine controls the traced processes and their threads.
//
// An Engine is not safe for concurrent use: every method must be called
// from the same goroutine, the only concurrency is internal (the ptrace
// goroutine and the SIGCHLD forwarder).
type Engine struct {
	cfg    Config
	t      sysTracer
	procfs procState
	arch   proc.Arch
	agent  TracepointAgent

	reg *registry

	// stopping is set while stopThreads is collecting the stops it
	// requested, stoppingSuspend if that stop also suspends the threads
	// matched by stoppingFilter.
	stopping        bool
	stoppingSuspend bool
	stoppingFilter  proc.PTID
	stepOver        stepOver
	nonStop         bool

	rng          *rand.Rand
	lastReported int

	passSignals map[int]bool
	strays      *lru.Cache

	optionsProbed bool
	ptraceOptions int
	exitKill      bool

	async     *atomic.Bool
	eventPipe [2]int
	wakeup    chan struct{}
	quit      chan struct{}

	log  logflags.Logger
	wlog logflags.Logger
	slog logflags.Logger
}

// New creates an Engine.
func New(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		reg:         newRegistry(),
		nonStop:     cfg.NonStop,
		passSignals: make(map[int]bool),
		async:       atomic.NewBool(false),
		eventPipe:   [2]int{-1, -1},
		wakeup:      make(chan struct{}, 1),
		quit:        make(chan struct{}),
		log:         logflags.EngineLogger(),
		wlog:        logflags.WaitLogger(),
		slog:        logflags.StepOverLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.arch == nil {
		e.arch = proc.NativeArch()
		if e.arch == nil {
			return nil, fmt.Errorf("architecture %s: %w", runtime.GOARCH, proc.ErrUnsupported)
		}
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	for _, sig := range cfg.PassSignals {
		e.passSignals[sig] = true
	}

	size := cfg.StrayStopCacheSize
	if size <= 0 {
		size = defaultStrayStopCacheSize
	}
	var err error
	e.strays, err = lru.NewWithEvict(size, func(key, _ interface{}) {
		e.wlog.Warnf("forgetting stop of unknown thread %v", key)
	})
	if err != nil {
		return nil, err
	}

	if err := e.openEventPipe(); err != nil {
		return nil, err
	}
	if e.t == nil {
		e.t = newLinuxTracer()
	}
	if e.procfs == nil {
		e.procfs = linutil.ProcFS{}
	}
	go e.forwardChildEvents(e.t.childEvents())
	return e, nil
}

// Close releases the resources of the engine. Traced processes are left
// as they are, Kill or Detach them first.
func (e *Engine) Close() {
	close(e.quit)
	e.closeEventPipe()
	e.t.close()
}

// Threads returns the live threads of pid.
func (e *Engine) Threads(pid int) []proc.PTID {
	var r []proc.PTID
	for _, th := range e.reg.threadsOf(pid) {
		if !th.dead {
			r = append(r, th.ptid())
		}
	}
	return r
}

// Processes returns the pids of the traced processes.
func (e *Engine) Processes() []int {
	var r []int
	for _, th := range e.reg.threads() {
		if th.isLeader() {
			r = append(r, th.pid)
		}
	}
	return r
}

// ThreadAlive returns true if ptid is a live traced thread.
func (e *Engine) ThreadAlive(ptid proc.PTID) bool {
	th := e.reg.findThread(ptid.Lwp)
	return th != nil && th.pid == ptid.Pid && !th.dead
}

// SetPassSignals replaces the set of signals delivered to the target
// without being reported.
func (e *Engine) SetPassSignals(sigs []int) {
	e.passSignals = make(map[int]bool, len(sigs))
	for _, sig := range sigs {
		e.passSignals[sig] = true
	}
}

// SetCatchSyscalls selects the system calls of pid that are reported as
// EventSyscallEntry and EventSyscallReturn. With all set every system call
// is reported, with no numbers and all unset none is.
func (e *Engine) SetCatchSyscalls(pid int, nums []int, all bool) error {
	if !e.SupportsCatchSyscall() {
		return proc.ErrUnsupported
	}
	dbp := e.reg.findProcess(pid)
	if dbp == nil {
		return fmt.Errorf("no such process %d", pid)
	}
	dbp.catchAllSyscalls = all
	dbp.catchSyscalls = nil
	if len(nums) > 0 {
		dbp.catchSyscalls = make(map[int]bool, len(nums))
		for _, nr := range nums {
			dbp.catchSyscalls[nr] = true
		}
	}
	return nil
}

// SetNonStop switches between non-stop and all-stop mode.
func (e *Engine) SetNonStop(enable bool) error {
	if enable && !e.SupportsNonStop() {
		return proc.ErrUnsupported
	}
	e.nonStop = enable
	return nil
}

// NonStop returns true in non-stop mode.
func (e *Engine) NonStop() bool {
	return e.nonStop
}

// SupportsNonStop returns true, non-stop mode is always available.
func (e *Engine) SupportsNonStop() bool { return true }

// SupportsForkEvents returns true if the kernel reports forks.
func (e *Engine) SupportsForkEvents() bool {
	return !e.optionsProbed || e.ptraceOptions&sys.PTRACE_O_TRACEFORK != 0
}

// SupportsVforkEvents returns true if the kernel reports vforks.
func (e *Engine) SupportsVforkEvents() bool {
	return !e.optionsProbed || e.ptraceOptions&sys.PTRACE_O_TRACEVFORK != 0
}

// SupportsExecEvents returns true if the kernel reports execs.
func (e *Engine) SupportsExecEvents() bool {
	return !e.optionsProbed || e.ptraceOptions&sys.PTRACE_O_TRACEEXEC != 0
}

// SupportsCatchSyscall returns true if system call stops can be told
// apart from breakpoint traps.
func (e *Engine) SupportsCatchSyscall() bool {
	return !e.optionsProbed || e.ptraceOptions&sys.PTRACE_O_TRACESYSGOOD != 0
}

// SupportsHardwareSingleStep returns true if threads are single stepped by
// the CPU.
func (e *Engine) SupportsHardwareSingleStep() bool {
	return e.arch.HardwareSingleStep() && !e.cfg.SoftwareSingleStep
}

// SupportsRangeStepping returns true, see proc.ResumeRequest.StepRange.
func (e *Engine) SupportsRangeStepping() bool { return true }

// SupportsHardwareBreakpoints returns true if hardware breakpoints and
// watchpoints can be set.
func (e *Engine) SupportsHardwareBreakpoints() bool {
	return hwBreakpointsSupported && e.arch.NumHWBreakpoints() > 0
}
