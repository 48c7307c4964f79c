package proc

import "fmt"

// PTID identifies a thread of a traced process.
//
// A Pid of -1 matches every process, a Lwp of 0 matches every thread of
// Pid. The zero value matches nothing and is used as "no thread".
type PTID struct {
	Pid int
	Lwp int
}

// AnyThread matches every thread of every traced process.
var AnyThread = PTID{Pid: -1}

// NoThread matches nothing.
var NoThread = PTID{}

// ProcessThreads returns a PTID matching every thread of pid.
func ProcessThreads(pid int) PTID {
	return PTID{Pid: pid}
}

// IsWildcard returns true if p can match more than one thread.
func (p PTID) IsWildcard() bool {
	return p.Pid == -1 || (p.Pid > 0 && p.Lwp == 0)
}

// Matches returns true if the thread identified by other is selected by p.
func (p PTID) Matches(other PTID) bool {
	switch {
	case p == NoThread:
		return false
	case p.Pid == -1:
		return true
	case p.Lwp == 0:
		return p.Pid == other.Pid
	default:
		return p == other
	}
}

func (p PTID) String() string {
	switch {
	case p == NoThread:
		return "<none>"
	case p.Pid == -1:
		return "<all>"
	case p.Lwp == 0:
		return fmt.Sprintf("process %d", p.Pid)
	}
	return fmt.Sprintf("LWP %d.%d", p.Pid, p.Lwp)
}

// StopReason describes why a thread reported a trap.
type StopReason uint8

const (
	StopReasonNone StopReason = iota
	StopReasonSWBreakpoint
	StopReasonHWBreakpoint
	StopReasonWatchpoint
	StopReasonSingleStep
	StopReasonExtendedEvent
)

func (r StopReason) String() string {
	switch r {
	case StopReasonNone:
		return "none"
	case StopReasonSWBreakpoint:
		return "sw-breakpoint"
	case StopReasonHWBreakpoint:
		return "hw-breakpoint"
	case StopReasonWatchpoint:
		return "watchpoint"
	case StopReasonSingleStep:
		return "single-step"
	case StopReasonExtendedEvent:
		return "extended-event"
	}
	return fmt.Sprintf("StopReason(%d)", uint8(r))
}

// IsBreakpoint returns true for software and hardware breakpoint hits.
func (r StopReason) IsBreakpoint() bool {
	return r == StopReasonSWBreakpoint || r == StopReasonHWBreakpoint
}

// ResumeKind is the way a thread should be resumed.
type ResumeKind uint8

const (
	// ResumeStop leaves the thread stopped, or stops it if it is running.
	ResumeStop ResumeKind = iota
	ResumeContinue
	ResumeStep
)

func (k ResumeKind) String() string {
	switch k {
	case ResumeStop:
		return "stop"
	case ResumeContinue:
		return "continue"
	case ResumeStep:
		return "step"
	}
	return fmt.Sprintf("ResumeKind(%d)", uint8(k))
}

// AddrRange is a half open range of addresses [Start, End).
type AddrRange struct {
	Start, End uint64
}

// Contains returns true if addr is inside the range.
func (r AddrRange) Contains(addr uint64) bool {
	return addr >= r.Start && addr < r.End
}

// Empty returns true if the range contains no address.
func (r AddrRange) Empty() bool {
	return r.End <= r.Start
}

// ResumeRequest asks for every thread matched by Thread to be resumed
// according to Kind.
type ResumeRequest struct {
	Thread PTID
	Kind   ResumeKind

	// Sig, if not zero, is delivered to the thread when it is resumed.
	Sig int

	// StepRange, when Kind is ResumeStep and the range is not empty, keeps
	// the thread single stepping silently for as long as its PC stays
	// inside the range.
	StepRange AddrRange
}

func (r ResumeRequest) String() string {
	s := fmt.Sprintf("%s %s", r.Kind, r.Thread)
	if r.Sig != 0 {
		s += fmt.Sprintf(" sig=%d", r.Sig)
	}
	if !r.StepRange.Empty() {
		s += fmt.Sprintf(" range=[%#x,%#x)", r.StepRange.Start, r.StepRange.End)
	}
	return s
}

// CollectingState describes where a thread is relative to a fast
// tracepoint jump pad.
type CollectingState uint8

const (
	NotCollecting CollectingState = iota
	CollectingBeforeInsn
	CollectingAtInsn
)

func (s CollectingState) String() string {
	switch s {
	case NotCollecting:
		return "not-collecting"
	case CollectingBeforeInsn:
		return "before-insn"
	case CollectingAtInsn:
		return "at-insn"
	}
	return fmt.Sprintf("CollectingState(%d)", uint8(s))
}
