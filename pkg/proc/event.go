package proc

import "fmt"

// EventKind classifies an Event returned by the process-control engine.
type EventKind uint8

const (
	// EventIgnore means that nothing is ready yet (non blocking wait).
	EventIgnore EventKind = iota
	// EventNoResumed means that no thread matching the wait filter is
	// running, so there is nothing to wait for.
	EventNoResumed
	EventExited
	EventSignalled
	EventStopped
	EventSyscallEntry
	EventSyscallReturn
	EventForked
	EventVforked
	EventVforkDone
	EventExecd
	EventThreadCreated
	EventThreadExited
)

var eventKindNames = [...]string{
	EventIgnore:        "ignore",
	EventNoResumed:     "no-resumed",
	EventExited:        "exited",
	EventSignalled:     "signalled",
	EventStopped:       "stopped",
	EventSyscallEntry:  "syscall-entry",
	EventSyscallReturn: "syscall-return",
	EventForked:        "forked",
	EventVforked:       "vforked",
	EventVforkDone:     "vfork-done",
	EventExecd:         "execd",
	EventThreadCreated: "thread-created",
	EventThreadExited:  "thread-exited",
}

func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is a single entry of the ordered event stream produced by Wait.
type Event struct {
	Kind   EventKind
	Thread PTID

	// ExitCode is set for EventExited and EventThreadExited.
	ExitCode int
	// Sig is the stop signal for EventStopped or the terminating signal
	// for EventSignalled.
	Sig int
	// StopReason and PC describe the stop for EventStopped.
	StopReason StopReason
	PC         uint64
	// DataAddress is the address that triggered a watchpoint.
	DataAddress uint64

	// Child is the new process or thread for EventForked, EventVforked
	// and EventThreadCreated.
	Child PTID
	// ExecPath is the new executable for EventExecd.
	ExecPath string
	// Syscall is the system call number for EventSyscallEntry and
	// EventSyscallReturn.
	Syscall int
}

func (ev Event) String() string {
	switch ev.Kind {
	case EventIgnore, EventNoResumed:
		return ev.Kind.String()
	case EventExited, EventThreadExited:
		return fmt.Sprintf("%s %s status=%d", ev.Thread, ev.Kind, ev.ExitCode)
	case EventSignalled:
		return fmt.Sprintf("%s %s sig=%d", ev.Thread, ev.Kind, ev.Sig)
	case EventStopped:
		s := fmt.Sprintf("%s %s sig=%d reason=%s pc=%#x", ev.Thread, ev.Kind, ev.Sig, ev.StopReason, ev.PC)
		if ev.StopReason == StopReasonWatchpoint {
			s += fmt.Sprintf(" addr=%#x", ev.DataAddress)
		}
		return s
	case EventSyscallEntry, EventSyscallReturn:
		return fmt.Sprintf("%s %s nr=%d", ev.Thread, ev.Kind, ev.Syscall)
	case EventForked, EventVforked, EventThreadCreated:
		return fmt.Sprintf("%s %s child=%s", ev.Thread, ev.Kind, ev.Child)
	case EventExecd:
		return fmt.Sprintf("%s %s %s", ev.Thread, ev.Kind, ev.ExecPath)
	}
	return fmt.Sprintf("%s %s", ev.Thread, ev.Kind)
}

// ProcessGone returns true if the event means the whole process is gone.
func (ev Event) ProcessGone() bool {
	return ev.Kind == EventExited || ev.Kind == EventSignalled
}
