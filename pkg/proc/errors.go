package proc

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ErrNoSuchThread is returned when an operation names a thread that is not
// tracked.
type ErrNoSuchThread struct {
	Thread PTID
}

func (e ErrNoSuchThread) Error() string {
	return fmt.Sprintf("no such thread %s", e.Thread)
}

// ErrThreadRunning is returned by operations that need a stopped thread.
type ErrThreadRunning struct {
	Thread PTID
}

func (e ErrThreadRunning) Error() string {
	return fmt.Sprintf("%s is running", e.Thread)
}

var (
	// ErrUnsupported is returned when the target or the kernel do not
	// support an operation.
	ErrUnsupported = errors.New("operation not supported")

	// ErrHWBreakpointsExhausted is returned when every hardware debug
	// register is in use.
	ErrHWBreakpointsExhausted = errors.New("hardware breakpoints exhausted")

	// ErrStepOverInProgress is returned when an operation can not be
	// performed while a thread is stepping over a breakpoint.
	ErrStepOverInProgress = errors.New("a step over is in progress")
)

// AttachError is returned when attaching to, killing or detaching from a
// process fails. Reason is a best effort explanation.
type AttachError struct {
	Op     string
	Pid    int
	Err    error
	Reason string
}

func (e *AttachError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("could not %s process %d: %v (%s)", e.Op, e.Pid, e.Err, e.Reason)
	}
	return fmt.Sprintf("could not %s process %d: %v", e.Op, e.Pid, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// IsESRCH returns true if err is, or wraps, ESRCH.
func IsESRCH(err error) bool {
	return errors.Is(err, syscall.ESRCH)
}
