package native

import (
	"os"

	sys "golang.org/x/sys/unix"
)

func (e *Engine) openEventPipe() error {
	var p [2]int
	if err := sys.Pipe2(p[:], sys.O_NONBLOCK|sys.O_CLOEXEC); err != nil {
		return err
	}
	e.eventPipe = p
	return nil
}

func (e *Engine) closeEventPipe() {
	for i, fd := range e.eventPipe {
		if fd >= 0 {
			sys.Close(fd)
			e.eventPipe[i] = -1
		}
	}
}

// forwardChildEvents runs on its own goroutine. It wakes up a blocked
// Wait and, in async mode, makes the event pipe readable.
func (e *Engine) forwardChildEvents(ch <-chan os.Signal) {
	for {
		select {
		case <-e.quit:
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			select {
			case e.wakeup <- struct{}{}:
			default:
			}
			if e.async.Load() {
				e.markEventPipe()
			}
		}
	}
}

func (e *Engine) markEventPipe() {
	if e.eventPipe[1] < 0 {
		return
	}
	// EAGAIN means the pipe is full, it is readable anyway.
	sys.Write(e.eventPipe[1], []byte{'+'})
}

func (e *Engine) flushEventPipe() {
	if e.eventPipe[0] < 0 {
		return
	}
	var buf [64]byte
	for {
		n, err := sys.Read(e.eventPipe[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// SetAsync enables or disables async mode and returns the previous
// setting. In async mode the descriptor returned by EventFD becomes
// readable whenever a traced thread changes state, so that the caller can
// integrate the engine into its own event loop and call Wait without
// blocking.
func (e *Engine) SetAsync(enable bool) bool {
	old := e.async.Swap(enable)
	if enable && !old {
		// There may be events that arrived before async mode was enabled.
		e.markEventPipe()
	} else if !enable {
		e.flushEventPipe()
	}
	return old
}

// EventFD returns the read end of the event pipe.
func (e *Engine) EventFD() int {
	return e.eventPipe[0]
}

// blockForChildEvent waits for the next SIGCHLD.
func (e *Engine) blockForChildEvent() {
	select {
	case <-e.wakeup:
	case <-e.quit:
	}
}
