//go:build linux

package native

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-delve/lwpctl/pkg/proc"
)

// sigrtmin is the first real-time signal as seen by the kernel, glibc
// reserves the first two for itself but they are still real-time.
const sigrtmin = 32

// deferSignal queues sig, with its siginfo, to be reported once th is out
// of the jump pad it is executing. Non real-time signals are not queued
// twice, the kernel would have merged them too.
func (e *Engine) deferSignal(th *nativeThread, sig int, info *proc.Siginfo) {
	if sig < sigrtmin {
		for _, ps := range th.deferredSignals {
			if ps.sig == sig {
				e.log.Debugf("%s: not deferring signal %d, already deferred", th, sig)
				return
			}
		}
	}
	e.log.Debugf("%s: deferring signal %d", th, sig)
	th.deferredSignals = append(th.deferredSignals, pendingSignal{sig: sig, info: info})
}

// undeferSignal pops the oldest deferred signal of th and restores its
// siginfo in the kernel, so that it is delivered exactly as it was
// originally raised.
func (e *Engine) undeferSignal(th *nativeThread) (pendingSignal, bool, error) {
	if len(th.deferredSignals) == 0 {
		return pendingSignal{}, false, nil
	}
	ps := th.deferredSignals[0]
	th.deferredSignals = th.deferredSignals[1:]
	e.log.Debugf("%s: undeferring signal %d", th, ps.sig)
	if ps.info != nil {
		if err := e.t.setSiginfo(th.tid, ps.info); err != nil {
			return ps, true, fmt.Errorf("could not restore siginfo of signal %d for %s: %w", ps.sig, th, err)
		}
	}
	return ps, true, nil
}

// enqueuePending queues sig to be delivered the next time th is resumed.
func (e *Engine) enqueuePending(th *nativeThread, sig int, info *proc.Siginfo) {
	e.log.Debugf("%s: queueing signal %d for delivery", th, sig)
	th.pendingSignals = append(th.pendingSignals, pendingSignal{sig: sig, info: info})
}

// dequeuePending pops the next signal to deliver to th, restoring its
// siginfo.
func (e *Engine) dequeuePending(th *nativeThread) (int, error) {
	if len(th.pendingSignals) == 0 {
		return 0, nil
	}
	ps := th.pendingSignals[0]
	th.pendingSignals = th.pendingSignals[1:]
	if ps.info != nil {
		if err := e.t.setSiginfo(th.tid, ps.info); err != nil {
			return 0, fmt.Errorf("could not restore siginfo of signal %d for %s: %w", ps.sig, th, err)
		}
	}
	return ps.sig, nil
}

// captureSignal returns sig with the siginfo the kernel has for th.
func (e *Engine) captureSignal(th *nativeThread, sig sys.Signal) (int, *proc.Siginfo) {
	info := new(proc.Siginfo)
	if err := e.t.getSiginfo(th.tid, info); err != nil {
		e.log.Debugf("%s: could not read siginfo of signal %d: %v", th, sig, err)
		info = nil
	}
	return int(sig), info
}
