//go:build linux && !amd64

package native

import "github.com/go-delve/lwpctl/pkg/proc"

const hwBreakpointsSupported = false

func (e *Engine) writeHardwareBreakpoint(th *nativeThread, bp *proc.Breakpoint) error {
	return proc.ErrUnsupported
}

func (e *Engine) clearHardwareBreakpoint(th *nativeThread, idx uint8) error {
	return proc.ErrUnsupported
}

func (e *Engine) hardwareTrap(th *nativeThread, dbp *nativeProcess) (*proc.Breakpoint, error) {
	return nil, nil
}
