package native

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/lwpctl/pkg/proc"
)

func TestCreateAndContinueRealProcess(t *testing.T) {
	if testing.Short() {
		t.Skip("traces a real process")
	}
	if _, err := os.Stat("/bin/true"); err != nil {
		t.Skip("no /bin/true")
	}
	e, err := New(DefaultConfig())
	require.NoError(t, err)
	defer e.Close()

	pid, err := e.Create([]string{"/bin/true"}, CreateOptions{})
	if err != nil {
		t.Skipf("can not trace processes here: %v", err)
	}
	ev, err := e.Wait(proc.AnyThread, WaitOptions{})
	require.NoError(t, err)
	require.Equal(t, proc.EventStopped, ev.Kind)
	require.Equal(t, proc.PTID{Pid: pid, Lwp: pid}, ev.Thread)
	require.NotZero(t, ev.PC)

	entry, err := e.EntryPoint(pid)
	require.NoError(t, err)
	require.NotZero(t, entry)

	for {
		require.NoError(t, e.Resume([]proc.ResumeRequest{{Thread: proc.AnyThread, Kind: proc.ResumeContinue}}))
		ev, err = e.Wait(proc.AnyThread, WaitOptions{})
		require.NoError(t, err)
		if ev.ProcessGone() {
			break
		}
	}
	require.Equal(t, proc.EventExited, ev.Kind)
	require.Zero(t, ev.ExitCode)
	e.Mourn(pid)
	require.Empty(t, e.Processes())
}
