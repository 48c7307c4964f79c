package cmds

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/lwpctl/cmd/lwpctl/cmds/helphelpers"
	"github.com/go-delve/lwpctl/pkg/proc"
	"github.com/go-delve/lwpctl/pkg/proc/native"
)

type fakeTracer struct {
	pids    []int
	events  []proc.Event
	resumes [][]proc.ResumeRequest
}

func (ft *fakeTracer) Resume(reqs []proc.ResumeRequest) error {
	ft.resumes = append(ft.resumes, reqs)
	return nil
}

func (ft *fakeTracer) Wait(filter proc.PTID, opts native.WaitOptions) (proc.Event, error) {
	if len(ft.events) == 0 {
		return proc.Event{Kind: proc.EventNoResumed}, nil
	}
	ev := ft.events[0]
	ft.events = ft.events[1:]
	return ev, nil
}

func (ft *fakeTracer) Processes() []int { return ft.pids }

func (ft *fakeTracer) Mourn(pid int) {
	for i := range ft.pids {
		if ft.pids[i] == pid {
			ft.pids = append(ft.pids[:i], ft.pids[i+1:]...)
			return
		}
	}
}

func TestTraceEvents(t *testing.T) {
	leader := proc.PTID{Pid: 100, Lwp: 100}
	ft := &fakeTracer{
		pids: []int{100},
		events: []proc.Event{
			{Kind: proc.EventStopped, Thread: leader},
			{Kind: proc.EventStopped, Thread: leader, Sig: 10},
			{Kind: proc.EventExited, Thread: leader, ExitCode: 0},
		},
	}
	out := new(bytes.Buffer)
	quit := func() error {
		t.Fatal("not interrupted")
		return nil
	}
	require.NoError(t, traceEvents(ft, out, make(chan os.Signal), quit))

	cont := proc.ResumeRequest{Thread: proc.AnyThread, Kind: proc.ResumeContinue}
	require.Equal(t, [][]proc.ResumeRequest{
		{cont},
		{{Thread: leader, Kind: proc.ResumeContinue, Sig: 10}, cont},
	}, ft.resumes)
	require.Equal(t, "LWP 100.100 stopped sig=0 reason=none pc=0x0\n"+
		"LWP 100.100 stopped sig=10 reason=none pc=0x0\n"+
		"LWP 100.100 exited status=0\n", out.String())
	require.Empty(t, ft.pids)
}

func TestTraceEventsInterrupted(t *testing.T) {
	ft := &fakeTracer{pids: []int{100}}
	interrupt := make(chan os.Signal, 1)
	interrupt <- os.Interrupt
	quit := false
	require.NoError(t, traceEvents(ft, new(bytes.Buffer), interrupt, func() error {
		quit = true
		return nil
	}))
	require.True(t, quit)
	require.Empty(t, ft.resumes)
}

func TestLoadConfigFromFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("non-stop: true\npass-signals: [10, 12]\n"), 0600))

	configPath = path
	defer func() { configPath = "" }()
	conf, err := loadConfig()
	require.NoError(t, err)
	require.True(t, conf.NonStop)
	require.Equal(t, []int{10, 12}, conf.PassSignals)

	cfg, err := native.ConfigFromFile(conf)
	require.NoError(t, err)
	require.True(t, cfg.NonStop)

	configPath = filepath.Join(t.TempDir(), "missing.yml")
	_, err = loadConfig()
	require.Error(t, err)
}

func TestHelpHidesFlags(t *testing.T) {
	root := New(false)
	attach, _, err := root.Find([]string{"attach"})
	require.NoError(t, err)
	attach.InheritedFlags()

	helphelpers.Prepare(attach)
	require.True(t, root.PersistentFlags().Lookup("pty").Hidden)
	require.True(t, root.PersistentFlags().Lookup("wd").Hidden)
	require.False(t, root.PersistentFlags().Lookup("non-stop").Hidden)
}

func TestVersionCommand(t *testing.T) {
	root := New(false)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
}
