package logflags

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

func resetFlags() {
	engine, ptrace, wait, stepover = false, false, false, false
	logOut = nil
	loggerFactory = nil
}

func TestMakeLogger_usingLoggerFactory(t *testing.T) {
	defer resetFlags()
	logOut = &bufferWriter{}

	expectedLogger := &logrusLogger{}
	SetLoggerFactory(func(flag bool, fields Fields, out io.Writer) Logger {
		require.True(t, flag)
		require.Equal(t, Fields{"foo": "bar"}, fields)
		require.Equal(t, logOut, out)
		return expectedLogger
	})

	actual := makeLogger(true, Fields{"foo": "bar"})
	require.Same(t, expectedLogger, actual)
}

func TestMakeLogger_withFlagFalse(t *testing.T) {
	defer resetFlags()

	actual := makeLogger(false, Fields{"foo": "bar"})
	entry, ok := actual.(*logrusLogger)
	require.True(t, ok)
	require.Equal(t, logrus.ErrorLevel, entry.Entry.Logger.Level)
	require.Equal(t, "bar", entry.Data["foo"])
}

func TestMakeLogger_withFlagTrue(t *testing.T) {
	defer resetFlags()

	actual := makeLogger(true, Fields{"foo": "bar"})
	entry, ok := actual.(*logrusLogger)
	require.True(t, ok)
	require.Equal(t, logrus.DebugLevel, entry.Entry.Logger.Level)
}

func TestSetup(t *testing.T) {
	defer resetFlags()

	require.Equal(t, errLogstrWithoutLog, Setup(false, "ptrace", ""))

	require.NoError(t, Setup(true, "ptrace,stepover", ""))
	require.True(t, Ptrace())
	require.True(t, StepOver())
	require.False(t, Engine())
	require.False(t, Wait())

	resetFlags()
	require.NoError(t, Setup(true, "", ""))
	require.True(t, Engine())
}

func TestLoggerWritesToLogOut(t *testing.T) {
	defer resetFlags()
	buf := &bufferWriter{}
	logOut = buf

	ptrace = true
	PtraceLogger().Debugf("PTRACE_CONT %d", 42)
	require.Contains(t, buf.String(), "PTRACE_CONT 42")
	require.Contains(t, buf.String(), "layer=ptrace")
}
