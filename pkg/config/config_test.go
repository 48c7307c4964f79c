package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadDefaults(t *testing.T) {
	c, err := Read(strings.NewReader(""))
	require.NoError(t, err)
	require.True(t, c.FollowForkEnabled())
	require.True(t, c.AdjustBreakpointPCEnabled())
	require.False(t, c.NonStop)
}

func TestRead(t *testing.T) {
	c, err := Read(strings.NewReader(`
non-stop: true
follow-fork: false
adjust-breakpoint-pc: false
event-selection: round-robin
pass-signals: [14, 28]
`))
	require.NoError(t, err)
	require.True(t, c.NonStop)
	require.False(t, c.FollowForkEnabled())
	require.False(t, c.AdjustBreakpointPCEnabled())
	require.Equal(t, "round-robin", c.EventSelection)
	require.Equal(t, []int{14, 28}, c.PassSignals)
}

func TestReadInvalidSelection(t *testing.T) {
	_, err := Read(strings.NewReader("event-selection: fifo\n"))
	require.Error(t, err)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	c, err := LoadConfig()
	require.NoError(t, err)
	require.NotNil(t, c)

	buf, err := os.ReadFile(filepath.Join(dir, configDir, configFile))
	require.NoError(t, err)
	require.Contains(t, string(buf), "# non-stop: false")

	c.NonStop = true
	require.NoError(t, SaveConfig(c))
	c2, err := LoadConfig()
	require.NoError(t, err)
	require.True(t, c2.NonStop)
}
