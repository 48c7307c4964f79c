package proc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSiginfo(t *testing.T) {
	var si Siginfo
	si.SetHeader(11, 0, 1)
	si.SetAddr(0xdeadbeef)
	require.Equal(t, 11, si.Signo())
	require.Equal(t, 0, si.Errno())
	require.Equal(t, 1, si.Code())
	require.Equal(t, uint64(0xdeadbeef), si.Addr())

	si.SetHeader(10, 0, SITkill)
	require.Equal(t, SITkill, si.Code())
}
