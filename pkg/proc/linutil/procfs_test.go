package linutil

import (
	"encoding/binary"
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestThreadStateSelf(t *testing.T) {
	var fs ProcFS
	st := fs.ThreadState(os.Getpid())
	require.False(t, st.Dead(), "state %v", st)
}

func TestThreadStateGone(t *testing.T) {
	var fs ProcFS
	// pid_max is at most 2^22
	require.Equal(t, ThreadGone, fs.ThreadState(1<<23))
}

func TestTasksSelf(t *testing.T) {
	var fs ProcFS
	tids, err := fs.Tasks(os.Getpid())
	require.NoError(t, err)
	require.Contains(t, tids, os.Getpid())
}

func TestTracerPidSelf(t *testing.T) {
	var fs ProcFS
	_, err := fs.TracerPid(os.Getpid())
	require.NoError(t, err)
	_, err = fs.TracerPid(1 << 23)
	require.Error(t, err)
}

func TestExePathSelf(t *testing.T) {
	var fs ProcFS
	exe, err := os.Executable()
	require.NoError(t, err)
	require.Equal(t, exe, fs.ExePath(os.Getpid()))
}

func TestEntryPointFromAuxv(t *testing.T) {
	auxv := make([]byte, 0, 48)
	for _, v := range []uint64{6, 4096, _AT_ENTRY, 0x401000, _AT_NULL, 0} {
		auxv = binary.LittleEndian.AppendUint64(auxv, v)
	}
	require.Equal(t, uint64(0x401000), EntryPointFromAuxv(auxv, 8))
	require.Equal(t, uint64(0), EntryPointFromAuxv(auxv[:16], 8))
}

func TestEntryPointFromOwnAuxv(t *testing.T) {
	var fs ProcFS
	auxv, err := fs.Auxv(os.Getpid())
	require.NoError(t, err)
	require.NotZero(t, EntryPointFromAuxv(auxv, strconv.IntSize/8))
}
