package linutil

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/process"
)

// ThreadState is the scheduler state of a thread as reported by /proc.
type ThreadState uint8

const (
	ThreadStateUnknown ThreadState = iota
	ThreadRunning
	ThreadSleeping
	ThreadStopped // job control stop or tracing stop
	ThreadZombie
	ThreadGone // no /proc entry
)

func (s ThreadState) String() string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadSleeping:
		return "sleeping"
	case ThreadStopped:
		return "stopped"
	case ThreadZombie:
		return "zombie"
	case ThreadGone:
		return "gone"
	}
	return "unknown"
}

// Dead returns true if the thread will never run again.
func (s ThreadState) Dead() bool {
	return s == ThreadZombie || s == ThreadGone
}

// ProcFS reads process and thread state from /proc.
type ProcFS struct{}

func (fs ProcFS) path(pid int, elems ...string) string {
	return strings.Join(append([]string{"/proc", strconv.Itoa(pid)}, elems...), "/")
}

func (fs ProcFS) ctx() context.Context {
	return context.Background()
}

// ThreadState returns the scheduler state of tid. Threads are looked up
// directly under /proc, which exposes every task of every process even
// though only thread group leaders are listed.
func (fs ProcFS) ThreadState(tid int) ThreadState {
	if _, err := os.Stat(fs.path(tid)); err != nil {
		return ThreadGone
	}
	p, err := process.NewProcessWithContext(fs.ctx(), int32(tid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return ThreadGone
		}
		return ThreadStateUnknown
	}
	st, err := p.StatusWithContext(fs.ctx())
	if err != nil || len(st) == 0 {
		if _, err := os.Stat(fs.path(tid)); err != nil {
			return ThreadGone
		}
		return ThreadStateUnknown
	}
	switch st[0] {
	case process.Running:
		return ThreadRunning
	case process.Sleep, process.Idle, process.Blocked, process.Wait, process.Lock:
		return ThreadSleeping
	case process.Stop:
		return ThreadStopped
	case process.Zombie:
		return ThreadZombie
	}
	return ThreadStateUnknown
}

// TracerPid returns the pid of the process tracing pid, 0 if it is not
// being traced.
func (fs ProcFS) TracerPid(pid int) (int, error) {
	f, err := os.Open(fs.path(pid, "status"))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		k, v, ok := strings.Cut(s.Text(), ":")
		if !ok || k != "TracerPid" {
			continue
		}
		return strconv.Atoi(strings.TrimSpace(v))
	}
	if err := s.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no TracerPid field in %s", fs.path(pid, "status"))
}

// Tasks returns the ids of all threads of pid, sorted.
func (fs ProcFS) Tasks(pid int) ([]int, error) {
	p, err := process.NewProcessWithContext(fs.ctx(), int32(pid))
	if err != nil {
		return nil, err
	}
	threads, err := p.ThreadsWithContext(fs.ctx())
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(threads))
	for tid := range threads {
		tids = append(tids, int(tid))
	}
	sort.Ints(tids)
	return tids, nil
}

// ExePath returns the path of the executable of pid, or the /proc link
// to it if it cannot be resolved.
func (fs ProcFS) ExePath(pid int) string {
	p, err := process.NewProcessWithContext(fs.ctx(), int32(pid))
	if err == nil {
		if exe, err := p.ExeWithContext(fs.ctx()); err == nil && exe != "" {
			return exe
		}
	}
	return fs.path(pid, "exe")
}

// Comm returns the command name of pid.
func (fs ProcFS) Comm(pid int) string {
	p, err := process.NewProcessWithContext(fs.ctx(), int32(pid))
	if err != nil {
		return ""
	}
	name, _ := p.NameWithContext(fs.ctx())
	return name
}

// Auxv returns the auxiliary vector of pid.
func (fs ProcFS) Auxv(pid int) ([]byte, error) {
	return os.ReadFile(fs.path(pid, "auxv"))
}
