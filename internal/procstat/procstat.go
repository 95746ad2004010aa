// Package procstat reads the host process table: liveness, CPU time and
// the descendant tree of supervised jobs.
package procstat

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Proc is one row of the process table.
type Proc struct {
	PID     int
	PPID    int
	State   string
	CPU     time.Duration
	Elapsed time.Duration
}

// Zombie reports whether the process has exited but not been reaped.
func (p Proc) Zombie() bool { return p.State == process.Zombie }

// Snapshot is the process table at one instant. All jobs classified in a
// watchdog pass share one snapshot.
type Snapshot struct {
	TakenAt  time.Time
	procs    map[int]Proc
	children map[int][]int
}

// FromProcs builds a snapshot from explicit rows.
func FromProcs(at time.Time, procs []Proc) *Snapshot {
	s := &Snapshot{TakenAt: at, procs: make(map[int]Proc, len(procs)), children: make(map[int][]int)}
	for _, p := range procs {
		s.procs[p.PID] = p
		if p.PPID > 0 && p.PPID != p.PID {
			s.children[p.PPID] = append(s.children[p.PPID], p.PID)
		}
	}
	return s
}

// Take reads the whole process table. Processes that exit while the table
// is being read are left out.
func Take(ctx context.Context) (*Snapshot, error) {
	ps, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("read process table: %w", err)
	}
	now := time.Now()
	rows := make([]Proc, 0, len(ps))
	for _, p := range ps {
		row, ok := read(ctx, p, now)
		if ok {
			rows = append(rows, row)
		}
	}
	return FromProcs(now, rows), nil
}

func read(ctx context.Context, p *process.Process, now time.Time) (Proc, bool) {
	ppid, err := p.PpidWithContext(ctx)
	if err != nil {
		return Proc{}, false
	}
	row := Proc{PID: int(p.Pid), PPID: int(ppid)}
	if st, err := p.StatusWithContext(ctx); err == nil && len(st) > 0 {
		row.State = st[0]
	}
	if t, err := p.TimesWithContext(ctx); err == nil {
		row.CPU = time.Duration((t.User + t.System) * float64(time.Second))
	}
	if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
		row.Elapsed = now.Sub(time.UnixMilli(ms))
	}
	return row, true
}

// Alive reports whether pid is in the table and not a zombie.
func (s *Snapshot) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, ok := s.procs[pid]
	return ok && !p.Zombie()
}

// Lookup returns the row for pid.
func (s *Snapshot) Lookup(pid int) (Proc, bool) {
	p, ok := s.procs[pid]
	return p, ok
}

// Descendants returns every process below pid, parents before children.
func (s *Snapshot) Descendants(pid int) []int {
	var out []int
	seen := map[int]bool{pid: true}
	queue := []int{pid}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		for _, c := range s.children[next] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out
}

// CPU returns accumulated CPU time for a job's process and everything it
// spawned. The tree is followed by parent pid, so a delegate that moved to
// its own session or process group still counts.
func (s *Snapshot) CPU(pid int) time.Duration {
	p, ok := s.procs[pid]
	if !ok {
		return 0
	}
	total := p.CPU
	for _, d := range s.Descendants(pid) {
		if c := s.procs[d]; !c.Zombie() {
			total += c.CPU
		}
	}
	return total
}

// IsAlive checks a single pid without reading the whole table. An unreaped
// zombie counts as dead.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	st, err := p.Status()
	if err != nil {
		running, rerr := p.IsRunning()
		return rerr == nil && running
	}
	return len(st) == 0 || st[0] != process.Zombie
}

// Tree returns pid followed by its live descendants. When the table cannot
// be read only pid is returned.
func Tree(ctx context.Context, pid int) []int {
	snap, err := Take(ctx)
	if err != nil {
		return []int{pid}
	}
	pids := []int{pid}
	for _, d := range snap.Descendants(pid) {
		if snap.Alive(d) {
			pids = append(pids, d)
		}
	}
	return pids
}

// SignalTree sends sig to the group led by pid and to every descendant, so a
// child that started its own session is reached too.
func SignalTree(ctx context.Context, pid int, sig syscall.Signal) error {
	return SignalAll(Tree(ctx, pid), sig)
}

// SignalAll signals each pid and its group. Pids that are already gone are
// not an error.
func SignalAll(pids []int, sig syscall.Signal) error {
	var errs []error
	for _, pid := range pids {
		if err := SignalGroup(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// SignalGroup sends sig to the process group led by pid, falling back to
// the single process when no such group exists.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("signal: invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}
