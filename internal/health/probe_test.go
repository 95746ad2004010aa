package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/tend/internal/gitutil"
	"github.com/user/tend/internal/jobstore"
	"github.com/user/tend/internal/mutation"
	"github.com/user/tend/internal/procstat"
)

type fixedCounter struct {
	n     int
	calls int
}

func (f *fixedCounter) Count(context.Context, string, time.Time) (int, error) {
	f.calls++
	return f.n, nil
}

func snapshotOf(procs ...procstat.Proc) func(context.Context) (*procstat.Snapshot, error) {
	return func(context.Context) (*procstat.Snapshot, error) {
		return procstat.FromProcs(time.Now(), procs), nil
	}
}

func TestProber_MissingRecord(t *testing.T) {
	t.Parallel()
	p := &Prober{Store: jobstore.NewMemStore(), StallAfter: stall, Snapshot: snapshotOf()}
	_, err := p.Check(t.Context(), "ghost")
	if !errors.Is(err, jobstore.ErrNotFound) {
		t.Errorf("Check error = %v, want ErrNotFound", err)
	}
}

func TestProber_PersistsCPU(t *testing.T) {
	t.Parallel()
	store := jobstore.NewMemStore()
	store.Put(&jobstore.Record{ID: "a", PID: 500, RunID: "r", LaunchedAt: time.Now()})
	store.AppendLog("a", []byte("working\n"))

	p := &Prober{
		Store:      store,
		StallAfter: stall,
		Snapshot:   snapshotOf(procstat.Proc{PID: 500, PPID: 1, CPU: 7 * time.Second}),
	}
	res, err := p.Check(t.Context(), "a")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.State != Healthy || res.Reason != ReasonCPUProgress {
		t.Errorf("first check = (%s, %s), want (healthy, cpu_progress)", res.State, res.Reason)
	}
	r, _ := store.Get("a")
	if r.LastCPU != 7 {
		t.Errorf("LastCPU = %v, want 7", r.LastCPU)
	}

	// Same CPU on the next pass: no progress, but the log is recent.
	res, _ = p.Check(t.Context(), "a")
	if res.Reason != ReasonRecentLogOutput {
		t.Errorf("second check reason = %s, want recent_log_output", res.Reason)
	}
}

func TestProber_MeasuresOnlyWhenSilent(t *testing.T) {
	t.Parallel()
	store := jobstore.NewMemStore()
	store.Put(&jobstore.Record{ID: "a", PID: 500, RunID: "r", Worktree: "/w", LaunchedAt: time.Now()})
	counter := &fixedCounter{n: 2}
	p := &Prober{
		Store:      store,
		Mutations:  counter,
		StallAfter: stall,
		Snapshot:   snapshotOf(procstat.Proc{PID: 500, PPID: 1}),
	}

	res, err := p.Check(t.Context(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if res.State != SilentMutation {
		t.Errorf("State = %s, want silent_mutation", res.State)
	}
	if m, _ := store.Marker("a"); m == nil || m.Count != 2 {
		t.Errorf("marker = %+v, want count 2", m)
	}

	store.AppendLog("a", []byte("hello\n"))
	p.Check(t.Context(), "a")
	if counter.calls != 1 {
		t.Errorf("counter calls = %d, want 1 (no measurement once output exists)", counter.calls)
	}
}

// An empty log with a dirty git worktree must not read as a stall.
func TestProber_DirtyWorktreeIsSilentMutation(t *testing.T) {
	t.Parallel()
	wt := t.TempDir()
	if err := gitutil.InitWithBranch(wt, "main"); err != nil {
		t.Fatal(err)
	}
	if err := gitutil.Commit(wt, "initial"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(wt, "edited.go"), []byte("package x"), 0o644); err != nil {
		t.Fatal(err)
	}

	store := jobstore.NewMemStore()
	launched := time.Now().Add(-time.Hour)
	store.Put(&jobstore.Record{ID: "quiet", PID: 900, RunID: "r", Worktree: wt, LaunchedAt: launched})
	store.AppendLog("quiet", nil)

	p := &Prober{
		Store:      store,
		Mutations:  mutation.New(),
		StallAfter: stall,
		Snapshot:   snapshotOf(procstat.Proc{PID: 900, PPID: 1}),
	}
	res, err := p.Check(t.Context(), "quiet")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if res.State != SilentMutation || res.Reason != ReasonWorktreeChanged {
		t.Errorf("Classify = (%s, %s), want (silent_mutation, worktree_changed_no_output)", res.State, res.Reason)
	}
}
