package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/user/tend/internal/jobstore"
	"github.com/user/tend/internal/preflight"
)

// fakeProcs stands in for the process table and signal delivery.
type fakeProcs struct {
	mu       sync.Mutex
	alive    map[int]bool
	ignore   map[syscall.Signal]bool
	signals  []syscall.Signal
	// children lists descendants per pid; stubborn pids only die on SIGKILL.
	children map[int][]int
	stubborn map[int]bool
	killed   []int
	nextPID  int
	launched []string
	store    *jobstore.MemStore
	// silent launches leave an empty log, like a delegate that buffers.
	silent bool
}

func newFakeProcs(store *jobstore.MemStore) *fakeProcs {
	return &fakeProcs{
		alive: map[int]bool{}, ignore: map[syscall.Signal]bool{},
		children: map[int][]int{}, stubborn: map[int]bool{},
		nextPID: 1000, store: store,
	}
}

func (f *fakeProcs) Launch(_ context.Context, rec *jobstore.Record) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	f.alive[f.nextPID] = true
	f.launched = append(f.launched, rec.RunID)
	if f.silent {
		f.store.AppendLog(rec.ID, nil)
	} else {
		f.store.AppendLog(rec.ID, []byte("run "+rec.RunID+"\n"))
	}
	return f.nextPID, nil
}

func (f *fakeProcs) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeProcs) Signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	if f.ignore[sig] || (f.stubborn[pid] && sig != syscall.SIGKILL) {
		return nil
	}
	delete(f.alive, pid)
	if sig == syscall.SIGKILL {
		f.killed = append(f.killed, pid)
	}
	return nil
}

func (f *fakeProcs) Tree(pid int) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int{pid}, f.children[pid]...)
}

func newTestManager(t *testing.T) (*Manager, *jobstore.MemStore, *fakeProcs) {
	t.Helper()
	store := jobstore.NewMemStore()
	procs := newFakeProcs(store)
	n := 0
	m := &Manager{
		Store:    store,
		Launcher: procs,
		Defaults: Defaults{Model: "sonnet", TimeoutMin: 30, Mode: jobstore.ModeDetached},
		Auth:     func() preflight.Auth { return preflight.Auth{Source: "env:ANTHROPIC_API_KEY", Mode: preflight.ModeAPIKey} },
		Grace:    50 * time.Millisecond,
		Poll:     5 * time.Millisecond,
		Alive:    procs.Alive,
		Signal:   procs.Signal,
		Tree:     procs.Tree,
		NewRunID: func() string { n++; return fmt.Sprintf("run-%d", n) },
	}
	return m, store, procs
}

func TestStart_WritesRecordAndContract(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestManager(t)
	rec, err := m.Start(t.Context(), StartRequest{ID: "a", Worktree: t.TempDir(), Prompt: "do it"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if rec.PID == 0 || rec.RunID != "run-1" || rec.Retries != 0 {
		t.Errorf("record = pid %d run %q retries %d", rec.PID, rec.RunID, rec.Retries)
	}
	if rec.Model != "" {
		t.Errorf("record Model = %q, want empty (default not pinned)", rec.Model)
	}
	c, err := store.Contract("a")
	if err != nil || c == nil {
		t.Fatalf("Contract: %v, %v", c, err)
	}
	if c.Model != "sonnet" || c.TimeoutMin != 30 || c.AuthMode != preflight.ModeAPIKey || c.RunID != "run-1" {
		t.Errorf("contract = %+v", c)
	}
}

func TestStart_RefusesLiveJob(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	wt := t.TempDir()
	if _, err := m.Start(t.Context(), StartRequest{ID: "a", Worktree: wt}); err != nil {
		t.Fatal(err)
	}
	_, err := m.Start(t.Context(), StartRequest{ID: "a", Worktree: wt})
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start error = %v, want ErrAlreadyRunning", err)
	}
}

func TestStart_InvalidID(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	if _, err := m.Start(t.Context(), StartRequest{ID: "../x", Worktree: t.TempDir()}); err == nil {
		t.Error("Start accepted a path-like id")
	}
}

func TestStart_FreshLineageResetsRetries(t *testing.T) {
	t.Parallel()
	m, store, procs := newTestManager(t)
	wt := t.TempDir()
	rec, _ := m.Start(t.Context(), StartRequest{ID: "a", Worktree: wt})
	store.Update("a", func(r *jobstore.Record) error { r.Retries = 2; return nil })
	procs.Signal(rec.PID, syscall.SIGTERM)

	rec, err := m.Start(t.Context(), StartRequest{ID: "a", Worktree: wt})
	if err != nil {
		t.Fatalf("restart via Start: %v", err)
	}
	if rec.Retries != 0 {
		t.Errorf("Retries = %d, want 0", rec.Retries)
	}
	if rot, _ := store.Rotations("a"); len(rot) != 1 {
		t.Errorf("rotations = %v, want one", rot)
	}
}

func TestStop_GracefulWritesKilledOutcome(t *testing.T) {
	t.Parallel()
	m, _, procs := newTestManager(t)
	rec, _ := m.Start(t.Context(), StartRequest{ID: "a", Worktree: t.TempDir()})

	o, err := m.Stop(t.Context(), "a")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if procs.Alive(rec.PID) {
		t.Error("process still alive after Stop")
	}
	if o.State != jobstore.OutcomeKilled || o.ExitCode != 143 || o.RunID != rec.RunID {
		t.Errorf("outcome = %+v, want killed/143", o)
	}
	if len(procs.signals) != 1 || procs.signals[0] != syscall.SIGTERM {
		t.Errorf("signals = %v, want [SIGTERM]", procs.signals)
	}
}

func TestStop_EscalatesToSIGKILL(t *testing.T) {
	t.Parallel()
	m, _, procs := newTestManager(t)
	procs.ignore[syscall.SIGTERM] = true
	m.Start(t.Context(), StartRequest{ID: "a", Worktree: t.TempDir()})

	o, err := m.Stop(t.Context(), "a")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if o.ExitCode != 137 {
		t.Errorf("ExitCode = %d, want 137", o.ExitCode)
	}
	if len(procs.signals) != 2 || procs.signals[1] != syscall.SIGKILL {
		t.Errorf("signals = %v, want [SIGTERM SIGKILL]", procs.signals)
	}
}

func TestStop_KillsAgentOutsideWrapperGroup(t *testing.T) {
	t.Parallel()
	m, _, procs := newTestManager(t)
	rec, _ := m.Start(t.Context(), StartRequest{ID: "a", Worktree: t.TempDir(), Mode: jobstore.ModeTTY})
	agent := rec.PID + 500
	procs.mu.Lock()
	procs.alive[agent] = true
	procs.stubborn[agent] = true
	procs.children[rec.PID] = []int{agent}
	procs.mu.Unlock()

	o, err := m.Stop(t.Context(), "a")
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if procs.Alive(agent) {
		t.Fatal("agent in its own session survived Stop")
	}
	if o.ExitCode != 137 {
		t.Errorf("ExitCode = %d, want 137", o.ExitCode)
	}
	if len(procs.killed) != 1 || procs.killed[0] != agent {
		t.Errorf("SIGKILL reached %v, want only the agent %d", procs.killed, agent)
	}
}

func TestStop_KeepsExistingOutcome(t *testing.T) {
	t.Parallel()
	m, store, procs := newTestManager(t)
	rec, _ := m.Start(t.Context(), StartRequest{ID: "a", Worktree: t.TempDir()})
	procs.Signal(rec.PID, syscall.SIGTERM)
	store.PutOutcome("a", &jobstore.Outcome{RunID: rec.RunID, ExitCode: 0, State: jobstore.OutcomeSuccess})

	o, err := m.Stop(t.Context(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if o.State != jobstore.OutcomeSuccess {
		t.Errorf("State = %s, want success preserved", o.State)
	}
}

func TestRestart_IncrementsAndRotates(t *testing.T) {
	t.Parallel()
	m, store, _ := newTestManager(t)
	first, _ := m.Start(t.Context(), StartRequest{ID: "a", Worktree: t.TempDir()})

	rec, err := m.Restart(t.Context(), "a", RestartOptions{Integrity: true})
	if err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if rec.Retries != 1 || rec.RunID == first.RunID || rec.PID == first.PID {
		t.Errorf("restarted record = %+v", rec)
	}
	if rec.Mode != jobstore.ModeDetached {
		t.Errorf("Mode = %s, want detached (previous run had output)", rec.Mode)
	}
	log, ok := store.RotatedLog("a", 1)
	if !ok || string(log) != "run "+first.RunID+"\n" {
		t.Errorf("rotated log = %q, %v", log, ok)
	}
	o, ok := store.RotatedOutcome("a", 1)
	if !ok || o.State != jobstore.OutcomeKilled {
		t.Errorf("rotated outcome = %+v, %v", o, ok)
	}
}

func TestRestart_EmptyLogSwitchesToTTY(t *testing.T) {
	t.Parallel()
	m, _, procs := newTestManager(t)
	procs.silent = true
	m.Start(t.Context(), StartRequest{ID: "a", Worktree: t.TempDir()})

	rec, err := m.Restart(t.Context(), "a", RestartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Mode != jobstore.ModeTTY {
		t.Errorf("Mode = %s, want tty", rec.Mode)
	}
}

func TestRestart_ClearsBlock(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	m.Start(t.Context(), StartRequest{ID: "a", Worktree: t.TempDir()})
	m.Block("a", "max_retries")

	rec, err := m.Restart(t.Context(), "a", RestartOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if rec.Blocked || rec.BlockReason != "" {
		t.Errorf("block not cleared: %+v", rec)
	}
}

func TestRestart_ContractDriftAborts(t *testing.T) {
	t.Parallel()
	m, store, procs := newTestManager(t)
	first, _ := m.Start(t.Context(), StartRequest{ID: "a", Worktree: t.TempDir()})
	m.Auth = func() preflight.Auth { return preflight.Auth{Source: "file:/creds", Mode: preflight.ModeOAuth} }

	_, err := m.Restart(t.Context(), "a", RestartOptions{Integrity: true})
	var drift *DriftError
	if !errors.As(err, &drift) || !errors.Is(err, ErrContractDrift) {
		t.Fatalf("Restart error = %v, want DriftError", err)
	}
	fields := map[string]bool{}
	for _, mm := range drift.Mismatches {
		fields[mm.Field] = true
	}
	if !fields["auth_source"] || !fields["auth_mode"] {
		t.Errorf("mismatches = %+v", drift.Mismatches)
	}
	rec, _ := store.Get("a")
	if rec.RunID != first.RunID || rec.Retries != 0 || !procs.Alive(first.PID) {
		t.Error("drifted restart changed job state")
	}

	// Without integrity the restart proceeds.
	if _, err := m.Restart(t.Context(), "a", RestartOptions{}); err != nil {
		t.Errorf("Restart without integrity: %v", err)
	}
}

func TestSetOverride(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)
	m.Start(t.Context(), StartRequest{ID: "a", Worktree: t.TempDir()})
	m.Block("a", "no_auto_restart")

	off := true
	rec, err := m.SetOverride("a", Override{NoAutoRestart: &off})
	if err != nil {
		t.Fatal(err)
	}
	if !rec.NoAutoRestart || !rec.Blocked {
		t.Errorf("after flag only: %+v", rec)
	}
	rec, _ = m.SetOverride("a", Override{ClearBlocked: true})
	if rec.Blocked || !rec.NoAutoRestart {
		t.Errorf("after clear: %+v", rec)
	}
}

func TestVerifyContract(t *testing.T) {
	t.Parallel()
	old := &jobstore.Contract{AuthSource: "env:K", AuthMode: "api_key", Model: "m1", TimeoutMin: 10, Mode: jobstore.ModeDetached}
	same := *old
	if mm := VerifyContract(old, &same); len(mm) != 0 {
		t.Errorf("identical contracts mismatched: %+v", mm)
	}
	fresh := *old
	fresh.Model = "m2"
	fresh.BaseURL = "http://x" // unset before; not a mismatch
	mm := VerifyContract(old, &fresh)
	if len(mm) != 1 || mm[0].Field != "model" || mm[0].Old != "m1" || mm[0].New != "m2" {
		t.Errorf("mismatches = %+v", mm)
	}
	if VerifyContract(nil, &fresh) != nil {
		t.Error("nil old contract should not mismatch")
	}
}

func TestDurationMS(t *testing.T) {
	t.Parallel()
	cases := map[time.Duration]int64{0: 0, time.Nanosecond: 1, time.Millisecond: 1, 1500 * time.Microsecond: 2}
	for d, want := range cases {
		if got := durationMS(d); got != want {
			t.Errorf("durationMS(%v) = %d, want %d", d, got, want)
		}
	}
}
