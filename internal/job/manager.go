// Package job starts, stops, restarts and supervises delegate jobs.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/user/tend/internal/gitutil"
	"github.com/user/tend/internal/health"
	"github.com/user/tend/internal/jobstore"
	"github.com/user/tend/internal/preflight"
	"github.com/user/tend/internal/procstat"
)

// ErrAlreadyRunning is returned by Start for a job whose process is alive.
var ErrAlreadyRunning = errors.New("job already running")

// Launcher starts the process for a stored record and returns its pid.
type Launcher interface {
	Launch(ctx context.Context, rec *jobstore.Record) (int, error)
}

// Defaults fill contract fields a start request leaves empty.
type Defaults struct {
	Model      string
	BaseURL    string
	TimeoutMin int
	Mode       jobstore.Mode
}

// Manager owns job lifecycle operations over a Store.
type Manager struct {
	Store    jobstore.Store
	Launcher Launcher
	Prober   *health.Prober
	Defaults Defaults
	// Command is the launcher argv template used by Supervise.
	Command []string
	// Auth resolves the current credential source; nil means none.
	Auth  func() preflight.Auth
	Grace time.Duration

	Now      func() time.Time
	Alive    func(pid int) bool
	Signal   func(pid int, sig syscall.Signal) error
	// Tree lists pid and its live descendants; nil reads the process table.
	Tree     func(pid int) []int
	NewRunID func() string
	// Poll is the interval for waiting on a process to exit.
	Poll time.Duration
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) alive(pid int) bool {
	if m.Alive != nil {
		return m.Alive(pid)
	}
	return procstat.IsAlive(pid)
}

func (m *Manager) signal(pid int, sig syscall.Signal) error {
	if m.Signal != nil {
		return m.Signal(pid, sig)
	}
	return procstat.SignalGroup(pid, sig)
}

func (m *Manager) tree(ctx context.Context, pid int) []int {
	if m.Tree != nil {
		return m.Tree(pid)
	}
	return procstat.Tree(ctx, pid)
}

func (m *Manager) runID() string {
	if m.NewRunID != nil {
		return m.NewRunID()
	}
	return uuid.NewString()
}

func (m *Manager) grace() time.Duration {
	if m.Grace > 0 {
		return m.Grace
	}
	return 5 * time.Second
}

func (m *Manager) poll() time.Duration {
	if m.Poll > 0 {
		return m.Poll
	}
	return 100 * time.Millisecond
}

func (m *Manager) auth() preflight.Auth {
	if m.Auth != nil {
		return m.Auth()
	}
	return preflight.Auth{Source: "none", Mode: preflight.ModeNone}
}

// StartRequest describes a new job. Model, BaseURL, TimeoutMin and Mode are
// explicit choices; left empty they follow the Manager defaults at every
// launch.
type StartRequest struct {
	ID            string
	Repo          string
	Worktree      string
	Prompt        string
	Branch        string
	Base          string
	Model         string
	BaseURL       string
	TimeoutMin    int
	Mode          jobstore.Mode
	NoAutoRestart bool
}

// Start launches a fresh lineage for req.ID: earlier artifacts are rotated
// out and the retry counter starts at zero.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*jobstore.Record, error) {
	if err := jobstore.ValidateID(req.ID); err != nil {
		return nil, err
	}
	if req.Worktree == "" {
		return nil, fmt.Errorf("job %s: worktree is required", req.ID)
	}
	prev, err := m.Store.Get(req.ID)
	switch {
	case err == nil:
		if prev.PID > 0 && m.alive(prev.PID) {
			return nil, fmt.Errorf("job %s (pid %d): %w", req.ID, prev.PID, ErrAlreadyRunning)
		}
	case errors.Is(err, jobstore.ErrNotFound):
		prev = nil
	default:
		return nil, err
	}

	if err := prepareWorktree(req); err != nil {
		return nil, err
	}

	if prev != nil {
		if n, err := m.Store.Rotate(req.ID); err != nil {
			return nil, err
		} else if n > 0 {
			slog.Info("archived previous run", slog.String("job_id", req.ID), slog.Int("suffix", n))
		}
	}

	mode := req.Mode
	if mode == "" {
		mode = m.Defaults.Mode
	}
	if mode == "" {
		mode = jobstore.ModeDetached
	}
	rec := &jobstore.Record{
		ID:            req.ID,
		Mode:          mode,
		Repo:          req.Repo,
		Worktree:      req.Worktree,
		Prompt:        req.Prompt,
		Branch:        req.Branch,
		NoAutoRestart: req.NoAutoRestart,
		Model:         req.Model,
		BaseURL:       req.BaseURL,
		TimeoutMin:    req.TimeoutMin,
		RunID:         m.runID(),
	}
	return m.launch(ctx, rec)
}

func prepareWorktree(req StartRequest) error {
	if _, err := os.Stat(req.Worktree); err == nil {
		return nil
	}
	if req.Repo != "" && req.Branch != "" {
		base := req.Base
		if base == "" {
			base = gitutil.DefaultBranch(req.Repo)
		}
		if err := gitutil.WorktreeAdd(req.Repo, req.Worktree, req.Branch, base); err != nil {
			return fmt.Errorf("creating worktree: %w", err)
		}
		return nil
	}
	return os.MkdirAll(req.Worktree, 0o755)
}

// ContractFor resolves the contract a launch of rec would run under now.
func (m *Manager) ContractFor(rec *jobstore.Record) *jobstore.Contract {
	auth := m.auth()
	c := &jobstore.Contract{
		AuthSource: auth.Source,
		AuthMode:   auth.Mode,
		Model:      rec.Model,
		BaseURL:    rec.BaseURL,
		TimeoutMin: rec.TimeoutMin,
		Mode:       rec.Mode,
		RunID:      rec.RunID,
		WrittenAt:  m.now(),
	}
	if c.Model == "" {
		c.Model = m.Defaults.Model
	}
	if c.BaseURL == "" {
		c.BaseURL = m.Defaults.BaseURL
	}
	if c.TimeoutMin == 0 {
		c.TimeoutMin = m.Defaults.TimeoutMin
	}
	return c
}

// launch persists rec and its contract, then starts the process. The record
// is written before the launcher runs so the wrapper can read it.
func (m *Manager) launch(ctx context.Context, rec *jobstore.Record) (*jobstore.Record, error) {
	c := m.ContractFor(rec)
	rec.AuthSource, rec.AuthMode = c.AuthSource, c.AuthMode
	rec.PID = 0
	rec.LastCPU = 0
	rec.LaunchedAt = m.now()
	if err := m.Store.Put(rec); err != nil {
		return nil, err
	}
	if err := m.Store.PutContract(rec.ID, c); err != nil {
		return nil, fmt.Errorf("write contract: %w", err)
	}

	pid, err := m.Launcher.Launch(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", rec.ID, err)
	}
	runID := rec.RunID
	updated, err := m.Store.Update(rec.ID, func(r *jobstore.Record) error {
		if r.RunID != runID {
			return fmt.Errorf("job %s was relaunched concurrently", r.ID)
		}
		r.PID = pid
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("job launched",
		slog.String("job_id", rec.ID),
		slog.Int("pid", pid),
		slog.String("mode", string(rec.Mode)),
		slog.Int("retries", rec.Retries))
	return updated, nil
}

// Stop terminates the job's process tree: SIGTERM, a grace period, then
// SIGKILL. A killed outcome is recorded when the run has none, including
// when the process had already vanished.
func (m *Manager) Stop(ctx context.Context, id string) (*jobstore.Outcome, error) {
	rec, err := m.Store.Get(id)
	if err != nil {
		return nil, err
	}
	exitCode := 128 + int(syscall.SIGTERM)
	if rec.PID > 0 && m.alive(rec.PID) {
		// The tree is listed up front: once the wrapper exits, an agent in
		// its own session is reparented and no longer found below it.
		pids := m.tree(ctx, rec.PID)
		m.signalAll(id, pids, syscall.SIGTERM)
		if !m.waitExit(ctx, pids, m.grace()) {
			slog.Warn("process ignored SIGTERM; killing", slog.String("job_id", id), slog.Int("pid", rec.PID))
			exitCode = 128 + int(syscall.SIGKILL)
			m.signalAll(id, m.living(pids), syscall.SIGKILL)
			if !m.waitExit(ctx, pids, 2*time.Second) {
				return nil, fmt.Errorf("job %s: pids %v survived SIGKILL", id, m.living(pids))
			}
		}
	}

	o, err := m.Store.Outcome(id)
	if err != nil {
		return nil, err
	}
	if o != nil && (o.RunID == rec.RunID || rec.RunID == "") {
		return o, nil
	}
	now := m.now()
	o = &jobstore.Outcome{
		RunID:       rec.RunID,
		ExitCode:    exitCode,
		State:       jobstore.OutcomeKilled,
		CompletedAt: now,
		DurationMS:  durationMS(now.Sub(rec.LaunchedAt)),
		Retries:     rec.Retries,
	}
	if err := m.Store.PutOutcome(id, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (m *Manager) signalAll(id string, pids []int, sig syscall.Signal) {
	for _, pid := range pids {
		if err := m.signal(pid, sig); err != nil && m.alive(pid) {
			slog.Warn("signal failed", slog.String("job_id", id), slog.Int("pid", pid),
				slog.String("signal", sig.String()), slog.Any("error", err))
		}
	}
}

func (m *Manager) living(pids []int) []int {
	var out []int
	for _, pid := range pids {
		if m.alive(pid) {
			out = append(out, pid)
		}
	}
	return out
}

// waitExit waits up to limit for every pid to exit.
func (m *Manager) waitExit(ctx context.Context, pids []int, limit time.Duration) bool {
	deadline := time.Now().Add(limit)
	for len(m.living(pids)) > 0 {
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return len(m.living(pids)) == 0
		case <-time.After(m.poll()):
		}
	}
	return true
}

// RestartOptions controls Restart.
type RestartOptions struct {
	// Integrity aborts the restart on any contract mismatch.
	Integrity bool
}

// Restart relaunches a job in the same lineage: retries+1, previous log and
// outcome rotated, and capture mode upgraded to tty when the previous run
// printed nothing at all.
func (m *Manager) Restart(ctx context.Context, id string, opts RestartOptions) (*jobstore.Record, error) {
	rec, err := m.Store.Get(id)
	if err != nil {
		return nil, err
	}
	old, err := m.Store.Contract(id)
	if err != nil {
		return nil, err
	}
	if opts.Integrity {
		if mm := VerifyContract(old, m.ContractFor(rec)); len(mm) > 0 {
			return nil, &DriftError{JobID: id, Mismatches: mm}
		}
	}

	if _, err := m.Stop(ctx, id); err != nil {
		return nil, fmt.Errorf("stop before restart: %w", err)
	}
	stats, err := m.Store.LogStats(id)
	if err != nil {
		return nil, err
	}
	emptyLog := stats.Exists && stats.Size == 0
	if _, err := m.Store.Rotate(id); err != nil {
		return nil, err
	}

	next, err := m.Store.Update(id, func(r *jobstore.Record) error {
		r.Retries++
		r.Blocked = false
		r.BlockReason = ""
		r.RunID = m.runID()
		if emptyLog && r.Mode != jobstore.ModeTTY {
			slog.Info("previous run printed nothing; switching to tty capture", slog.String("job_id", id))
			r.Mode = jobstore.ModeTTY
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m.launch(ctx, next)
}

// Override is an operator change to a job's policy flags.
type Override struct {
	NoAutoRestart *bool
	ClearBlocked  bool
}

// SetOverride applies o. Clearing the block is the only way out of blocked.
func (m *Manager) SetOverride(id string, o Override) (*jobstore.Record, error) {
	return m.Store.Update(id, func(r *jobstore.Record) error {
		if o.NoAutoRestart != nil {
			r.NoAutoRestart = *o.NoAutoRestart
		}
		if o.ClearBlocked {
			r.Blocked = false
			r.BlockReason = ""
		}
		return nil
	})
}

// Block marks a job blocked with a reason.
func (m *Manager) Block(id, reason string) (*jobstore.Record, error) {
	return m.Store.Update(id, func(r *jobstore.Record) error {
		r.Blocked = true
		r.BlockReason = reason
		return nil
	})
}

// Health classifies one job.
func (m *Manager) Health(ctx context.Context, id string) (health.Result, error) {
	return m.Prober.Check(ctx, id)
}

// ActiveCount is the number of stored jobs with a live process.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	ids, err := m.Store.List()
	if err != nil {
		return 0, err
	}
	snap, err := m.Prober.TakeSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		rec, err := m.Store.Get(id)
		if err != nil {
			continue
		}
		if snap.Alive(rec.PID) {
			n++
		}
	}
	return n, nil
}

// durationMS rounds up so any run that happened reports at least 1ms.
func durationMS(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}
