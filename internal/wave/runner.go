package wave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/user/tend/internal/health"
	"github.com/user/tend/internal/job"
	"github.com/user/tend/internal/jobstore"
	"github.com/user/tend/internal/telemetry"
)

// ErrWaveFailed is returned when a wave ends with a failed task. Later
// waves are not started.
var ErrWaveFailed = errors.New("wave failed")

// ErrEarlierWaveIncomplete is returned by Run when asked to start past a
// wave whose tasks have not all completed.
var ErrEarlierWaveIncomplete = errors.New("earlier wave not complete")

// Jobs is the part of the job manager the runner drives.
type Jobs interface {
	Start(ctx context.Context, req job.StartRequest) (*jobstore.Record, error)
	Stop(ctx context.Context, id string) (*jobstore.Outcome, error)
	Health(ctx context.Context, id string) (health.Result, error)
	ActiveCount(ctx context.Context) (int, error)
}

// RequestFunc turns a task into a start request.
type RequestFunc func(Task) job.StartRequest

// Requests builds start requests with repo references resolved by repoPath.
// A task with a repo but no worktree gets a worktree under worktreeRoot on
// branch tend/<id>; relative worktrees are taken from root.
func Requests(root, worktreeRoot string, repoPath func(string) string) RequestFunc {
	return func(t Task) job.StartRequest {
		req := job.StartRequest{
			ID:     t.ID,
			Prompt: t.Prompt,
			Branch: t.Branch,
			Base:   t.Base,
			Model:  t.Model,
		}
		if t.Repo != "" {
			req.Repo = repoPath(t.Repo)
		}
		switch {
		case t.Worktree == "" && req.Repo != "":
			req.Worktree = filepath.Join(worktreeRoot, t.ID)
			if req.Branch == "" {
				req.Branch = "tend/" + t.ID
			}
		case filepath.IsAbs(t.Worktree):
			req.Worktree = t.Worktree
		case t.Worktree != "":
			req.Worktree = filepath.Join(root, t.Worktree)
		}
		return req
	}
}

// Runner executes a plan wave by wave.
type Runner struct {
	Jobs    Jobs
	Plan    *Plan
	Request RequestFunc
	// MaxWorkers caps live jobs across the store while launching.
	MaxWorkers int
	Poll       time.Duration
	Telemetry  *telemetry.Provider
}

func (r *Runner) poll() time.Duration {
	if r.Poll > 0 {
		return r.Poll
	}
	return 10 * time.Second
}

func (r *Runner) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.poll()):
		return nil
	}
}

// Run executes waves from..last in order, halting at the first wave with a
// failed task. Every wave before from must already be complete.
func (r *Runner) Run(ctx context.Context, from int) error {
	if from < 0 || (from > 0 && from >= len(r.Plan.Waves)) {
		return fmt.Errorf("plan has %d waves; cannot start at %d", len(r.Plan.Waves), from)
	}
	if from > 0 {
		states, err := Status(ctx, r.Plan, r.Jobs)
		if err != nil {
			return err
		}
		for _, ws := range states[:from] {
			if !ws.Done() {
				return fmt.Errorf("wave %d: %w (%d of %d tasks completed)",
					ws.Wave, ErrEarlierWaveIncomplete, ws.Completed, len(ws.Tasks))
			}
		}
	}
	ctx, span := r.Telemetry.Start(ctx, "wave.run", attribute.Int("waves", len(r.Plan.Waves)), attribute.Int("from", from))
	defer span.End()
	for n := from; n < len(r.Plan.Waves); n++ {
		if err := r.RunWave(ctx, n); err != nil {
			return err
		}
	}
	slog.Info("all waves completed", slog.Int("waves", len(r.Plan.Waves)))
	return nil
}

// RunWave launches the tasks of wave n within the worker limit and waits
// for every one of them to finish. Tasks already completed are skipped and
// tasks already running are waited on, so an interrupted run can resume.
func (r *Runner) RunWave(ctx context.Context, n int) error {
	tasks := r.Plan.Tasks(n)
	ctx, span := r.Telemetry.Start(ctx, "wave.wave", attribute.Int("wave", n), attribute.Int("tasks", len(tasks)))
	defer span.End()
	slog.Info("wave starting", slog.Int("wave", n), slog.Int("tasks", len(tasks)))

	var watch []string
	for _, t := range tasks {
		res, err := r.Jobs.Health(ctx, t.ID)
		if PhaseOf(res, err) == PhaseCompleted {
			slog.Info("task already completed", slog.String("job_id", t.ID), slog.Int("wave", n))
			continue
		}
		if err == nil && res.Alive {
			slog.Info("task already running", slog.String("job_id", t.ID), slog.Int("wave", n))
			watch = append(watch, t.ID)
			continue
		}
		if err := r.waitForSlot(ctx); err != nil {
			return err
		}
		if _, err := r.Jobs.Start(ctx, r.Request(t)); err != nil {
			return fmt.Errorf("wave %d: start %s: %w", n, t.ID, err)
		}
		r.Telemetry.M().RecordWaveLaunch(ctx, n)
		watch = append(watch, t.ID)
	}

	failed, err := r.await(ctx, watch)
	if err != nil {
		return err
	}
	if len(failed) > 0 {
		for range failed {
			r.Telemetry.M().RecordWaveFailure(ctx, n)
		}
		slog.Error("wave failed; halting", slog.Int("wave", n), slog.String("failed", strings.Join(failed, ",")))
		return fmt.Errorf("wave %d: %w: %s", n, ErrWaveFailed, strings.Join(failed, ", "))
	}
	slog.Info("wave completed", slog.Int("wave", n))
	return nil
}

func (r *Runner) waitForSlot(ctx context.Context) error {
	if r.MaxWorkers <= 0 {
		return nil
	}
	for {
		active, err := r.Jobs.ActiveCount(ctx)
		if err != nil {
			return err
		}
		if active < r.MaxWorkers {
			return nil
		}
		slog.Debug("worker limit reached; waiting", slog.Int("active", active), slog.Int("max", r.MaxWorkers))
		if err := r.sleep(ctx); err != nil {
			return err
		}
	}
}

// await polls until every id is terminal and returns the failed ones.
func (r *Runner) await(ctx context.Context, ids []string) ([]string, error) {
	pending := append([]string{}, ids...)
	var failed []string
	for len(pending) > 0 {
		var still []string
		for _, id := range pending {
			res, err := r.Jobs.Health(ctx, id)
			switch PhaseOf(res, err) {
			case PhaseCompleted:
				slog.Info("task completed", slog.String("job_id", id))
			case PhaseFailed, PhasePending:
				slog.Warn("task failed", slog.String("job_id", id), slog.String("state", string(res.State)), slog.String("reason", res.Reason))
				failed = append(failed, id)
			default:
				still = append(still, id)
			}
		}
		pending = still
		if len(pending) == 0 {
			break
		}
		if err := r.sleep(ctx); err != nil {
			return nil, err
		}
	}
	return failed, nil
}

// Rerun stops any live process for a task and starts it fresh. The previous
// log and outcome are archived by the start. Dependents are not touched.
func (r *Runner) Rerun(ctx context.Context, id string) (*jobstore.Record, error) {
	t, ok := r.Plan.Manifest.Task(id)
	if !ok {
		return nil, fmt.Errorf("task %q is not in the plan", id)
	}
	if _, err := r.Jobs.Stop(ctx, id); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
		return nil, fmt.Errorf("stop %s: %w", id, err)
	}
	rec, err := r.Jobs.Start(ctx, r.Request(t))
	if err != nil {
		return nil, err
	}
	r.Telemetry.M().RecordWaveLaunch(ctx, r.Plan.Index[id])
	slog.Info("task rerun", slog.String("job_id", id), slog.Int("wave", r.Plan.Index[id]))
	return rec, nil
}
