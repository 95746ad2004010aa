package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/tend/internal/jobstore"
	"github.com/user/tend/internal/procstat"
)

// MutationCounter counts changed paths in a worktree since a reference time.
type MutationCounter interface {
	Count(ctx context.Context, worktree string, since time.Time) (int, error)
}

// Prober gathers classifier inputs for stored jobs.
type Prober struct {
	Store      jobstore.Store
	Mutations  MutationCounter
	StallAfter time.Duration
	Now        func() time.Time
	// Snapshot reads the process table; nil means procstat.Take.
	Snapshot func(context.Context) (*procstat.Snapshot, error)
}

func (p *Prober) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// TakeSnapshot reads the process table once.
func (p *Prober) TakeSnapshot(ctx context.Context) (*procstat.Snapshot, error) {
	if p.Snapshot != nil {
		return p.Snapshot(ctx)
	}
	return procstat.Take(ctx)
}

// Gather collects the inputs for one job. The worktree is only measured when
// the process is alive with an empty log, the one case where it matters;
// each measurement is persisted as the job's mutation marker.
func (p *Prober) Gather(ctx context.Context, id string, snap *procstat.Snapshot) (Inputs, error) {
	rec, err := p.Store.Get(id)
	if err != nil {
		return Inputs{}, err
	}
	in := Inputs{Record: rec, Now: p.now(), StallAfter: p.StallAfter}

	if rec.PID > 0 && snap != nil {
		in.Process = Process{Alive: snap.Alive(rec.PID), CPU: snap.CPU(rec.PID)}
	}
	if in.Log, err = p.Store.LogStats(id); err != nil {
		return Inputs{}, fmt.Errorf("log stats for %s: %w", id, err)
	}
	if in.Outcome, err = p.Store.Outcome(id); err != nil {
		return Inputs{}, err
	}

	if in.Process.Alive && in.Log.Size == 0 && p.Mutations != nil && rec.Worktree != "" {
		n, err := p.measure(ctx, rec)
		if err != nil {
			slog.Warn("mutation check failed", slog.String("job_id", id), slog.Any("error", err))
		}
		in.Mutations = n
	}
	return in, nil
}

func (p *Prober) measure(ctx context.Context, rec *jobstore.Record) (int, error) {
	since, err := p.Store.MetaModTime(rec.ID)
	if err != nil {
		return 0, err
	}
	n, err := p.Mutations.Count(ctx, rec.Worktree, since)
	if err != nil {
		return 0, err
	}
	if err := p.Store.PutMarker(rec.ID, &jobstore.Marker{Count: n, MeasuredAt: p.now()}); err != nil {
		return n, fmt.Errorf("write mutation marker: %w", err)
	}
	return n, nil
}

// Check classifies one job against its own process table snapshot.
func (p *Prober) Check(ctx context.Context, id string) (Result, error) {
	snap, err := p.TakeSnapshot(ctx)
	if err != nil {
		return Result{}, err
	}
	return p.CheckWith(ctx, id, snap)
}

// CheckWith classifies one job against a shared snapshot and records the
// observed CPU time for the next comparison.
func (p *Prober) CheckWith(ctx context.Context, id string, snap *procstat.Snapshot) (Result, error) {
	in, err := p.Gather(ctx, id, snap)
	if err != nil {
		return Result{}, err
	}
	res := Classify(in)
	if err := p.Observe(in.Record, res); err != nil {
		slog.Warn("could not persist cpu observation", slog.String("job_id", id), slog.Any("error", err))
	}
	return res, nil
}

// Observe persists the CPU time seen for a live job.
func (p *Prober) Observe(rec *jobstore.Record, res Result) error {
	if !res.Alive || res.CPUSeconds == rec.LastCPU {
		return nil
	}
	runID := rec.RunID
	_, err := p.Store.Update(rec.ID, func(r *jobstore.Record) error {
		if r.RunID == runID {
			r.LastCPU = res.CPUSeconds
		}
		return nil
	})
	return err
}
