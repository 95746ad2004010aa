package wave

import (
	"context"
	"errors"
	"time"

	"github.com/user/tend/internal/health"
	"github.com/user/tend/internal/jobstore"
)

// Phase is a task's progress as seen by the scheduler.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// PhaseOf maps a health result to a phase. A task with no record, or a
// record with no process, is pending. A stalled task still alive is running:
// the watchdog may yet restart it.
func PhaseOf(res health.Result, err error) Phase {
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return PhasePending
		}
		return PhaseFailed
	}
	switch res.State {
	case health.Missing:
		return PhasePending
	case health.ExitedOK:
		return PhaseCompleted
	case health.ExitedErr, health.Blocked:
		return PhaseFailed
	case health.Stalled:
		if !res.Alive {
			return PhaseFailed
		}
	}
	return PhaseRunning
}

// HealthSource classifies one job.
type HealthSource interface {
	Health(ctx context.Context, id string) (health.Result, error)
}

// TaskState is one task's line in a wave status.
type TaskState struct {
	ID     string       `json:"id"`
	Phase  Phase        `json:"phase"`
	State  health.State `json:"state,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// WaveState summarises one wave, re-derived from job health on every call.
type WaveState struct {
	Wave       int         `json:"wave"`
	Pending    int         `json:"pending"`
	Running    int         `json:"running"`
	Completed  int         `json:"completed"`
	Failed     int         `json:"failed"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Tasks      []TaskState `json:"tasks"`
}

// Done reports whether every task in the wave completed.
func (w WaveState) Done() bool { return w.Completed == len(w.Tasks) }

// Status derives the state of every wave in p.
func Status(ctx context.Context, p *Plan, jobs HealthSource) ([]WaveState, error) {
	out := make([]WaveState, len(p.Waves))
	for n, ids := range p.Waves {
		ws := WaveState{Wave: n, Tasks: make([]TaskState, 0, len(ids))}
		var started, finished time.Time
		terminal := 0
		for _, id := range ids {
			res, err := jobs.Health(ctx, id)
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			ph := PhaseOf(res, err)
			ts := TaskState{ID: id, Phase: ph, State: res.State, Reason: res.Reason}
			switch ph {
			case PhasePending:
				ws.Pending++
			case PhaseRunning:
				ws.Running++
			case PhaseCompleted:
				ws.Completed++
			case PhaseFailed:
				ws.Failed++
				if err != nil {
					ts.Reason = err.Error()
				}
			}
			if ph == PhaseCompleted || ph == PhaseFailed {
				terminal++
				if res.CompletedAt.After(finished) {
					finished = res.CompletedAt
				}
			}
			if !res.LaunchedAt.IsZero() && (started.IsZero() || res.LaunchedAt.Before(started)) {
				started = res.LaunchedAt
			}
			ws.Tasks = append(ws.Tasks, ts)
		}
		if !started.IsZero() {
			ws.StartedAt = &started
		}
		if terminal == len(ids) && !finished.IsZero() {
			ws.FinishedAt = &finished
		}
		out[n] = ws
	}
	return out, nil
}
