// Package watchdog classifies jobs and restarts or blocks the stalled ones.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/user/tend/internal/health"
	"github.com/user/tend/internal/job"
	"github.com/user/tend/internal/jobstore"
	"github.com/user/tend/internal/procstat"
	"github.com/user/tend/internal/telemetry"
)

// Action is what the watchdog does about one job.
type Action string

const (
	ActionNone    Action = "none"
	ActionObserve Action = "observe"
	ActionRestart Action = "restart"
	ActionBlock   Action = "block"
)

// Block reasons written to the job record.
const (
	BlockNoAutoRestart = "no_auto_restart"
	BlockMaxRetries    = "max_retries"
	BlockContractDrift = "contract_drift"
)

// Policy governs what happens to a stalled job.
type Policy struct {
	MaxRetries  int
	AutoRestart bool
	// ObserveOnly logs the intended action without acting.
	ObserveOnly bool
}

// Decision is the planned action and why.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Decide picks the action for a classified job. Only stalled jobs are acted
// on; a job already blocked stays put until an operator clears it.
func Decide(res health.Result, rec *jobstore.Record, p Policy) Decision {
	if res.State != health.Stalled || rec == nil {
		return Decision{Action: ActionNone}
	}
	if rec.Blocked {
		return Decision{Action: ActionNone, Reason: "already_blocked"}
	}
	var d Decision
	switch {
	case !p.AutoRestart || rec.NoAutoRestart:
		d = Decision{Action: ActionBlock, Reason: BlockNoAutoRestart}
	case rec.Retries < p.MaxRetries:
		d = Decision{Action: ActionRestart, Reason: fmt.Sprintf("retry %d/%d", rec.Retries+1, p.MaxRetries)}
	default:
		d = Decision{Action: ActionBlock, Reason: BlockMaxRetries}
	}
	if p.ObserveOnly {
		return Decision{Action: ActionObserve, Reason: string(d.Action) + ": " + d.Reason}
	}
	return d
}

// Jobs is the slice of the job manager the watchdog drives.
type Jobs interface {
	Restart(ctx context.Context, id string, opts job.RestartOptions) (*jobstore.Record, error)
	Block(id, reason string) (*jobstore.Record, error)
}

// Watchdog runs classification passes over a job store.
type Watchdog struct {
	Store  jobstore.Store
	Prober *health.Prober
	Jobs   Jobs
	Policy Policy
	// Integrity aborts restarts whose contract drifted.
	Integrity   bool
	Concurrency int
	Telemetry   *telemetry.Provider
}

// Report is the outcome of one job in a pass.
type Report struct {
	JobID    string       `json:"job_id"`
	State    health.State `json:"state"`
	Reason   string       `json:"reason"`
	Retries  int          `json:"retries"`
	Decision Decision     `json:"decision"`
	Error    string       `json:"error,omitempty"`
}

// RunOnce classifies the named jobs, or every stored job when ids is empty,
// against a single process snapshot and acts on the stalled ones. A failure
// on one job never stops the others; all failures are joined into the
// returned error.
func (w *Watchdog) RunOnce(ctx context.Context, ids ...string) ([]Report, error) {
	start := time.Now()
	ctx, span := w.Telemetry.Start(ctx, "watchdog.pass")
	defer span.End()

	if len(ids) == 0 {
		var err error
		if ids, err = w.Store.List(); err != nil {
			return nil, err
		}
	}
	snap, err := w.Prober.TakeSnapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("process snapshot: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs", len(ids)))

	reports := make([]Report, len(ids))
	skipped := make([]bool, len(ids))
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	limit := w.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			rep, err := w.check(gctx, id, snap)
			if errors.Is(err, jobstore.ErrNotFound) {
				skipped[i] = true
				return nil
			}
			if err != nil {
				rep.JobID = id
				rep.Error = err.Error()
				mu.Lock()
				errs = append(errs, fmt.Errorf("job %s: %w", id, err))
				mu.Unlock()
			}
			reports[i] = rep
			return nil
		})
	}
	g.Wait() //nolint:errcheck // workers never return errors

	out := reports[:0]
	for i, r := range reports {
		if !skipped[i] {
			out = append(out, r)
		}
	}
	w.Telemetry.M().RecordPass(ctx, time.Since(start).Seconds())
	return out, errors.Join(errs...)
}

func (w *Watchdog) check(ctx context.Context, id string, snap *procstat.Snapshot) (Report, error) {
	res, err := w.Prober.CheckWith(ctx, id, snap)
	if err != nil {
		return Report{}, err
	}
	w.Telemetry.M().RecordClassification(ctx, string(res.State))
	rec, err := w.Store.Get(id)
	if err != nil {
		return Report{}, err
	}
	rep := Report{JobID: id, State: res.State, Reason: res.Reason, Retries: rec.Retries}
	rep.Decision = Decide(res, rec, w.Policy)

	log := slog.With(slog.String("job_id", id), slog.String("state", string(res.State)), slog.String("reason", res.Reason))
	switch rep.Decision.Action {
	case ActionNone:
		log.Debug("job checked")
	case ActionObserve:
		log.Info("stalled job (observe only)", slog.String("would", rep.Decision.Reason))
	case ActionRestart:
		log.Warn("restarting stalled job", slog.Int("retries", rec.Retries))
		_, err := w.Jobs.Restart(ctx, id, job.RestartOptions{Integrity: w.Integrity})
		if errors.Is(err, job.ErrContractDrift) {
			log.Error("restart aborted; contract drifted", slog.Any("error", err))
			rep.Decision = Decision{Action: ActionBlock, Reason: BlockContractDrift}
			return rep, w.block(ctx, id, BlockContractDrift)
		}
		if err != nil {
			return rep, fmt.Errorf("restart: %w", err)
		}
		w.Telemetry.M().RecordRestart(ctx, id)
	case ActionBlock:
		log.Warn("blocking stalled job", slog.String("block_reason", rep.Decision.Reason))
		return rep, w.block(ctx, id, rep.Decision.Reason)
	}
	return rep, nil
}

func (w *Watchdog) block(ctx context.Context, id, reason string) error {
	if _, err := w.Jobs.Block(id, reason); err != nil {
		return fmt.Errorf("block: %w", err)
	}
	w.Telemetry.M().RecordBlock(ctx, reason)
	return nil
}
