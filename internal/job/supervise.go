package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/user/tend/internal/jobstore"
	"github.com/user/tend/internal/launcher"
)

// Supervise runs the delegate for one launch in the foreground, streaming its
// output to out, and records the outcome when it exits. It is the body of the
// detached wrapper process.
func (m *Manager) Supervise(ctx context.Context, id string, out io.Writer) (*jobstore.Outcome, error) {
	rec, err := m.Store.Get(id)
	if err != nil {
		return nil, err
	}
	c, err := m.Store.Contract(id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		c = m.ContractFor(rec)
	}
	spec := launcher.Spec{
		JobID:    rec.ID,
		RunID:    rec.RunID,
		Worktree: rec.Worktree,
		Prompt:   rec.Prompt,
		Model:    c.Model,
		BaseURL:  c.BaseURL,
		Mode:     rec.Mode,
	}
	if c.TimeoutMin > 0 {
		spec.Timeout = time.Duration(c.TimeoutMin) * time.Minute
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd, err := launcher.Command(ctx, m.Command, spec, out, m.grace())
	if err != nil {
		return nil, err
	}
	start := m.now()
	runErr := cmd.Run()
	end := m.now()

	o := &jobstore.Outcome{
		RunID:       rec.RunID,
		ExitCode:    exitCode(cmd),
		CompletedAt: end,
		DurationMS:  durationMS(end.Sub(start)),
		Retries:     rec.Retries,
	}
	switch {
	case ctx.Err() != nil:
		o.State = jobstore.OutcomeKilled
	case o.ExitCode == 0:
		o.State = jobstore.OutcomeSuccess
	default:
		o.State = jobstore.OutcomeFailed
	}
	if runErr != nil && o.ExitCode == 127 {
		slog.Warn("delegate did not start", slog.String("job_id", id), slog.Any("error", runErr))
	}

	// A restart may have replaced this run while it was shutting down.
	cur, err := m.Store.Get(id)
	if err != nil {
		return o, err
	}
	if cur.RunID != rec.RunID {
		return o, nil
	}
	if err := m.Store.PutOutcome(id, o); err != nil {
		return o, fmt.Errorf("write outcome: %w", err)
	}
	return o, nil
}

// exitCode maps a finished command to a shell-style status: 128+N for a
// signal, 127 when the process never ran.
func exitCode(cmd *exec.Cmd) int {
	ps := cmd.ProcessState
	if ps == nil {
		return 127
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := ps.ExitCode(); code >= 0 {
		return code
	}
	return 1
}
