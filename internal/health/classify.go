// Package health classifies a job's state from recorded and measured
// signals. Classify is pure; Prober gathers its inputs.
package health

import (
	"time"

	"github.com/user/tend/internal/jobstore"
)

// State is a job's health classification.
type State string

const (
	Missing            State = "missing"
	Launching          State = "launching"
	WaitingFirstOutput State = "waiting_first_output"
	SilentMutation     State = "silent_mutation"
	Healthy            State = "healthy"
	Stalled            State = "stalled"
	ExitedOK           State = "exited_ok"
	ExitedErr          State = "exited_err"
	Blocked            State = "blocked"
)

// Reason codes attached to every classification.
const (
	ReasonNoProcessHandle       = "no_process_handle"
	ReasonOutcomeExitZero       = "outcome_exit_zero"
	ReasonOutcomeExitNonzero    = "outcome_exit_nonzero"
	ReasonLaunchFailedNoOutput  = "launch_failed_no_output"
	ReasonGoneWithoutOutcome    = "process_gone_without_outcome"
	ReasonBlockedFlag           = "blocked_flag"
	ReasonWorktreeChanged       = "worktree_changed_no_output"
	ReasonCPUActiveNoOutput     = "cpu_active_no_output"
	ReasonCPUActivePastStall    = "cpu_active_no_output_past_threshold"
	ReasonWithinLaunchWindow    = "within_launch_window"
	ReasonNoOutputNoCPU         = "no_output_no_cpu_past_threshold"
	ReasonCPUProgress           = "cpu_progress"
	ReasonStaleLogNoCPUProgress = "stale_log_and_no_cpu_progress"
	ReasonRecentLogOutput       = "recent_log_output"
)

// ExitCode maps a state to the CLI exit code of status/check/health.
func (s State) ExitCode() int {
	switch s {
	case Missing:
		return 1
	case Stalled:
		return 2
	case ExitedErr, Blocked:
		return 3
	default:
		return 0
	}
}

// Terminal reports whether the process is known to be finished.
func (s State) Terminal() bool { return s == ExitedOK || s == ExitedErr }

// Process is what the process table says about a job's pid.
type Process struct {
	Alive bool
	CPU   time.Duration
}

// Inputs is everything Classify looks at.
type Inputs struct {
	Record     *jobstore.Record
	Process    Process
	Log        jobstore.LogStats
	Outcome    *jobstore.Outcome
	Mutations  int
	Now        time.Time
	StallAfter time.Duration
}

// Result is a classification plus the measurements that led to it.
type Result struct {
	JobID      string        `json:"job_id"`
	State      State         `json:"state"`
	Reason     string        `json:"reason"`
	PID        int           `json:"pid"`
	Alive      bool          `json:"alive"`
	CPU        time.Duration `json:"-"`
	CPUSeconds float64       `json:"cpu_seconds"`
	LogBytes   int64         `json:"log_bytes"`
	LogAge     time.Duration `json:"-"`
	ProcessAge time.Duration `json:"-"`
	Mutations  int           `json:"mutations"`
	Retries    int           `json:"retries"`

	LaunchedAt  time.Time         `json:"launched_at,omitzero"`
	CompletedAt time.Time         `json:"completed_at,omitzero"`
	Outcome     *jobstore.Outcome `json:"outcome,omitempty"`
}

// Classify derives a job's state. It never touches the filesystem or the
// process table; identical inputs always give identical results.
func Classify(in Inputs) Result {
	res := Result{
		Alive:     in.Process.Alive,
		CPU:       in.Process.CPU,
		Mutations: in.Mutations,
		LogBytes:  in.Log.Size,
	}
	res.CPUSeconds = res.CPU.Seconds()

	rec := in.Record
	if rec == nil {
		res.State, res.Reason = Missing, ReasonNoProcessHandle
		return res
	}
	res.JobID = rec.ID
	res.PID = rec.PID
	res.Retries = rec.Retries
	res.LaunchedAt = rec.LaunchedAt
	if !rec.LaunchedAt.IsZero() {
		res.ProcessAge = nonNegative(in.Now.Sub(rec.LaunchedAt))
	}
	if in.Log.Exists {
		res.LogAge = nonNegative(in.Now.Sub(in.Log.ModTime))
	}

	outcome := in.Outcome
	if outcome != nil && outcome.RunID != "" && rec.RunID != "" && outcome.RunID != rec.RunID {
		outcome = nil
	}
	if outcome != nil {
		res.Outcome = outcome
		res.CompletedAt = outcome.CompletedAt
	}

	switch {
	case rec.PID <= 0:
		res.State, res.Reason = Missing, ReasonNoProcessHandle

	case !in.Process.Alive:
		switch {
		case outcome != nil && outcome.ExitCode == 0:
			res.State, res.Reason = ExitedOK, ReasonOutcomeExitZero
		case outcome != nil:
			res.State, res.Reason = ExitedErr, ReasonOutcomeExitNonzero
		case in.Log.Size == 0:
			res.State, res.Reason = Stalled, ReasonLaunchFailedNoOutput
		default:
			res.State, res.Reason = ExitedErr, ReasonGoneWithoutOutcome
		}

	case rec.Blocked:
		res.State, res.Reason = Blocked, ReasonBlockedFlag

	case in.Log.Size == 0:
		pastStall := res.ProcessAge >= in.StallAfter
		switch {
		case in.Mutations > 0:
			res.State, res.Reason = SilentMutation, ReasonWorktreeChanged
		case in.Process.CPU > 0 && pastStall:
			res.State, res.Reason = WaitingFirstOutput, ReasonCPUActivePastStall
		case in.Process.CPU > 0:
			res.State, res.Reason = Launching, ReasonCPUActiveNoOutput
		case pastStall:
			res.State, res.Reason = Stalled, ReasonNoOutputNoCPU
		default:
			res.State, res.Reason = Launching, ReasonWithinLaunchWindow
		}

	case in.Process.CPU.Seconds() > rec.LastCPU:
		res.State, res.Reason = Healthy, ReasonCPUProgress

	case res.LogAge >= in.StallAfter:
		res.State, res.Reason = Stalled, ReasonStaleLogNoCPUProgress

	default:
		res.State, res.Reason = Healthy, ReasonRecentLogOutput
	}
	return res
}

func nonNegative(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
