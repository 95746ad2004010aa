package jobstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Mode is how a job's child process is attached to its log.
type Mode string

const (
	ModeDetached Mode = "detached"
	ModeTTY      Mode = "tty"
)

// ParseMode accepts "" (detached), "detached" and "tty".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeDetached:
		return ModeDetached, nil
	case ModeTTY:
		return ModeTTY, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// Record is the durable identity and state of one job.
type Record struct {
	ID         string    `json:"id"`
	PID        int       `json:"pid"`
	LaunchedAt time.Time `json:"launched_at"`
	Mode       Mode      `json:"mode"`
	RunID      string    `json:"run_id"`

	Repo     string `json:"repo,omitempty"`
	Worktree string `json:"worktree"`
	Prompt   string `json:"prompt"`
	Branch   string `json:"branch,omitempty"`

	Retries       int     `json:"retries"`
	NoAutoRestart bool    `json:"no_auto_restart"`
	Blocked       bool    `json:"blocked"`
	BlockReason   string  `json:"block_reason,omitempty"`
	LastCPU       float64 `json:"last_cpu_seconds"`

	AuthSource string `json:"auth_source,omitempty"`
	AuthMode   string `json:"auth_mode,omitempty"`
	Model      string `json:"model,omitempty"`
	BaseURL    string `json:"base_url,omitempty"`
	TimeoutMin int    `json:"timeout_min,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarshalText encodes the record as key=value lines.
func (r *Record) MarshalText() ([]byte, error) {
	var w kvWriter
	w.str("id", r.ID)
	w.int("pid", int64(r.PID))
	w.time("launched_at", r.LaunchedAt)
	w.str("mode", string(r.Mode))
	w.opt("run_id", r.RunID)
	w.opt("repo", r.Repo)
	w.str("worktree", r.Worktree)
	w.str("prompt", r.Prompt)
	w.opt("branch", r.Branch)
	w.int("retries", int64(r.Retries))
	w.bool("no_auto_restart", r.NoAutoRestart)
	w.bool("blocked", r.Blocked)
	w.opt("block_reason", r.BlockReason)
	w.float("last_cpu", r.LastCPU)
	w.opt("auth_source", r.AuthSource)
	w.opt("auth_mode", r.AuthMode)
	w.opt("model", r.Model)
	w.opt("base_url", r.BaseURL)
	if r.TimeoutMin > 0 {
		w.int("timeout_min", int64(r.TimeoutMin))
	}
	w.time("created_at", r.CreatedAt)
	w.time("updated_at", r.UpdatedAt)
	return w.bytes(), nil
}

// UnmarshalText decodes key=value lines. Unknown keys are ignored.
func (r *Record) UnmarshalText(data []byte) error {
	m, err := parseKV(data)
	if err != nil {
		return err
	}
	kr := &kvReader{m: m}
	if kr.str("id") == "" {
		return fmt.Errorf("missing id")
	}
	mode, err := ParseMode(kr.str("mode"))
	if err != nil {
		return err
	}
	*r = Record{
		ID:            kr.str("id"),
		PID:           kr.int("pid"),
		LaunchedAt:    kr.time("launched_at"),
		Mode:          mode,
		RunID:         kr.str("run_id"),
		Repo:          kr.str("repo"),
		Worktree:      kr.str("worktree"),
		Prompt:        kr.str("prompt"),
		Branch:        kr.str("branch"),
		Retries:       kr.int("retries"),
		NoAutoRestart: kr.bool("no_auto_restart"),
		Blocked:       kr.bool("blocked"),
		BlockReason:   kr.str("block_reason"),
		LastCPU:       kr.float("last_cpu"),
		AuthSource:    kr.str("auth_source"),
		AuthMode:      kr.str("auth_mode"),
		Model:         kr.str("model"),
		BaseURL:       kr.str("base_url"),
		TimeoutMin:    kr.int("timeout_min"),
		CreatedAt:     kr.time("created_at"),
		UpdatedAt:     kr.time("updated_at"),
	}
	return kr.err
}

// OutcomeState is the terminal state of one run.
type OutcomeState string

const (
	OutcomeSuccess OutcomeState = "success"
	OutcomeFailed  OutcomeState = "failed"
	OutcomeKilled  OutcomeState = "killed"
)

// Outcome is written once when a run ends.
type Outcome struct {
	RunID       string        `json:"run_id"`
	ExitCode    int           `json:"exit_code"`
	State       OutcomeState  `json:"state"`
	CompletedAt time.Time     `json:"completed_at"`
	DurationMS  int64         `json:"duration_ms"`
	Retries     int           `json:"retries"`
}

// Elapsed returns the run duration.
func (o *Outcome) Elapsed() time.Duration {
	return time.Duration(o.DurationMS) * time.Millisecond
}

func (o *Outcome) MarshalText() ([]byte, error) {
	var w kvWriter
	w.str("run_id", o.RunID)
	w.int("exit_code", int64(o.ExitCode))
	w.str("state", string(o.State))
	w.time("completed_at", o.CompletedAt)
	w.int("duration_ms", o.DurationMS)
	w.int("retries", int64(o.Retries))
	return w.bytes(), nil
}

func (o *Outcome) UnmarshalText(data []byte) error {
	m, err := parseKV(data)
	if err != nil {
		return err
	}
	kr := &kvReader{m: m}
	if !kr.has("exit_code") {
		return fmt.Errorf("missing exit_code")
	}
	*o = Outcome{
		RunID:       kr.str("run_id"),
		ExitCode:    kr.int("exit_code"),
		State:       OutcomeState(kr.str("state")),
		CompletedAt: kr.time("completed_at"),
		DurationMS:  kr.int64("duration_ms"),
		Retries:     kr.int("retries"),
	}
	if o.State == "" {
		o.State = OutcomeFailed
		if o.ExitCode == 0 {
			o.State = OutcomeSuccess
		}
	}
	return kr.err
}

// Contract is the non-secret environment a run was launched with. An empty
// field means "unset" and is skipped when contracts are compared.
type Contract struct {
	AuthSource string    `json:"auth_source,omitempty"`
	AuthMode   string    `json:"auth_mode,omitempty"`
	Model      string    `json:"model,omitempty"`
	BaseURL    string    `json:"base_url,omitempty"`
	TimeoutMin int       `json:"timeout_min,omitempty"`
	Mode       Mode      `json:"mode,omitempty"`
	RunID      string    `json:"run_id,omitempty"`
	WrittenAt  time.Time `json:"written_at"`
}

func (c *Contract) MarshalText() ([]byte, error) {
	var w kvWriter
	w.opt("auth_source", c.AuthSource)
	w.opt("auth_mode", c.AuthMode)
	w.opt("model", c.Model)
	w.opt("base_url", c.BaseURL)
	if c.TimeoutMin > 0 {
		w.int("timeout_min", int64(c.TimeoutMin))
	}
	w.opt("mode", string(c.Mode))
	w.opt("run_id", c.RunID)
	w.time("written_at", c.WrittenAt)
	return w.bytes(), nil
}

func (c *Contract) UnmarshalText(data []byte) error {
	m, err := parseKV(data)
	if err != nil {
		return err
	}
	kr := &kvReader{m: m}
	*c = Contract{
		AuthSource: kr.str("auth_source"),
		AuthMode:   kr.str("auth_mode"),
		Model:      kr.str("model"),
		BaseURL:    kr.str("base_url"),
		TimeoutMin: kr.int("timeout_min"),
		Mode:       Mode(kr.str("mode")),
		RunID:      kr.str("run_id"),
		WrittenAt:  kr.time("written_at"),
	}
	return kr.err
}

// Marker is the last mutation measurement for a job's worktree.
type Marker struct {
	Count      int       `json:"count"`
	MeasuredAt time.Time `json:"measured_at"`
}

func (m *Marker) MarshalText() ([]byte, error) {
	var w kvWriter
	w.int("count", int64(m.Count))
	w.time("measured_at", m.MeasuredAt)
	return w.bytes(), nil
}

func (m *Marker) UnmarshalText(data []byte) error {
	kv, err := parseKV(data)
	if err != nil {
		return err
	}
	kr := &kvReader{m: kv}
	*m = Marker{Count: kr.int("count"), MeasuredAt: kr.time("measured_at")}
	return kr.err
}

// LogStats describes the current (unrotated) log file.
type LogStats struct {
	Exists  bool      `json:"exists"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// JSON output stays structured; MarshalText is only the on-disk form.

func (r *Record) MarshalJSON() ([]byte, error) {
	type plain Record
	return json.Marshal((*plain)(r))
}

func (o *Outcome) MarshalJSON() ([]byte, error) {
	type plain Outcome
	return json.Marshal((*plain)(o))
}

func (c *Contract) MarshalJSON() ([]byte, error) {
	type plain Contract
	return json.Marshal((*plain)(c))
}

func (m *Marker) MarshalJSON() ([]byte, error) {
	type plain Marker
	return json.Marshal((*plain)(m))
}
