package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/user/tend/internal/gate"
	"github.com/user/tend/internal/health"
	"github.com/user/tend/internal/job"
	"github.com/user/tend/internal/jobstore"
	"github.com/user/tend/internal/logger"
	"github.com/user/tend/internal/mutation"
	"github.com/user/tend/internal/preflight"
	"github.com/user/tend/internal/procstat"
	"github.com/user/tend/internal/watchdog"
)

type JobCmd struct {
	Start          JobStartCmd       `cmd:"" help:"Launch a job as a detached process."`
	Status         JobStatusCmd      `cmd:"" help:"Show a health table for jobs."`
	Check          JobCheckCmd       `cmd:"" help:"Print one job's state; exit code reflects it."`
	Health         JobHealthCmd      `cmd:"" help:"Show every health signal for one job."`
	Restart        JobRestartCmd     `cmd:"" help:"Stop and relaunch a job (retries+1)."`
	Stop           JobStopCmd        `cmd:"" help:"Terminate a job's process tree."`
	Tail           JobTailCmd        `cmd:"" help:"Print the end of a job's log."`
	SetOverride    JobOverrideCmd    `cmd:"" name:"set-override" help:"Change a job's auto-restart flag or clear its block."`
	Preflight      JobPreflightCmd   `cmd:"" help:"Check the launcher and credentials without reading secrets."`
	Mutations      JobMutationsCmd   `cmd:"" help:"Count worktree changes since the job was launched."`
	BaselineGate   BaselineGateCmd   `cmd:"" name:"baseline-gate" help:"Require a commit to be an ancestor of HEAD."`
	IntegrityGate  IntegrityGateCmd  `cmd:"" name:"integrity-gate" help:"Require a reported commit to be on a branch."`
	FeatureKeyGate FeatureKeyGateCmd `cmd:"" name:"feature-key-gate" help:"Require a Feature-Key trailer on every branch commit."`
	Watchdog       JobWatchdogCmd    `cmd:"" help:"Classify jobs and restart or block stalled ones."`
	Supervise      JobSuperviseCmd   `cmd:"" name:"_supervise" hidden:"" help:"Run a job in the foreground (used by the detached launcher)."`
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// ─── job start ───────────────────────────────────────────────────────────────

type JobStartCmd struct {
	ID            string `arg:"" help:"Job ID."`
	Worktree      string `short:"w" help:"Working directory for the job (default: .tend/worktrees/<id> when --repo is set)."`
	Repo          string `help:"Repo name from the config, or a path. With --branch, a git worktree is created."`
	Branch        string `help:"Branch for a new git worktree."`
	Base          string `help:"Base branch for a new worktree (default: the repo's default branch)."`
	Prompt        string `short:"p" help:"Prompt text."`
	PromptFile    string `name:"prompt-file" type:"existingfile" help:"Read the prompt from a file."`
	Model         string `help:"Model to pin for this job (default: launcher.model)."`
	BaseURL       string `name:"base-url" help:"API base URL to pin for this job."`
	TimeoutMin    int    `name:"timeout-min" help:"Kill the run after N minutes (0: launcher.timeout_min)."`
	Mode          string `placeholder:"detached|tty" help:"Output capture mode (default: launcher.mode)."`
	NoAutoRestart bool   `name:"no-auto-restart" help:"Never let the watchdog restart this job."`
}

func (c *JobStartCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	m, err := g.Manager(0)
	if err != nil {
		return err
	}
	prompt := c.Prompt
	if c.PromptFile != "" {
		data, err := os.ReadFile(c.PromptFile)
		if err != nil {
			return err
		}
		prompt = string(data)
	}
	var mode jobstore.Mode
	if c.Mode != "" {
		if mode, err = jobstore.ParseMode(c.Mode); err != nil {
			return err
		}
	}
	req := job.StartRequest{
		ID:            c.ID,
		Repo:          ws.RepoPath(c.Repo),
		Worktree:      c.Worktree,
		Prompt:        prompt,
		Branch:        c.Branch,
		Base:          c.Base,
		Model:         c.Model,
		BaseURL:       c.BaseURL,
		TimeoutMin:    c.TimeoutMin,
		Mode:          mode,
		NoAutoRestart: c.NoAutoRestart,
	}
	switch {
	case req.Worktree == "" && req.Repo != "":
		req.Worktree = filepath.Join(ws.WorktreesDir(), c.ID)
		if req.Branch == "" {
			req.Branch = "tend/" + c.ID
		}
	case req.Worktree == "":
		return fmt.Errorf("--worktree or --repo is required")
	default:
		if req.Worktree, err = filepath.Abs(req.Worktree); err != nil {
			return err
		}
	}

	rec, err := m.Start(context.Background(), req)
	if err != nil {
		return err
	}
	fmt.Printf("started %s (pid %d, run %s, mode %s)\n", rec.ID, rec.PID, rec.RunID, rec.Mode)
	return nil
}

// ─── job status / check / health ────────────────────────────────────────────

type JobStatusCmd struct {
	IDs          []string `arg:"" optional:"" name:"id" help:"Job IDs (default: all)."`
	JSON         bool     `name:"json" help:"Print JSON."`
	StallMinutes int      `name:"stall-minutes" help:"Override watchdog.stall_minutes."`
}

func (c *JobStatusCmd) Run(g *Globals) error {
	store, err := g.Store()
	if err != nil {
		return err
	}
	prober, err := g.Prober(c.StallMinutes)
	if err != nil {
		return err
	}
	ids := c.IDs
	if len(ids) == 0 {
		if ids, err = store.List(); err != nil {
			return err
		}
	}
	ctx := context.Background()
	snap, err := prober.TakeSnapshot(ctx)
	if err != nil {
		return err
	}

	results := make([]health.Result, 0, len(ids))
	worst := exitOK
	for _, id := range ids {
		res, err := prober.CheckWith(ctx, id, snap)
		if err != nil {
			if len(c.IDs) > 0 {
				return notFound(id, err)
			}
			slog.Warn("skipping unreadable job", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		results = append(results, res)
		if code := res.State.ExitCode(); code > worst {
			worst = code
		}
	}

	if c.JSON {
		if err := printJSON(os.Stdout, results); err != nil {
			return err
		}
	} else if len(results) == 0 {
		fmt.Println("no jobs")
	} else {
		color := colorEnabled()
		rows := make([][]string, 0, len(results))
		for _, r := range results {
			rows = append(rows, []string{
				r.JobID,
				paint(color, stateStyle(r.State), string(r.State)),
				r.Reason,
				pidString(r),
				strconv.Itoa(r.Retries),
				byteSize(r.LogBytes),
				ago(r.LogAge),
				outcomeString(r.Outcome),
			})
		}
		writeTable(os.Stdout, color, []string{"JOB", "STATE", "REASON", "PID", "RETRIES", "LOG", "LOG AGE", "OUTCOME"}, rows)
	}
	if len(c.IDs) == 0 {
		return nil
	}
	return exitCode(worst)
}

func pidString(r health.Result) string {
	if r.PID <= 0 {
		return "-"
	}
	if !r.Alive {
		return strconv.Itoa(r.PID) + " (dead)"
	}
	return strconv.Itoa(r.PID)
}

func outcomeString(o *jobstore.Outcome) string {
	if o == nil {
		return "-"
	}
	return fmt.Sprintf("%s exit=%d %s", o.State, o.ExitCode, o.Elapsed().Round(time.Millisecond))
}

type JobCheckCmd struct {
	ID           string `arg:"" help:"Job ID."`
	JSON         bool   `name:"json" help:"Print JSON."`
	StallMinutes int    `name:"stall-minutes" help:"Override watchdog.stall_minutes."`
}

func (c *JobCheckCmd) Run(g *Globals) error {
	prober, err := g.Prober(c.StallMinutes)
	if err != nil {
		return err
	}
	res, err := prober.Check(context.Background(), c.ID)
	if err != nil {
		return notFound(c.ID, err)
	}
	if c.JSON {
		if err := printJSON(os.Stdout, map[string]any{"job_id": res.JobID, "state": res.State, "reason": res.Reason}); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s %s %s\n", res.JobID, res.State, res.Reason)
	}
	return exitCode(res.State.ExitCode())
}

type JobHealthCmd struct {
	ID           string `arg:"" help:"Job ID."`
	JSON         bool   `name:"json" help:"Print JSON."`
	StallMinutes int    `name:"stall-minutes" help:"Override watchdog.stall_minutes."`
}

func (c *JobHealthCmd) Run(g *Globals) error {
	prober, err := g.Prober(c.StallMinutes)
	if err != nil {
		return err
	}
	store, err := g.Store()
	if err != nil {
		return err
	}
	res, err := prober.Check(context.Background(), c.ID)
	if err != nil {
		return notFound(c.ID, err)
	}
	rec, err := store.Get(c.ID)
	if err != nil {
		return notFound(c.ID, err)
	}
	contract, err := store.Contract(c.ID)
	if err != nil {
		return err
	}
	if c.JSON {
		if err := printJSON(os.Stdout, map[string]any{
			"health":   res,
			"record":   rec,
			"contract": contract,
		}); err != nil {
			return err
		}
		return exitCode(res.State.ExitCode())
	}

	color := colorEnabled()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "job:\t%s\n", res.JobID)
	fmt.Fprintf(w, "state:\t%s (%s)\n", paint(color, stateStyle(res.State), string(res.State)), res.Reason)
	fmt.Fprintf(w, "pid:\t%s\n", pidString(res))
	fmt.Fprintf(w, "cpu:\t%.1fs (last seen %.1fs)\n", res.CPUSeconds, rec.LastCPU)
	fmt.Fprintf(w, "process age:\t%s\n", ago(res.ProcessAge))
	fmt.Fprintf(w, "log:\t%s, last write %s ago\n", byteSize(res.LogBytes), ago(res.LogAge))
	fmt.Fprintf(w, "mutations:\t%d\n", res.Mutations)
	fmt.Fprintf(w, "retries:\t%d\n", res.Retries)
	fmt.Fprintf(w, "mode:\t%s\n", rec.Mode)
	fmt.Fprintf(w, "auto restart:\t%v\n", !rec.NoAutoRestart)
	if rec.Blocked {
		fmt.Fprintf(w, "blocked:\t%s\n", dash(rec.BlockReason))
	}
	fmt.Fprintf(w, "worktree:\t%s\n", rec.Worktree)
	fmt.Fprintf(w, "outcome:\t%s\n", outcomeString(res.Outcome))
	if contract != nil {
		fmt.Fprintf(w, "contract:\tauth=%s/%s model=%s base_url=%s timeout=%dm mode=%s\n",
			dash(contract.AuthSource), dash(contract.AuthMode), dash(contract.Model),
			dash(contract.BaseURL), contract.TimeoutMin, contract.Mode)
	}
	w.Flush()
	return exitCode(res.State.ExitCode())
}

// ─── job restart / stop ─────────────────────────────────────────────────────

type JobRestartCmd struct {
	ID          string `arg:"" help:"Job ID."`
	NoIntegrity bool   `name:"no-integrity" help:"Restart even if the credential or launch contract changed."`
}

func (c *JobRestartCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	m, err := g.Manager(0)
	if err != nil {
		return err
	}
	integrity := ws.Config.Watchdog.ContractIntegrity && !c.NoIntegrity
	rec, err := m.Restart(context.Background(), c.ID, job.RestartOptions{Integrity: integrity})
	if errors.Is(err, job.ErrContractDrift) {
		return &exitError{code: exitFailed, err: fmt.Errorf("%w\nrerun with --no-integrity to accept the new contract", err)}
	}
	if err != nil {
		return notFound(c.ID, err)
	}
	fmt.Printf("restarted %s (pid %d, retry %d, mode %s)\n", rec.ID, rec.PID, rec.Retries, rec.Mode)
	return nil
}

type JobStopCmd struct {
	ID string `arg:"" help:"Job ID."`
}

func (c *JobStopCmd) Run(g *Globals) error {
	m, err := g.Manager(0)
	if err != nil {
		return err
	}
	o, err := m.Stop(context.Background(), c.ID)
	if err != nil {
		return notFound(c.ID, err)
	}
	fmt.Printf("stopped %s (%s, exit %d)\n", c.ID, o.State, o.ExitCode)
	return nil
}

// ─── job tail ────────────────────────────────────────────────────────────────

type JobTailCmd struct {
	ID     string `arg:"" help:"Job ID."`
	Lines  int    `short:"n" default:"50" help:"Show last N lines (0 = all)."`
	Follow bool   `short:"f" help:"Keep printing output until the job exits."`
}

func (c *JobTailCmd) Run(g *Globals) error {
	store, err := g.Store()
	if err != nil {
		return err
	}
	rec, err := store.Get(c.ID)
	if err != nil {
		return notFound(c.ID, err)
	}
	path := store.LogPath(c.ID)
	offset, err := job.Tail(path, c.Lines, os.Stdout)
	if err != nil {
		return err
	}
	if !c.Follow {
		return nil
	}
	ctx, stop := signalContext()
	defer stop()
	done := func() bool { return rec.PID <= 0 || !procstat.IsAlive(rec.PID) }
	return job.Follow(ctx, path, offset, os.Stdout, time.Second, done)
}

// ─── job set-override ────────────────────────────────────────────────────────

type JobOverrideCmd struct {
	ID           string `arg:"" help:"Job ID."`
	AutoRestart  string `name:"auto-restart" placeholder:"on|off" help:"Allow (on) or forbid (off) watchdog restarts."`
	ClearBlocked bool   `name:"clear-blocked" help:"Clear the blocked flag so the watchdog manages the job again."`
}

func (c *JobOverrideCmd) Run(g *Globals) error {
	if c.AutoRestart == "" && !c.ClearBlocked {
		return fmt.Errorf("nothing to change: pass --auto-restart or --clear-blocked")
	}
	var o job.Override
	switch c.AutoRestart {
	case "":
	case "on", "off":
		off := c.AutoRestart == "off"
		o.NoAutoRestart = &off
	default:
		return fmt.Errorf("--auto-restart must be on or off, got: %s", c.AutoRestart)
	}
	o.ClearBlocked = c.ClearBlocked
	m, err := g.Manager(0)
	if err != nil {
		return err
	}
	rec, err := m.SetOverride(c.ID, o)
	if err != nil {
		return notFound(c.ID, err)
	}
	fmt.Printf("%s: auto_restart=%v blocked=%v\n", rec.ID, !rec.NoAutoRestart, rec.Blocked)
	return nil
}

// ─── job preflight ───────────────────────────────────────────────────────────

type JobPreflightCmd struct {
	JSON bool `name:"json" help:"Print JSON."`
}

func (c *JobPreflightCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()
	rep := preflight.Run(ctx, authConfig(ws), ws.Config.Launcher.Command)
	if c.JSON {
		if err := printJSON(os.Stdout, rep); err != nil {
			return err
		}
		return exitCode(rep.Code)
	}
	color := colorEnabled()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "auth\t%s\t%s\n", rep.Auth.Mode, rep.Auth.Source)
	for _, ch := range rep.Checks {
		mark := paint(color, styleOK, "ok")
		if !ch.OK {
			mark = paint(color, styleBad, "FAIL")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", ch.Name, mark, ch.Detail)
	}
	w.Flush()
	return exitCode(rep.Code)
}

// ─── job mutations ───────────────────────────────────────────────────────────

type JobMutationsCmd struct {
	ID   string `arg:"" help:"Job ID."`
	JSON bool   `name:"json" help:"Print JSON."`
}

func (c *JobMutationsCmd) Run(g *Globals) error {
	store, err := g.Store()
	if err != nil {
		return err
	}
	rec, err := store.Get(c.ID)
	if err != nil {
		return notFound(c.ID, err)
	}
	since, err := store.MetaModTime(c.ID)
	if err != nil {
		return err
	}
	n, err := mutation.New().Count(context.Background(), rec.Worktree, since)
	if err != nil {
		return err
	}
	marker := &jobstore.Marker{Count: n, MeasuredAt: time.Now()}
	if err := store.PutMarker(c.ID, marker); err != nil {
		return err
	}
	if c.JSON {
		return printJSON(os.Stdout, map[string]any{"job_id": c.ID, "worktree": rec.Worktree, "count": n, "since": since})
	}
	fmt.Printf("%s: %d changed path(s) in %s\n", c.ID, n, rec.Worktree)
	return nil
}

// ─── gates ───────────────────────────────────────────────────────────────────

// GateTarget resolves the worktree a gate runs in: --worktree, else the
// worktree of --job, else the current directory.
type GateTarget struct {
	Worktree string `short:"w" help:"Worktree to inspect."`
	Job      string `help:"Use this job's worktree."`
	JSON     bool   `name:"json" help:"Print JSON."`
}

func (t GateTarget) dir(g *Globals) (string, error) {
	if t.Worktree != "" {
		return filepath.Abs(t.Worktree)
	}
	if t.Job != "" {
		store, err := g.Store()
		if err != nil {
			return "", err
		}
		rec, err := store.Get(t.Job)
		if err != nil {
			return "", notFound(t.Job, err)
		}
		return rec.Worktree, nil
	}
	return os.Getwd()
}

func reportGate(r gate.Result, asJSON bool) error {
	if asJSON {
		if err := printJSON(os.Stdout, r); err != nil {
			return err
		}
	} else {
		verdict := "PASS"
		if !r.Passed {
			verdict = "FAIL"
		}
		fmt.Printf("%s %s %s\n", r.Gate, verdict, r.Reason)
		keys := make([]string, 0, len(r.Fields))
		for k := range r.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Printf("  %s: %v\n", k, r.Fields[k])
		}
	}
	if !r.Passed {
		return exitCode(exitGateFailed)
	}
	return nil
}

type BaselineGateCmd struct {
	GateTarget `embed:""`
	Required   string `required:"" help:"Commit that must be HEAD or an ancestor of it."`
}

func (c *BaselineGateCmd) Run(g *Globals) error {
	dir, err := c.dir(g)
	if err != nil {
		return err
	}
	return reportGate(gate.Baseline(dir, c.Required), c.JSON)
}

type IntegrityGateCmd struct {
	GateTarget `embed:""`
	Reported   string `required:"" help:"Commit the job reported."`
	Branch     string `required:"" help:"Branch the commit must be on."`
}

func (c *IntegrityGateCmd) Run(g *Globals) error {
	dir, err := c.dir(g)
	if err != nil {
		return err
	}
	return reportGate(gate.Integrity(dir, c.Reported, c.Branch), c.JSON)
}

type FeatureKeyGateCmd struct {
	GateTarget `embed:""`
	Key        string `required:"" help:"Expected Feature-Key trailer value."`
	Branch     string `required:"" help:"Feature branch."`
	Base       string `required:"" help:"Base branch; commits in base..branch are checked."`
}

func (c *FeatureKeyGateCmd) Run(g *Globals) error {
	dir, err := c.dir(g)
	if err != nil {
		return err
	}
	return reportGate(gate.FeatureKey(dir, c.Key, c.Branch, c.Base), c.JSON)
}

// ─── job watchdog ────────────────────────────────────────────────────────────

type JobWatchdogCmd struct {
	IDs           []string      `arg:"" optional:"" name:"id" help:"Job IDs (default: all)."`
	Once          bool          `help:"Run a single pass and exit."`
	Observe       bool          `help:"Log what would happen without restarting or blocking."`
	Interval      time.Duration `help:"Time between passes (default: watchdog.interval_sec)."`
	Schedule      string        `help:"Cron expression for passes; overrides --interval."`
	StallMinutes  int           `name:"stall-minutes" help:"Override watchdog.stall_minutes."`
	MaxRetries    int           `name:"max-retries" default:"-1" help:"Override watchdog.max_retries."`
	NoAutoRestart bool          `name:"no-auto-restart" help:"Block stalled jobs instead of restarting them."`
	Concurrency   int           `help:"Jobs checked in parallel (default: watchdog.concurrency)."`
	JSON          bool          `name:"json" help:"Print the pass report as JSON (with --once)."`
}

func (c *JobWatchdogCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	m, err := g.Manager(c.StallMinutes)
	if err != nil {
		return err
	}
	cfg := ws.Config.Watchdog
	policy := watchdog.Policy{
		MaxRetries:  cfg.MaxRetries,
		AutoRestart: cfg.AutoRestart && !c.NoAutoRestart,
		ObserveOnly: c.Observe,
	}
	if c.MaxRetries >= 0 {
		policy.MaxRetries = c.MaxRetries
	}
	concurrency := cfg.Concurrency
	if c.Concurrency > 0 {
		concurrency = c.Concurrency
	}

	ctx, stop := signalContext()
	defer stop()
	tel := g.Telemetry(ctx)
	defer tel.Shutdown(context.Background()) //nolint:errcheck

	w := &watchdog.Watchdog{
		Store:       m.Store,
		Prober:      m.Prober,
		Jobs:        m,
		Policy:      policy,
		Integrity:   cfg.ContractIntegrity,
		Concurrency: concurrency,
		Telemetry:   tel,
	}

	if c.Once {
		reports, err := w.RunOnce(ctx, c.IDs...)
		if c.JSON {
			if jerr := printJSON(os.Stdout, reports); jerr != nil {
				return jerr
			}
		} else {
			tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tSTATE\tREASON\tACTION\tDETAIL")
			for _, r := range reports {
				detail := r.Decision.Reason
				if r.Error != "" {
					detail = r.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.JobID, r.State, r.Reason, r.Decision.Action, dash(detail))
			}
			tw.Flush()
		}
		if err != nil {
			return &exitError{code: exitGeneral, err: err}
		}
		return nil
	}

	interval := cfg.Interval()
	if c.Interval > 0 {
		interval = c.Interval
	}
	schedule := cfg.Schedule
	if c.Schedule != "" {
		schedule = c.Schedule
	}
	return w.Run(ctx, watchdog.Schedule{
		Interval: interval,
		Cron:     schedule,
		WatchDir: ws.JobsDir(),
		MinGap:   interval / 4,
	}, c.IDs...)
}

// ─── job _supervise ──────────────────────────────────────────────────────────

// JobSuperviseCmd is the body of the detached wrapper. Its stdout and
// stderr are the job log, so it only logs warnings and errors.
type JobSuperviseCmd struct {
	ID string `arg:"" help:"Job ID."`
}

func (c *JobSuperviseCmd) Run(g *Globals) error {
	slog.SetDefault(logger.New(os.Stderr, logger.FormatText, slog.LevelWarn).With(slog.String("job_id", c.ID)))
	m, err := g.Manager(0)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	if _, err := m.Supervise(ctx, c.ID, os.Stdout); err != nil {
		slog.Error("supervise failed", slog.Any("error", err))
		return err
	}
	return nil
}
