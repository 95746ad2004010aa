package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/user/tend/internal/wave"
	"github.com/user/tend/internal/workspace"
)

type WaveCmd struct {
	Plan   WavePlanCmd   `cmd:"" help:"Partition a manifest into dependency waves."`
	Status WaveStatusCmd `cmd:"" help:"Show per-wave progress derived from job health."`
	Run    WaveRunCmd    `cmd:"" help:"Launch waves in order, halting on the first failed wave."`
	Rerun  WaveRerunCmd  `cmd:"" help:"Stop and relaunch one task; dependents are not touched."`
	Clean  WaveCleanCmd  `cmd:"" help:"Remove the plan and prune stale worktrees."`
}

func requests(ws *workspace.Workspace) wave.RequestFunc {
	return wave.Requests(ws.Root, ws.WorktreesDir(), ws.RepoPath)
}

// ─── wave plan ───────────────────────────────────────────────────────────────

type WavePlanCmd struct {
	Manifest string `arg:"" type:"existingfile" help:"Manifest (YAML or JSON)."`
	JSON     bool   `name:"json" help:"Print the waves as JSON."`
}

func (c *WavePlanCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	m, err := wave.LoadManifest(c.Manifest)
	if err != nil {
		return err
	}
	p, err := wave.Generate(ws.WavesDir(), m)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(os.Stdout, p.Waves)
	}
	for n, ids := range p.Waves {
		fmt.Printf("wave %d: %s\n", n, strings.Join(ids, " "))
	}
	fmt.Printf("%d task(s) in %d wave(s) written to %s\n", len(m.Tasks), len(p.Waves), ws.WavesDir())
	return nil
}

// ─── wave status ─────────────────────────────────────────────────────────────

type WaveStatusCmd struct {
	JSON bool `name:"json" help:"Print JSON."`
}

func (c *WaveStatusCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	p, err := wave.LoadPlan(ws.WavesDir())
	if err != nil {
		return err
	}
	m, err := g.Manager(0)
	if err != nil {
		return err
	}
	states, err := wave.Status(context.Background(), p, m)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(os.Stdout, states)
	}

	color := colorEnabled()
	rows := make([][]string, 0, len(states))
	for _, s := range states {
		rows = append(rows, []string{
			strconv.Itoa(s.Wave),
			strconv.Itoa(len(s.Tasks)),
			strconv.Itoa(s.Pending),
			paint(color, styleActive, strconv.Itoa(s.Running)),
			paint(color, styleOK, strconv.Itoa(s.Completed)),
			paint(color, styleBad, strconv.Itoa(s.Failed)),
			stamp(s.StartedAt),
			stamp(s.FinishedAt),
		})
	}
	writeTable(os.Stdout, color, []string{"WAVE", "TASKS", "PENDING", "RUNNING", "DONE", "FAILED", "STARTED", "FINISHED"}, rows)
	for _, s := range states {
		for _, t := range s.Tasks {
			if t.Phase == wave.PhaseFailed {
				fmt.Printf("wave %d: %s failed (%s %s)\n", s.Wave, t.ID, t.State, t.Reason)
			}
		}
	}
	return nil
}

func stamp(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

// ─── wave run ────────────────────────────────────────────────────────────────

type WaveRunCmd struct {
	From       int           `default:"0" help:"First wave to run (earlier waves must already be complete)."`
	MaxWorkers int           `name:"max-workers" help:"Live jobs allowed at once (default: wave.max_workers)."`
	Poll       time.Duration `help:"Time between health polls (default: wave.poll_interval_sec)."`
}

func (c *WaveRunCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	p, err := wave.LoadPlan(ws.WavesDir())
	if err != nil {
		return err
	}
	m, err := g.Manager(0)
	if err != nil {
		return err
	}
	maxWorkers := ws.Config.Wave.MaxWorkers
	if c.MaxWorkers > 0 {
		maxWorkers = c.MaxWorkers
	}
	poll := ws.Config.Wave.PollInterval()
	if c.Poll > 0 {
		poll = c.Poll
	}

	ctx, stop := signalContext()
	defer stop()
	tel := g.Telemetry(ctx)
	defer tel.Shutdown(context.Background()) //nolint:errcheck

	r := &wave.Runner{
		Jobs:       m,
		Plan:       p,
		Request:    requests(ws),
		MaxWorkers: maxWorkers,
		Poll:       poll,
		Telemetry:  tel,
	}
	err = r.Run(ctx, c.From)
	if errors.Is(err, wave.ErrWaveFailed) {
		return &exitError{code: exitFailed, err: err}
	}
	return err
}

// ─── wave rerun ──────────────────────────────────────────────────────────────

type WaveRerunCmd struct {
	ID string `arg:"" help:"Task ID."`
}

func (c *WaveRerunCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	p, err := wave.LoadPlan(ws.WavesDir())
	if err != nil {
		return err
	}
	m, err := g.Manager(0)
	if err != nil {
		return err
	}
	r := &wave.Runner{Jobs: m, Plan: p, Request: requests(ws)}
	rec, err := r.Rerun(context.Background(), c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("rerun %s (wave %d, pid %d, run %s)\n", rec.ID, p.Index[rec.ID], rec.PID, rec.RunID)
	return nil
}

// ─── wave clean ──────────────────────────────────────────────────────────────

type WaveCleanCmd struct {
	Worktrees bool `help:"Also remove task worktrees."`
	JSON      bool `name:"json" help:"Print JSON."`
}

func (c *WaveCleanCmd) Run(g *Globals) error {
	ws, err := g.WS()
	if err != nil {
		return err
	}
	rep, err := wave.Clean(ws.WavesDir(), requests(ws), c.Worktrees)
	if c.JSON {
		if jerr := printJSON(os.Stdout, rep); jerr != nil {
			return jerr
		}
	} else {
		for _, f := range rep.Files {
			fmt.Printf("removed %s\n", f)
		}
		for _, w := range rep.Worktrees {
			fmt.Printf("removed worktree %s\n", w)
		}
		for _, r := range rep.Pruned {
			fmt.Printf("pruned %s\n", r)
		}
		if len(rep.Files)+len(rep.Worktrees)+len(rep.Pruned) == 0 {
			fmt.Println("nothing to clean")
		}
	}
	return err
}
