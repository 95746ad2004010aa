package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/alecthomas/kong"

	"github.com/user/tend/internal/health"
	"github.com/user/tend/internal/job"
	"github.com/user/tend/internal/jobstore"
	"github.com/user/tend/internal/launcher"
	"github.com/user/tend/internal/logger"
	"github.com/user/tend/internal/mutation"
	"github.com/user/tend/internal/preflight"
	"github.com/user/tend/internal/telemetry"
	"github.com/user/tend/internal/workspace"
)

var version = "dev" // injected via ldflags at build time

// Globals holds shared state injected into Run methods that need a workspace.
type Globals struct {
	Root string

	once  sync.Once
	ws    *workspace.Workspace
	wsErr error

	storeOnce sync.Once
	store     *jobstore.FSStore
	storeErr  error
}

// WS lazily opens the workspace on first call.
// Commands that don't need a workspace (init, version) must not call this.
func (g *Globals) WS() (*workspace.Workspace, error) {
	g.once.Do(func() {
		g.ws, g.wsErr = workspace.Resolve(g.Root)
		if g.wsErr != nil {
			g.wsErr = fmt.Errorf("%w\n\nTo create a workspace here:  tend init .\nTo use an existing one:      export TEND_ROOT=/path/to/workspace", g.wsErr)
		}
	})
	return g.ws, g.wsErr
}

// Store opens the job store under the workspace.
func (g *Globals) Store() (*jobstore.FSStore, error) {
	g.storeOnce.Do(func() {
		ws, err := g.WS()
		if err != nil {
			g.storeErr = err
			return
		}
		g.store, g.storeErr = jobstore.NewFSStore(ws.JobsDir())
	})
	return g.store, g.storeErr
}

// authConfig maps the workspace auth section to a preflight config.
func authConfig(ws *workspace.Workspace) preflight.Config {
	a := ws.Config.Auth
	return preflight.Config{
		EnvVar:         a.EnvVar,
		CredentialFile: a.CredentialPath(),
		ProbeCommand:   a.ProbeCommand,
		ProbeTimeout:   a.ProbeTimeout(),
	}
}

// Prober builds the health prober. stallMinutes overrides the config when
// positive.
func (g *Globals) Prober(stallMinutes int) (*health.Prober, error) {
	ws, err := g.WS()
	if err != nil {
		return nil, err
	}
	store, err := g.Store()
	if err != nil {
		return nil, err
	}
	stall := ws.Config.Watchdog.StallAfter()
	if stallMinutes > 0 {
		stall = minutes(stallMinutes)
	}
	return &health.Prober{Store: store, Mutations: mutation.New(), StallAfter: stall}, nil
}

// Manager wires the job manager to the workspace: filesystem store, detached
// launcher re-executing this binary, and config defaults.
func (g *Globals) Manager(stallMinutes int) (*job.Manager, error) {
	ws, err := g.WS()
	if err != nil {
		return nil, err
	}
	store, err := g.Store()
	if err != nil {
		return nil, err
	}
	prober, err := g.Prober(stallMinutes)
	if err != nil {
		return nil, err
	}
	lc := ws.Config.Launcher
	auth := authConfig(ws)
	return &job.Manager{
		Store: store,
		Launcher: &launcher.Detached{
			Args: func(id string) []string {
				return []string{"--root", ws.Root, "job", "_supervise", id}
			},
			LogPath: store.LogPath,
		},
		Prober: prober,
		Defaults: job.Defaults{
			Model:      lc.Model,
			BaseURL:    lc.BaseURL,
			TimeoutMin: lc.TimeoutMin,
			Mode:       jobstore.Mode(lc.Mode),
		},
		Command: lc.Command,
		Auth:    func() preflight.Auth { return preflight.Resolve(auth) },
		Grace:   lc.Grace(),
	}, nil
}

// Telemetry starts the configured exporter; callers must Shutdown it.
func (g *Globals) Telemetry(ctx context.Context) *telemetry.Provider {
	ws, err := g.WS()
	if err != nil {
		return telemetry.Noop()
	}
	p, err := telemetry.Init(ctx, ws.Config.Telemetry.Exporter, os.Stderr)
	if err != nil {
		slog.Warn("telemetry disabled", slog.Any("error", err))
		return telemetry.Noop()
	}
	return p
}

// ─── Top-level CLI struct ────────────────────────────────────────────────────

type CLI struct {
	Root string `name:"root" env:"TEND_ROOT" placeholder:"DIR" help:"Workspace root (default: search upward from the current directory)."`

	Init    InitCmd    `cmd:"" group:"workspace" help:"Create a new workspace."`
	Job     JobCmd     `cmd:"" group:"jobs"      help:"Start, inspect, restart and gate delegate jobs."`
	Wave    WaveCmd    `cmd:"" group:"waves"     help:"Plan and run dependency waves of jobs."`
	Version VersionCmd `cmd:"" group:"maint"     help:"Print version and platform info."`
}

// ─── init ────────────────────────────────────────────────────────────────────

type InitCmd struct {
	Dir  string   `arg:"" optional:"" default:"." help:"Directory to initialize."`
	Repo []string `name:"repo" help:"Add a repo as name=path (repeatable)."`
}

func (c *InitCmd) Run() error {
	repos := make(map[string]string)
	for _, r := range c.Repo {
		name, path, ok := strings.Cut(r, "=")
		if !ok || name == "" || path == "" {
			return fmt.Errorf("--repo must be name=path, got: %s", r)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("invalid path: %v", err)
		}
		repos[name] = abs
	}

	ws, err := workspace.Init(c.Dir, repos)
	if err != nil {
		return fmt.Errorf("init failed: %w", err)
	}
	fmt.Printf("initialized tend workspace at %s\n", ws.Root)
	for name, path := range ws.Config.Repos {
		fmt.Printf("repo: %s → %s\n", name, path)
	}
	return nil
}

// ─── version ─────────────────────────────────────────────────────────────────

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	fmt.Printf("tend %s %s/%s\n", version, runtime.GOOS, runtime.GOARCH)
	return nil
}

func newParser(cli *CLI, globals *Globals, options ...kong.Option) (*kong.Kong, error) {
	options = append([]kong.Option{
		kong.Name("tend"),
		kong.Description("tend — supervise long-running delegate jobs\n\nStart jobs as detached processes, classify their health, restart the\nstalled ones, verify their git history, and run batches in dependency waves."),
		kong.UsageOnError(),
		kong.Bind(globals),
		kong.ExplicitGroups([]kong.Group{
			{Key: "workspace", Title: "── WORKSPACE ─────────────────────────────────────────────────────────────────────"},
			{Key: "jobs", Title: "── JOBS ──────────────────────────────────────────────────────────────────────────"},
			{Key: "waves", Title: "── WAVES ─────────────────────────────────────────────────────────────────────────"},
			{Key: "maint", Title: "── MAINTENANCE ───────────────────────────────────────────────────────────────────"},
		}),
	}, options...)
	return kong.New(cli, options...)
}

func main() {
	logger.Init()

	var cli CLI
	globals := &Globals{}
	parser, err := newParser(&cli, globals)
	if err != nil {
		panic(err)
	}
	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)
	globals.Root = cli.Root

	err = ctx.Run()
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "tend: %v\n", ee.err)
		}
		os.Exit(ee.code)
	}
	ctx.FatalIfErrorf(err)
}
