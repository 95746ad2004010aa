package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/alecthomas/kong"

	"github.com/user/tend/internal/workspace"
)

// newTestWS creates a temporary workspace for tests.
func newTestWS(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.Init(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("workspace.Init: %v", err)
	}
	return ws
}

// captureKongHelp returns the --help output for the given subcommand args.
func captureKongHelp(t *testing.T, subcmd ...string) string {
	t.Helper()
	var cli CLI
	var buf bytes.Buffer
	k, err := newParser(&cli, &Globals{}, kong.Writers(&buf, &buf), kong.Exit(func(int) {}))
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	args := append(subcmd, "--help")
	_, _ = k.Parse(args)
	return buf.String()
}

// newTestKong creates a parser whose exits are captured rather than calling
// os.Exit, with both stdout and stderr going to buf.
func newTestKong(t *testing.T, buf *bytes.Buffer) (*kong.Kong, *CLI, *int) {
	t.Helper()
	var cli CLI
	var exitCode int
	k, err := newParser(&cli, &Globals{}, kong.Writers(buf, buf), kong.Exit(func(code int) { exitCode = code }))
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	return k, &cli, &exitCode
}

func parseExpectOK(t *testing.T, args []string) (*kong.Context, *CLI) {
	t.Helper()
	var buf bytes.Buffer
	k, cli, exitCode := newTestKong(t, &buf)
	ctx, err := k.Parse(args)
	if err != nil {
		t.Errorf("unexpected parse error for %v: %v\noutput:\n%s", args, err, buf.String())
	}
	if *exitCode != 0 {
		t.Errorf("unexpected exit code %d for %v\noutput:\n%s", *exitCode, args, buf.String())
	}
	return ctx, cli
}

func parseExpectError(t *testing.T, args []string) {
	t.Helper()
	var buf bytes.Buffer
	k, _, exitCode := newTestKong(t, &buf)
	_, parseErr := k.Parse(args)
	if parseErr == nil && *exitCode == 0 {
		t.Errorf("expected parse error or non-zero exit for %v, but got neither\noutput:\n%s", args, buf.String())
	}
}

// ─── Root help ───────────────────────────────────────────────────────────────

func TestRootHelpContainsAllCommandGroups(t *testing.T) {
	output := captureKongHelp(t)
	for _, g := range []string{"WORKSPACE", "JOBS", "WAVES", "MAINTENANCE"} {
		if !strings.Contains(output, g) {
			t.Errorf("root --help missing section %q\noutput:\n%s", g, output)
		}
	}
}

func TestJobHelpListsAllSubcommands(t *testing.T) {
	output := captureKongHelp(t, "job")
	subs := []string{
		"start", "status", "check", "health", "restart", "stop", "tail",
		"set-override", "preflight", "mutations", "baseline-gate",
		"integrity-gate", "feature-key-gate", "watchdog",
	}
	for _, sub := range subs {
		if !strings.Contains(output, sub) {
			t.Errorf("'tend job --help' missing subcommand %q\noutput:\n%s", sub, output)
		}
	}
	if strings.Contains(output, "_supervise") {
		t.Errorf("'tend job --help' lists the hidden _supervise command\noutput:\n%s", output)
	}
}

func TestWaveHelpListsAllSubcommands(t *testing.T) {
	output := captureKongHelp(t, "wave")
	for _, sub := range []string{"plan", "status", "run", "rerun", "clean"} {
		if !strings.Contains(output, sub) {
			t.Errorf("'tend wave --help' missing subcommand %q\noutput:\n%s", sub, output)
		}
	}
}

func TestJobStartHelpContainsPinnedContractFlags(t *testing.T) {
	output := captureKongHelp(t, "job", "start")
	for _, flag := range []string{"--worktree", "--repo", "--prompt-file", "--model", "--base-url", "--timeout-min", "--mode", "--no-auto-restart"} {
		if !strings.Contains(output, flag) {
			t.Errorf("'tend job start --help' missing %s\noutput:\n%s", flag, output)
		}
	}
}

func TestWatchdogHelpContainsScheduleFlags(t *testing.T) {
	output := captureKongHelp(t, "job", "watchdog")
	for _, flag := range []string{"--once", "--observe", "--interval", "--schedule", "--max-retries", "--concurrency"} {
		if !strings.Contains(output, flag) {
			t.Errorf("'tend job watchdog --help' missing %s\noutput:\n%s", flag, output)
		}
	}
}

// ─── Parsing ─────────────────────────────────────────────────────────────────

func TestKongPositionalArgsBeforeFlags(t *testing.T) {
	cases := []struct {
		name string
		args []string
	}{
		{"status ids then json", []string{"job", "status", "a", "b", "--json"}},
		{"restart then flag", []string{"job", "restart", "a", "--no-integrity"}},
		{"tail with -n and -f", []string{"job", "tail", "a", "-n", "5", "-f"}},
		{"gate embedded flags", []string{"job", "baseline-gate", "--required", "abc", "--job", "a", "--json"}},
		{"feature key", []string{"job", "feature-key-gate", "--key", "K", "--branch", "f", "--base", "main"}},
		{"wave run", []string{"wave", "run", "--from", "1", "--max-workers", "2", "--poll", "5s"}},
		{"supervise is parseable", []string{"job", "_supervise", "a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, _ := parseExpectOK(t, tc.args)
			if ctx == nil {
				t.Errorf("nil context for args %v", tc.args)
			}
		})
	}
}

func TestParseRejectsMissingRequiredFlags(t *testing.T) {
	parseExpectError(t, []string{"job", "integrity-gate", "--reported", "abc"})
	parseExpectError(t, []string{"job", "start"})
	parseExpectError(t, []string{"wave", "rerun"})
}

func TestWatchdogMaxRetriesDefaultsToUnset(t *testing.T) {
	_, cli := parseExpectOK(t, []string{"job", "watchdog", "--once"})
	if cli.Job.Watchdog.MaxRetries != -1 {
		t.Errorf("MaxRetries default = %d, want -1", cli.Job.Watchdog.MaxRetries)
	}
	if !cli.Job.Watchdog.Once {
		t.Error("--once not parsed")
	}
}

func TestRootFlagReadsEnv(t *testing.T) {
	t.Setenv("TEND_ROOT", "/tmp/somewhere")
	_, cli := parseExpectOK(t, []string{"version"})
	if cli.Root != "/tmp/somewhere" {
		t.Errorf("Root = %q, want value from TEND_ROOT", cli.Root)
	}
}
