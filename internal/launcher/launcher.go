// Package launcher builds and starts the child process of a job.
package launcher

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/alessio/shellescape"

	"github.com/user/tend/internal/jobstore"
	"github.com/user/tend/internal/procstat"
)

// Spec is everything needed to build one run's child command.
type Spec struct {
	JobID    string
	RunID    string
	Worktree string
	Prompt   string
	Model    string
	BaseURL  string
	Mode     jobstore.Mode
	Timeout  time.Duration
}

// Placeholders recognised in the command template.
const (
	PromptPlaceholder   = "{prompt}"
	WorktreePlaceholder = "{worktree}"
	ModelPlaceholder    = "{model}"
)

// Argv expands a command template. When the template has no {prompt}
// placeholder the prompt is appended as the final argument. An argument
// that is exactly {model} is dropped, together with a preceding flag, when
// no model is set.
func Argv(template []string, s Spec) ([]string, error) {
	if len(template) == 0 {
		return nil, fmt.Errorf("launcher: empty command")
	}
	r := strings.NewReplacer(
		PromptPlaceholder, s.Prompt,
		WorktreePlaceholder, s.Worktree,
		ModelPlaceholder, s.Model,
	)
	sawPrompt := false
	out := make([]string, 0, len(template)+1)
	for _, arg := range template {
		if strings.Contains(arg, PromptPlaceholder) {
			sawPrompt = true
		}
		if arg == ModelPlaceholder && s.Model == "" {
			if n := len(out); n > 1 && strings.HasPrefix(out[n-1], "-") {
				out = out[:n-1]
			}
			continue
		}
		out = append(out, r.Replace(arg))
	}
	if !sawPrompt && s.Prompt != "" {
		out = append(out, s.Prompt)
	}
	return out, nil
}

// filteredEnv returns os.Environ() with the named keys removed.
func filteredEnv(remove ...string) []string {
	skip := make(map[string]bool, len(remove))
	for _, k := range remove {
		skip[k] = true
	}
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, e := range env {
		if idx := strings.IndexByte(e, '='); idx > 0 && skip[e[:idx]] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Env is the child environment: the supervisor's own minus CLAUDECODE,
// which makes a nested agent CLI refuse to start, plus the run identity.
func Env(s Spec) []string {
	env := filteredEnv("CLAUDECODE", "TEND_JOB_ID", "TEND_RUN_ID", "TEND_MODEL", "TEND_BASE_URL")
	env = append(env, "TEND_JOB_ID="+s.JobID, "TEND_RUN_ID="+s.RunID)
	if s.Model != "" {
		env = append(env, "TEND_MODEL="+s.Model)
	}
	if s.BaseURL != "" {
		env = append(env, "TEND_BASE_URL="+s.BaseURL)
	}
	return env
}

// WrapTTY runs argv under script(1) so the child sees a terminal and its
// output is copied to our stdout.
func WrapTTY(argv []string, goos string) []string {
	if goos == "darwin" || strings.HasSuffix(goos, "bsd") {
		return append([]string{"script", "-q", "/dev/null"}, argv...)
	}
	return []string{"script", "-q", "-e", "-f", "-c", shellescape.QuoteCommand(argv), "/dev/null"}
}

// Command builds the child for one run. Output goes to out. Cancelling ctx
// sends SIGTERM to the child and everything below it, and escalates to
// SIGKILL after grace. Under script(1) the agent runs in its own session, so
// signalling the child alone would miss it.
func Command(ctx context.Context, template []string, s Spec, out io.Writer, grace time.Duration) (*exec.Cmd, error) {
	argv, err := Argv(template, s)
	if err != nil {
		return nil, err
	}
	if s.Mode == jobstore.ModeTTY {
		argv = WrapTTY(argv, runtime.GOOS)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.Worktree
	cmd.Env = Env(s)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error { return terminateTree(cmd.Process.Pid, grace) }
	cmd.WaitDelay = grace
	return cmd, nil
}

// terminateTree sends SIGTERM to pid and its descendants now, and SIGKILL to
// the descendants still alive once grace has passed. The child itself is
// killed by exec.Cmd when WaitDelay expires.
func terminateTree(pid int, grace time.Duration) error {
	tree := procstat.Tree(context.Background(), pid)
	if len(tree) > 1 && grace > 0 {
		below := tree[1:]
		time.AfterFunc(grace, func() {
			var live []int
			for _, p := range below {
				if procstat.IsAlive(p) {
					live = append(live, p)
				}
			}
			procstat.SignalAll(live, syscall.SIGKILL) //nolint:errcheck
		})
	}
	return procstat.SignalAll(tree, syscall.SIGTERM)
}

// Detached starts `tend job _supervise <id>` as a new session leader, so the
// job outlives the invoking command and its pid is also its process group.
type Detached struct {
	// Exe is the tend binary; empty means os.Executable().
	Exe string
	// Args returns the arguments that make Exe supervise the job.
	Args    func(id string) []string
	LogPath func(id string) string
}

// Launch starts the wrapper and returns its pid. The log file is created
// (empty) before the wrapper starts.
func (d *Detached) Launch(_ context.Context, rec *jobstore.Record) (int, error) {
	exe := d.Exe
	if exe == "" {
		var err error
		if exe, err = os.Executable(); err != nil {
			return 0, fmt.Errorf("locate tend binary: %w", err)
		}
	}
	logPath := d.LogPath(rec.ID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, err
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open log: %w", err)
	}
	defer logFile.Close()

	cmd := exec.Command(exe, d.Args(rec.ID)...)
	cmd.Dir = rec.Worktree
	cmd.Env = filteredEnv("CLAUDECODE")
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start supervisor for %s: %w", rec.ID, err)
	}
	// Reap the wrapper if this process outlives it (watchdog, wave run).
	go cmd.Wait() //nolint:errcheck
	return cmd.Process.Pid, nil
}
