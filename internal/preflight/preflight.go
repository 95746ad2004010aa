// Package preflight resolves where a job's credentials come from and checks
// that a launch can succeed, without ever reading secret values.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Exit codes reported by Run.
const (
	CodeOK         = 0
	CodeGeneral    = 1
	CodeAuth       = 10
	CodeCredential = 11
)

// Auth modes.
const (
	ModeAPIKey = "api_key"
	ModeOAuth  = "oauth"
	ModeNone   = "none"
)

// Config selects the credential chain to inspect.
type Config struct {
	EnvVar         string
	CredentialFile string
	ProbeCommand   []string
	ProbeTimeout   time.Duration
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Auth is the non-secret description of a resolved credential.
type Auth struct {
	Source string `json:"source"`
	Mode   string `json:"mode"`
}

func (c Config) getenv(k string) string {
	if c.Getenv != nil {
		return c.Getenv(k)
	}
	return os.Getenv(k)
}

// Resolve walks the credential chain: an API key in the environment wins
// over a credential file. Only presence is checked.
func Resolve(c Config) Auth {
	if c.EnvVar != "" && strings.TrimSpace(c.getenv(c.EnvVar)) != "" {
		return Auth{Source: "env:" + c.EnvVar, Mode: ModeAPIKey}
	}
	if c.CredentialFile != "" {
		if fi, err := os.Stat(c.CredentialFile); err == nil && fi.Mode().IsRegular() {
			return Auth{Source: "file:" + c.CredentialFile, Mode: ModeOAuth}
		}
	}
	return Auth{Source: "none", Mode: ModeNone}
}

// Check is one preflight finding.
type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Report is the full preflight result.
type Report struct {
	Auth   Auth    `json:"auth"`
	Checks []Check `json:"checks"`
	Code   int     `json:"code"`
}

// OK reports whether every check passed.
func (r Report) OK() bool { return r.Code == CodeOK }

func (r *Report) add(name string, err error, code int) {
	c := Check{Name: name, OK: err == nil}
	if err != nil {
		c.Detail = err.Error()
		if r.Code == CodeOK {
			r.Code = code
		}
	}
	r.Checks = append(r.Checks, c)
}

// Run resolves auth and performs the checks in order: launcher binary on
// PATH, credential file sanity (when it is the source), a credential
// present at all, then the optional probe command. The first failure sets
// the report code.
func Run(ctx context.Context, c Config, launcherCmd []string) Report {
	r := Report{Auth: Resolve(c)}

	if len(launcherCmd) == 0 {
		r.add("launcher", errors.New("no launcher command configured"), CodeGeneral)
	} else if path, err := exec.LookPath(launcherCmd[0]); err != nil {
		r.add("launcher", fmt.Errorf("%s not found on PATH", launcherCmd[0]), CodeGeneral)
	} else {
		r.Checks = append(r.Checks, Check{Name: "launcher", OK: true, Detail: path})
	}

	if r.Auth.Mode == ModeOAuth {
		r.add("credential_file", CheckCredentialFile(c.CredentialFile), CodeCredential)
	}

	if r.Auth.Mode == ModeNone {
		r.add("auth", fmt.Errorf("no credential: set %s or create %s", c.EnvVar, c.CredentialFile), CodeAuth)
	} else {
		r.Checks = append(r.Checks, Check{Name: "auth", OK: true, Detail: r.Auth.Source})
	}

	if len(c.ProbeCommand) > 0 {
		r.add("probe", Probe(ctx, c.ProbeCommand, c.ProbeTimeout), CodeAuth)
	}
	return r
}

// CheckCredentialFile validates a credential file without reading it: it
// must be a non-empty regular file that other users cannot read.
func CheckCredentialFile(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("credential file: %w", err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("credential file %s is not a regular file", path)
	}
	if fi.Size() == 0 {
		return fmt.Errorf("credential file %s is empty", path)
	}
	if fi.Mode().Perm()&0o004 != 0 {
		return fmt.Errorf("credential file %s is world-readable (mode %v)", path, fi.Mode().Perm())
	}
	return nil
}

// Probe runs the auth probe command under its own timeout so a hung
// credential helper fails fast.
func Probe(ctx context.Context, argv []string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("auth probe timed out after %v", timeout)
	}
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return fmt.Errorf("auth probe failed: %w: %s", err, msg)
	}
	return nil
}
