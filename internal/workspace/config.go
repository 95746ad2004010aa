package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the .tend/config.yaml content.
type Config struct {
	Version   int               `yaml:"version"`
	Repos     map[string]string `yaml:"repos,omitempty"`
	Launcher  LauncherConfig    `yaml:"launcher"`
	Auth      AuthConfig        `yaml:"auth"`
	Watchdog  WatchdogConfig    `yaml:"watchdog"`
	Wave      WaveConfig        `yaml:"wave"`
	Telemetry TelemetryConfig   `yaml:"telemetry"`
}

// LauncherConfig describes how a job's child process is built.
type LauncherConfig struct {
	// Command is the argv template. {prompt}, {worktree} and {model} are
	// substituted; the prompt is appended when no {prompt} appears.
	Command    []string `yaml:"command"`
	Model      string   `yaml:"model,omitempty"`
	BaseURL    string   `yaml:"base_url,omitempty"`
	TimeoutMin int      `yaml:"timeout_min,omitempty"`
	Mode       string   `yaml:"mode"`
	GraceSec   int      `yaml:"stop_grace_sec"`
}

type AuthConfig struct {
	EnvVar          string   `yaml:"env_var"`
	CredentialFile  string   `yaml:"credential_file"`
	ProbeCommand    []string `yaml:"probe_command,omitempty"`
	ProbeTimeoutSec int      `yaml:"probe_timeout_sec"`
}

type WatchdogConfig struct {
	StallMinutes      int    `yaml:"stall_minutes"`
	MaxRetries        int    `yaml:"max_retries"`
	AutoRestart       bool   `yaml:"auto_restart"`
	IntervalSec       int    `yaml:"interval_sec"`
	Schedule          string `yaml:"schedule,omitempty"`
	Concurrency       int    `yaml:"concurrency"`
	ContractIntegrity bool   `yaml:"contract_integrity"`
}

type WaveConfig struct {
	MaxWorkers      int `yaml:"max_workers"`
	PollIntervalSec int `yaml:"poll_interval_sec"`
}

type TelemetryConfig struct {
	// Exporter is "" (disabled) or "stdout".
	Exporter string `yaml:"exporter,omitempty"`
}

// Default returns the config written by tend init.
func Default() Config {
	return Config{
		Version: 1,
		Repos:   map[string]string{},
		Launcher: LauncherConfig{
			Command:  []string{"claude", "-p", "{prompt}"},
			Mode:     "detached",
			GraceSec: 5,
		},
		Auth: AuthConfig{
			EnvVar:          "ANTHROPIC_API_KEY",
			CredentialFile:  "~/.claude/.credentials.json",
			ProbeTimeoutSec: 10,
		},
		Watchdog: WatchdogConfig{
			StallMinutes:      15,
			MaxRetries:        3,
			AutoRestart:       true,
			IntervalSec:       60,
			Concurrency:       4,
			ContractIntegrity: true,
		},
		Wave: WaveConfig{
			MaxWorkers:      4,
			PollIntervalSec: 10,
		},
	}
}

// ParseConfig decodes YAML over the defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse: %w", err)
	}
	if cfg.Repos == nil {
		cfg.Repos = map[string]string{}
	}
	return cfg, cfg.Validate()
}

// Marshal encodes the config as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	switch {
	case len(c.Launcher.Command) == 0:
		return fmt.Errorf("launcher.command must not be empty")
	case c.Launcher.Mode != "detached" && c.Launcher.Mode != "tty":
		return fmt.Errorf("launcher.mode %q: want detached or tty", c.Launcher.Mode)
	case c.Watchdog.StallMinutes <= 0:
		return fmt.Errorf("watchdog.stall_minutes must be positive")
	case c.Watchdog.MaxRetries < 0:
		return fmt.Errorf("watchdog.max_retries must not be negative")
	case c.Wave.MaxWorkers <= 0:
		return fmt.Errorf("wave.max_workers must be positive")
	}
	return nil
}

// ApplyEnv overlays TEND_* environment variables. Unparseable values are
// ignored.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v, ok := envInt(getenv, "TEND_STALL_MINUTES"); ok && v > 0 {
		c.Watchdog.StallMinutes = v
	}
	if v, ok := envInt(getenv, "TEND_MAX_RETRIES"); ok && v >= 0 {
		c.Watchdog.MaxRetries = v
	}
	if raw := getenv("TEND_AUTO_RESTART"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			c.Watchdog.AutoRestart = v
		}
	}
	if v, ok := envInt(getenv, "TEND_MAX_WORKERS"); ok && v > 0 {
		c.Wave.MaxWorkers = v
	}
	if raw := getenv("TEND_MODEL"); raw != "" {
		c.Launcher.Model = raw
	}
	if raw := getenv("TEND_BASE_URL"); raw != "" {
		c.Launcher.BaseURL = raw
	}
}

func envInt(getenv func(string) string, key string) (int, bool) {
	raw := strings.TrimSpace(getenv(key))
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	return v, err == nil
}

func (c WatchdogConfig) StallAfter() time.Duration {
	return time.Duration(c.StallMinutes) * time.Minute
}

func (c WatchdogConfig) Interval() time.Duration {
	if c.IntervalSec <= 0 {
		return time.Minute
	}
	return time.Duration(c.IntervalSec) * time.Second
}

func (c WaveConfig) PollInterval() time.Duration {
	if c.PollIntervalSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.PollIntervalSec) * time.Second
}

func (c AuthConfig) ProbeTimeout() time.Duration {
	if c.ProbeTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ProbeTimeoutSec) * time.Second
}

func (c LauncherConfig) Grace() time.Duration {
	if c.GraceSec <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.GraceSec) * time.Second
}

// CredentialPath expands a leading ~ in the credential file path.
func (c AuthConfig) CredentialPath() string {
	p := c.CredentialFile
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
