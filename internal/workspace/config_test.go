package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseConfig_OverlaysDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := ParseConfig([]byte("watchdog:\n  max_retries: 7\nwave:\n  max_workers: 2\n"))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Watchdog.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d, want 7", cfg.Watchdog.MaxRetries)
	}
	if cfg.Wave.MaxWorkers != 2 {
		t.Errorf("MaxWorkers = %d, want 2", cfg.Wave.MaxWorkers)
	}
	if cfg.Watchdog.StallMinutes != 15 {
		t.Errorf("StallMinutes = %d, want default 15", cfg.Watchdog.StallMinutes)
	}
	if cfg.Launcher.Mode != "detached" {
		t.Errorf("Mode = %q, want detached", cfg.Launcher.Mode)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{"bad mode", "launcher:\n  mode: screen\n"},
		{"zero stall", "watchdog:\n  stall_minutes: 0\n"},
		{"negative retries", "watchdog:\n  max_retries: -1\n"},
		{"empty command", "launcher:\n  command: []\n"},
		{"zero workers", "wave:\n  max_workers: 0\n"},
	}
	for _, tt := range tests {
		if _, err := ParseConfig([]byte(tt.yaml)); err == nil {
			t.Errorf("%s: expected validation error", tt.name)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"TEND_STALL_MINUTES": "30",
		"TEND_MAX_RETRIES":   "0",
		"TEND_AUTO_RESTART":  "false",
		"TEND_MAX_WORKERS":   "notanumber",
		"TEND_MODEL":         "opus",
		"TEND_BASE_URL":      "http://proxy:8080",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.Watchdog.StallMinutes != 30 {
		t.Errorf("StallMinutes = %d, want 30", cfg.Watchdog.StallMinutes)
	}
	if cfg.Watchdog.MaxRetries != 0 {
		t.Errorf("MaxRetries = %d, want 0", cfg.Watchdog.MaxRetries)
	}
	if cfg.Watchdog.AutoRestart {
		t.Error("AutoRestart should be false")
	}
	if cfg.Wave.MaxWorkers != 4 {
		t.Errorf("MaxWorkers = %d, want unchanged 4", cfg.Wave.MaxWorkers)
	}
	if cfg.Launcher.Model != "opus" || cfg.Launcher.BaseURL != "http://proxy:8080" {
		t.Errorf("launcher = %+v", cfg.Launcher)
	}
	if cfg.Watchdog.StallAfter() != 30*time.Minute {
		t.Errorf("StallAfter = %v", cfg.Watchdog.StallAfter())
	}
}

func TestCredentialPath(t *testing.T) {
	t.Parallel()
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	c := AuthConfig{CredentialFile: "~/.creds/token.json"}
	if got, want := c.CredentialPath(), filepath.Join(home, ".creds", "token.json"); got != want {
		t.Errorf("CredentialPath = %q, want %q", got, want)
	}
	c.CredentialFile = "/etc/creds"
	if got := c.CredentialPath(); got != "/etc/creds" {
		t.Errorf("CredentialPath = %q, want /etc/creds", got)
	}
}

func TestWriteFileAtomic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "meta")
	if err := WriteFileAtomic(path, []byte("a=1\n"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic: %v", err)
	}
	if err := WriteFileAtomic(path, []byte("a=2\n"), 0o644); err != nil {
		t.Fatalf("WriteFileAtomic overwrite: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "a=2\n" {
		t.Errorf("content = %q, want %q", data, "a=2\n")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %d entries", len(entries))
	}
}
