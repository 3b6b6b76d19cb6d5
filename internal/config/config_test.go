package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenNoFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFORGE_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected NeedsGenesis with no config.yaml")
	}
	if cfg.BindAddr != "127.0.0.1:18990" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.GitHub.APIBaseURL != "https://api.github.com" {
		t.Fatalf("github base url = %q", cfg.GitHub.APIBaseURL)
	}
	if cfg.GitHub.DelegatedLabel != "delegated" {
		t.Fatalf("delegated label = %q", cfg.GitHub.DelegatedLabel)
	}
	if cfg.StaleQueuedThresholdSeconds != 900 {
		t.Fatalf("stale threshold = %d", cfg.StaleQueuedThresholdSeconds)
	}
	if cfg.RetryMax != 2 {
		t.Fatalf("retry max = %d", cfg.RetryMax)
	}
}

func TestLoad_ParsesSchedulesAndNormalizes(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFORGE_HOME", home)

	yaml := `
bind_addr: "0.0.0.0:9000"
log_level: debug
github:
  api_base_url: "https://github.example.com/api/v3/"
schedules:
  - name: sweep
    repository: acme/widgets
    labels: [bug]
    cron: "*/15 * * * *"
    auto_approve: true
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis should be false with config present")
	}
	if cfg.BindAddr != "0.0.0.0:9000" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	// Trailing slash stripped.
	if cfg.GitHub.APIBaseURL != "https://github.example.com/api/v3" {
		t.Fatalf("github base url = %q", cfg.GitHub.APIBaseURL)
	}
	if len(cfg.Schedules) != 1 {
		t.Fatalf("schedules = %d", len(cfg.Schedules))
	}
	s := cfg.Schedules[0]
	if s.IssueState != "open" {
		t.Fatalf("issue_state default = %q, want open", s.IssueState)
	}
	if !s.AutoApprove {
		t.Fatal("auto_approve not parsed")
	}
}

func TestLoad_RejectsBadSchedule(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFORGE_HOME", home)

	yaml := `
schedules:
  - name: broken
    repository: not-a-repo
    cron: "* * * * *"
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(); err == nil {
		t.Fatal("expected error for repository without owner/repo form")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFORGE_HOME", home)
	t.Setenv("TASKFORGE_BIND_ADDR", "127.0.0.1:7777")
	t.Setenv("GITHUB_TOKEN", "ghp_testtoken00000000000000")
	t.Setenv("TASKFORGE_RETRY_MAX", "5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7777" {
		t.Fatalf("bind addr = %q", cfg.BindAddr)
	}
	if cfg.GitHub.Token != "ghp_testtoken00000000000000" {
		t.Fatal("env token not applied")
	}
	if cfg.RetryMax != 5 {
		t.Fatalf("retry max = %d", cfg.RetryMax)
	}
}

func TestLoad_AuthRequiresKeys(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFORGE_HOME", home)

	yaml := `
auth:
  enabled: true
`
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(); err == nil {
		t.Fatal("expected error when auth enabled without keys")
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs should share a fingerprint")
	}
	b.RetryMax = 9
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("fingerprint should change with retry_max")
	}
}

func TestGenesis_WritesStarterAndRefusesOverwrite(t *testing.T) {
	home := t.TempDir()
	if err := Genesis(home); err != nil {
		t.Fatalf("Genesis: %v", err)
	}
	if _, err := os.Stat(ConfigPath(home)); err != nil {
		t.Fatalf("config.yaml not written: %v", err)
	}
	if err := Genesis(home); err == nil {
		t.Fatal("expected error on second Genesis")
	}
}
