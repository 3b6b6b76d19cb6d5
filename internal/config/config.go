package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GitHubConfig holds settings for the GitHub API client.
type GitHubConfig struct {
	// Token authenticates API calls. Env override: GITHUB_TOKEN.
	Token string `yaml:"token"`

	// APIBaseURL defaults to https://api.github.com. Override for
	// GitHub Enterprise or tests.
	APIBaseURL string `yaml:"api_base_url"`

	TimeoutSeconds int `yaml:"timeout_seconds"`

	// DelegatedLabel is applied to issues once a task is created for them.
	DelegatedLabel string `yaml:"delegated_label"`
}

// QueueConfig holds settings for the execution queue dispatcher.
type QueueConfig struct {
	// DispatcherURL is the base URL of the external executor that
	// tasks are enqueued to. Empty means the in-memory dispatcher.
	DispatcherURL string `yaml:"dispatcher_url"`

	// CallbackBaseURL is our own externally reachable base URL, sent
	// with each enqueue so the executor can call back.
	CallbackBaseURL string `yaml:"callback_base_url"`

	// CallbackSecret authenticates executor callbacks via the
	// X-Queue-Secret header. Env override: TASKFORGE_QUEUE_SECRET.
	CallbackSecret string `yaml:"callback_secret"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// ScheduleConfig defines a recurring delegation sweep.
type ScheduleConfig struct {
	Name        string   `yaml:"name"`
	Repository  string   `yaml:"repository"` // "owner/repo"
	Labels      []string `yaml:"labels"`
	IssueState  string   `yaml:"issue_state"` // open, closed, all
	AutoApprove bool     `yaml:"auto_approve"`
	CronExpr    string   `yaml:"cron"`
}

// APIKeyEntry is a named API key accepted by the gateway.
type APIKeyEntry struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
}

// AuthConfig controls API key authentication on the HTTP gateway.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	APIKeys []APIKeyEntry `yaml:"api_keys"`
}

// RateLimitConfig controls per-client token bucket rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	Burst             int  `yaml:"burst"`
}

// CORSConfig controls cross-origin access to the HTTP gateway.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// OtelConfig controls OpenTelemetry trace and metric export.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	GitHub GitHubConfig `yaml:"github"`
	Queue  QueueConfig  `yaml:"queue"`

	// RetryMax caps automatic requeues after failure callbacks.
	RetryMax int `yaml:"retry_max"`

	// StaleQueuedThresholdSeconds is how long a task may sit QUEUED
	// before the reconciler flags it as stale.
	StaleQueuedThresholdSeconds int `yaml:"stale_queued_threshold_seconds"`

	// ReconcileIntervalSeconds is how often the stale reconciler runs.
	ReconcileIntervalSeconds int `yaml:"reconcile_interval_seconds"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// Retention policy (days). 0 = keep forever.
	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`
	RetentionAuditLogDays   int `yaml:"retention_audit_log_days"`

	Schedules []ScheduleConfig `yaml:"schedules"`

	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	CORS      CORSConfig      `yaml:"cors"`
	Otel      OtelConfig      `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at
// startup and after reloads so operators can tell which config is live.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|retry=%d|stale=%d|schedules=%d|auth=%v|rl=%v",
		c.BindAddr, c.LogLevel, c.RetryMax, c.StaleQueuedThresholdSeconds,
		len(c.Schedules), c.Auth.Enabled, c.RateLimit.Enabled)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:18990",
		LogLevel: "info",
		GitHub: GitHubConfig{
			APIBaseURL:     "https://api.github.com",
			TimeoutSeconds: 15,
			DelegatedLabel: "delegated",
		},
		Queue: QueueConfig{
			TimeoutSeconds: 10,
		},
		RetryMax:                    2,
		StaleQueuedThresholdSeconds: int((15 * time.Minute).Seconds()),
		ReconcileIntervalSeconds:    60,
		DrainTimeoutSeconds:         5,
		RetentionTaskEventsDays:     90,
		RetentionAuditLogDays:       365,
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 120,
			Burst:             30,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKFORGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskforge")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskforge home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.GitHub.APIBaseURL == "" {
		cfg.GitHub.APIBaseURL = "https://api.github.com"
	}
	cfg.GitHub.APIBaseURL = strings.TrimRight(cfg.GitHub.APIBaseURL, "/")
	if cfg.GitHub.TimeoutSeconds <= 0 {
		cfg.GitHub.TimeoutSeconds = 15
	}
	if cfg.GitHub.DelegatedLabel == "" {
		cfg.GitHub.DelegatedLabel = "delegated"
	}
	if cfg.Queue.TimeoutSeconds <= 0 {
		cfg.Queue.TimeoutSeconds = 10
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.StaleQueuedThresholdSeconds <= 0 {
		cfg.StaleQueuedThresholdSeconds = int((15 * time.Minute).Seconds())
	}
	if cfg.ReconcileIntervalSeconds <= 0 {
		cfg.ReconcileIntervalSeconds = 60
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 30
	}
	if cfg.Otel.Exporter == "" {
		cfg.Otel.Exporter = "none"
	}
	for i := range cfg.Schedules {
		if cfg.Schedules[i].IssueState == "" {
			cfg.Schedules[i].IssueState = "open"
		}
	}
}

func validate(cfg *Config) error {
	for _, s := range cfg.Schedules {
		if s.Repository == "" {
			return fmt.Errorf("schedule %q: repository is required", s.Name)
		}
		if !strings.Contains(s.Repository, "/") {
			return fmt.Errorf("schedule %q: repository must be owner/repo, got %q", s.Name, s.Repository)
		}
		if s.CronExpr == "" {
			return fmt.Errorf("schedule %q: cron expression is required", s.Name)
		}
		switch s.IssueState {
		case "open", "closed", "all":
		default:
			return fmt.Errorf("schedule %q: issue_state must be open, closed, or all", s.Name)
		}
	}
	if cfg.Auth.Enabled && len(cfg.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth enabled but no api keys configured")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKFORGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKFORGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GITHUB_TOKEN"); raw != "" {
		cfg.GitHub.Token = raw
	}
	if raw := os.Getenv("TASKFORGE_GITHUB_API_BASE_URL"); raw != "" {
		cfg.GitHub.APIBaseURL = raw
	}
	if raw := os.Getenv("TASKFORGE_QUEUE_DISPATCHER_URL"); raw != "" {
		cfg.Queue.DispatcherURL = raw
	}
	if raw := os.Getenv("TASKFORGE_QUEUE_SECRET"); raw != "" {
		cfg.Queue.CallbackSecret = raw
	}
	if raw := os.Getenv("TASKFORGE_CALLBACK_BASE_URL"); raw != "" {
		cfg.Queue.CallbackBaseURL = raw
	}
	if raw := os.Getenv("TASKFORGE_RETRY_MAX"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RetryMax = v
		}
	}
	if raw := os.Getenv("TASKFORGE_STALE_QUEUED_THRESHOLD_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.StaleQueuedThresholdSeconds = v
		}
	}
	if raw := os.Getenv("TASKFORGE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
}
