package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StarterSchedules returns example delegation sweeps for first-run
// setup. Written into config.yaml only when no config exists yet.
func StarterSchedules() []ScheduleConfig {
	return []ScheduleConfig{
		{
			Name:       "nightly-bugs",
			Repository: "your-org/your-repo",
			Labels:     []string{"bug", "good first issue"},
			IssueState: "open",
			CronExpr:   "0 2 * * *",
		},
	}
}

// Genesis writes a starter config.yaml into homeDir. It refuses to
// overwrite an existing file.
func Genesis(homeDir string) error {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config.yaml already exists at %s", path)
	}

	cfg := defaultConfig()
	cfg.Schedules = StarterSchedules()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal starter config: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}
