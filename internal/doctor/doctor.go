// Package doctor runs local diagnostic checks for the taskforge daemon:
// config presence, GitHub credentials, database health, filesystem
// permissions, and reachability of the GitHub API and the executor.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkGitHubToken,
		checkDatabase,
		checkPermissions,
		checkQueue,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "Configuration missing (needs genesis)"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkGitHubToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "GitHub Token", Status: "SKIP", Message: "Config missing"}
	}

	if cfg.GitHub.Token != "" {
		return CheckResult{Name: "GitHub Token", Status: "PASS", Message: "github.token is configured"}
	}
	if os.Getenv("GITHUB_TOKEN") != "" {
		return CheckResult{Name: "GitHub Token", Status: "PASS", Message: "GITHUB_TOKEN is set"}
	}

	return CheckResult{
		Name:    "GitHub Token",
		Status:  "WARN",
		Message: "No GitHub token configured",
		Detail:  "Set GITHUB_TOKEN or github.token in config.yaml; unauthenticated API access is heavily rate limited",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	dbPath := filepath.Join(cfg.HomeDir, "taskforge.db")
	store, err := persistence.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	counts, err := store.CountTasksByStatus(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	var total int64
	for _, n := range counts {
		total += n
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("tasks=%d", total),
	}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkQueue(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Queue", Status: "SKIP", Message: "Config missing"}
	}

	if cfg.Queue.DispatcherURL == "" {
		return CheckResult{
			Name:    "Queue",
			Status:  "WARN",
			Message: "queue.dispatcher_url is empty",
			Detail:  "Approved tasks will use the in-memory dispatcher and never execute",
		}
	}

	u, err := url.Parse(cfg.Queue.DispatcherURL)
	if err != nil || u.Host == "" {
		return CheckResult{Name: "Queue", Status: "FAIL", Message: fmt.Sprintf("Invalid dispatcher URL %q", cfg.Queue.DispatcherURL)}
	}

	host := u.Hostname()
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := net.DefaultResolver.LookupHost(lookupCtx, host); err != nil {
		return CheckResult{
			Name:    "Queue",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for executor host %s: %v", host, err),
		}
	}

	result := CheckResult{Name: "Queue", Status: "PASS", Message: fmt.Sprintf("Executor host %s resolves", host)}
	if cfg.Queue.CallbackBaseURL == "" {
		result.Status = "WARN"
		result.Message += "; queue.callback_base_url is empty"
		result.Detail = "Without a callback base URL the executor cannot report task completion"
	}
	return result
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	host := "api.github.com"
	if cfg.GitHub.APIBaseURL != "" {
		if u, err := url.Parse(cfg.GitHub.APIBaseURL); err == nil && u.Hostname() != "" {
			host = u.Hostname()
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("addresses=%s", strings.Join(addrs, ",")),
	}
}
