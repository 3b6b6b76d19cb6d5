package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskforge/internal/audit"
	"github.com/basket/taskforge/internal/bus"
	"github.com/basket/taskforge/internal/config"
	"github.com/basket/taskforge/internal/coordinator"
	"github.com/basket/taskforge/internal/cron"
	"github.com/basket/taskforge/internal/engine"
	"github.com/basket/taskforge/internal/gateway"
	"github.com/basket/taskforge/internal/github"
	otelPkg "github.com/basket/taskforge/internal/otel"
	"github.com/basket/taskforge/internal/persistence"
	"github.com/basket/taskforge/internal/queue"
	"github.com/basket/taskforge/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the delegation daemon

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKFORGE_HOME          Data directory (default: ~/.taskforge)
  GITHUB_TOKEN            GitHub API token for issue delegation
  TASKFORGE_QUEUE_SECRET  Shared secret for executor callbacks

EXAMPLES:
  Run the daemon:         %s
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit only needs homeDir, so it comes up before the logger and
	// can record logger init failures.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version)

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.Auth.Enabled {
			logger.Warn("auth is disabled on a non-loopback bind; anyone who can reach this address can approve tasks", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := config.Genesis(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter schedules", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	// Create event bus early so it can be passed to the store.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Exporter: cfg.Otel.Exporter,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	dbPath := filepath.Join(cfg.HomeDir, "taskforge.db")
	store, err := persistence.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	var dispatcher queue.Dispatcher
	if cfg.Queue.DispatcherURL != "" {
		dispatcher = queue.NewHTTPDispatcher(
			cfg.Queue.DispatcherURL,
			cfg.Queue.CallbackSecret,
			time.Duration(cfg.Queue.TimeoutSeconds)*time.Second,
		)
		logger.Info("using HTTP dispatcher", "url", cfg.Queue.DispatcherURL)
	} else {
		dispatcher = queue.NewMemoryDispatcher()
		logger.Warn("queue.dispatcher_url is empty; using in-memory dispatcher (tasks are not executed)")
	}

	manager := engine.NewManager(store, dispatcher, eventBus, logger, engine.Options{
		CallbackBaseURL: cfg.Queue.CallbackBaseURL,
		RetryMax:        cfg.RetryMax,
	})

	if cfg.GitHub.Token == "" {
		logger.Warn("github.token is empty; delegation sweeps against private repos will fail")
	}
	ghClient := github.NewClient(
		cfg.GitHub.APIBaseURL,
		cfg.GitHub.Token,
		time.Duration(cfg.GitHub.TimeoutSeconds)*time.Second,
	)
	coord := coordinator.New(store, manager, ghClient, eventBus, logger, cfg.GitHub.DelegatedLabel)

	// Startup recovery scan: surface tasks that sat QUEUED across a
	// restart before the periodic reconciler would get to them.
	staleCount, err := manager.ReconcileStale(ctx, cfg.StaleQueuedThresholdSeconds)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "stale_queued", staleCount)

	cronSched := cron.NewScheduler(cron.Config{
		Coordinator:            coord,
		Manager:                manager,
		Store:                  store,
		Logger:                 logger,
		Interval:               time.Duration(cfg.ReconcileIntervalSeconds) * time.Second,
		Schedules:              cfg.Schedules,
		StaleThresholdSeconds:  cfg.StaleQueuedThresholdSeconds,
		RetentionTaskEventDays: cfg.RetentionTaskEventsDays,
		RetentionAuditLogDays:  cfg.RetentionAuditLogDays,
	})
	cronSched.Start(ctx)
	defer cronSched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started", "schedules", len(cfg.Schedules))

	gw := gateway.New(gateway.Config{
		Store:                 store,
		Coordinator:           coord,
		Manager:               manager,
		Bus:                   eventBus,
		Logger:                logger,
		QueueSecret:           cfg.Queue.CallbackSecret,
		AllowOrigins:          cfg.CORS.AllowedOrigins,
		ConfigFingerprint:     cfg.Fingerprint(),
		StaleThresholdSeconds: cfg.StaleQueuedThresholdSeconds,
		Tracer:                otelProvider.Tracer,
		Metrics:               metrics,
	})

	rl := gateway.NewRateLimitMiddleware(cfg.RateLimit)
	rl.SetRejectCounter(metrics.RateLimitRejects)
	rl.StartEviction(ctx, 5*time.Minute, 30*time.Minute)

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			if filepath.Base(ev.Path) != "config.yaml" {
				continue
			}
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			cronSched.UpdateSchedules(newCfg.Schedules)
			cronSched.UpdateStaleThreshold(newCfg.StaleQueuedThresholdSeconds)
			manager.SetRetryMax(newCfg.RetryMax)
			rl.UpdateLimits(newCfg.RateLimit.RequestsPerMinute, newCfg.RateLimit.Burst)
			gw.UpdateRuntimeConfig(newCfg.Fingerprint(), newCfg.StaleQueuedThresholdSeconds)
			eventBus.Publish(bus.TopicConfigUpdated, newCfg.Fingerprint())
			logger.Info("config.yaml hot-reloaded", "schedules", len(newCfg.Schedules), "config_hash", newCfg.Fingerprint())
		}
	}()

	am := gateway.NewAuthMiddleware(cfg.Auth)
	cors := gateway.NewCORSMiddleware(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins)

	handler := cors(gateway.RequestSizeLimitMiddleware(0)(rl.Wrap(am.Wrap(gw.Handler()))))

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: handler,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Graceful shutdown: stop intake first, then let in-flight
	// handlers drain within the configured bound. The scheduler and
	// store close via their deferred stops.
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(context.Background(), "runtime.startup", reasonCode, "", "system", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
