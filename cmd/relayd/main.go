package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/attribute"
	"gopkg.in/yaml.v3"

	"github.com/basket/codex-relay/internal/appserver"
	"github.com/basket/codex-relay/internal/config"
	otelPkg "github.com/basket/codex-relay/internal/otel"
	"github.com/basket/codex-relay/internal/refresh"
	"github.com/basket/codex-relay/internal/relay"
	"github.com/basket/codex-relay/internal/server"
	"github.com/basket/codex-relay/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the relay (app-server worker + /ws push channel)

SUBCOMMANDS:
  %s status                   Show relay health (/healthz)
  %s doctor [-json]           Run local preflight checks
  %s policy show              Print the embedded UI render policy
  %s policy set [flags]       Update the render policy in config.yaml
                              Flags: -enabled, -allow a,b, -block c

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  RELAY_HOME                  Data directory (default: ~/.codex-relay)
  RELAY_BIND_ADDR             Listen address override
  RELAY_WORKER_COMMAND        app-server executable override
  RELAY_AUTH_TOKEN            Bearer token required on /ws
  EMBEDDED_UI_ENABLED         Set to false to disable embedded UI
  EMBEDDED_UI_ALLOWED_APPS    Comma-separated allow list
  EMBEDDED_UI_BLOCKED_APPS    Comma-separated block list
`)
}

func main() {
	foreground := flag.Bool("foreground", false, "always log to stdout, even when it is not a terminal")
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
		case "policy":
			os.Exit(runPolicyCommand(args[1:], os.Stdout))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:], os.Stdout))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			os.Exit(2)
		}
	}

	// Logs go to the file only when stdout is not a terminal.
	quietLogs := !*foreground && !isatty.IsTerminal(os.Stdout.Fd())
	os.Exit(run(ctx, quietLogs))
}

func run(ctx context.Context, quietLogs bool) int {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "fingerprint", cfg.Fingerprint())
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("relay bound to a non-loopback address without auth_token", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := writeDefaultConfig(cfg); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel,
		attribute.String("relay.worker.command", cfg.Worker.Command),
		attribute.String("relay.bind_addr", cfg.BindAddr),
	)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	transport, err := appserver.NewStdioTransport(cfg.Worker.Command, cfg.Worker.Args, cfg.Worker.Env, logger)
	if err != nil {
		fatalStartup(logger, "E_WORKER_START", err)
	}
	logger.Info("startup phase", "phase", "worker_started", "command", cfg.Worker.Command)

	gw := relay.New(transport, relayOptions(cfg, logger, otelProvider, metrics))
	defer gw.Close()

	// Warm the directory so the first resource read does not pay for it.
	warmCtx, cancelWarm := context.WithTimeout(ctx, cfg.RequestTimeout())
	if servers, err := gw.RefreshStatus(warmCtx); err != nil {
		logger.Warn("initial status refresh failed", "error", err)
	} else {
		logger.Info("startup phase", "phase", "status_warmed", "servers", servers)
	}
	cancelWarm()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go watchConfig(confWatcher, cfg, gw, logger)

	sched, err := refresh.NewScheduler(refresh.Config{
		Schedule:  cfg.StatusRefreshSchedule,
		Refresher: gw,
		Logger:    logger,
		Timeout:   cfg.RequestTimeout(),
	})
	if err != nil {
		fatalStartup(logger, "E_REFRESH_SCHEDULE", err)
	}
	if sched != nil {
		sched.Start(ctx)
		defer sched.Stop()
	}

	srv := server.New(server.Config{
		Relay:        gw,
		Logger:       logger,
		Tracer:       otelProvider.Tracer,
		Metrics:      metrics,
		AuthToken:    cfg.AuthToken,
		AllowOrigins: cfg.AllowOrigins,
		QueueSize:    cfg.PushQueueSize,
	})
	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("relay listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("relay server error", "error", err)
		exitCode = 1
	case <-gw.Done():
		// A dead worker fails every call; exit so a supervisor can restart it.
		logger.Error("app-server stopped", "error", gw.Err())
		exitCode = 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
	return exitCode
}

// relayOptions maps config onto Gateway options.
func relayOptions(cfg config.Config, logger *slog.Logger, provider *otelPkg.Provider, metrics *otelPkg.Metrics) relay.Options {
	renderPolicy := cfg.RenderPolicy()
	opts := relay.Options{
		Logger:          logger,
		Metrics:         metrics,
		RenderPolicy:    &renderPolicy,
		RequestTimeout:  cfg.RequestTimeout(),
		ReadTimeout:     cfg.ReadTimeout(),
		RefreshInterval: cfg.StatusRefreshInterval(),
		StatusPageSize:  cfg.StatusPageSize,
		ResourceReads:   readStrategies(cfg.Resolver.ResourceReads),
		TemplateReads:   readStrategies(cfg.Resolver.TemplateReads),
	}
	if provider != nil {
		opts.Tracer = provider.Tracer
	}
	return opts
}

func readStrategies(in []config.ReadStrategy) []relay.ReadStrategy {
	if len(in) == 0 {
		return nil
	}
	out := make([]relay.ReadStrategy, 0, len(in))
	for _, s := range in {
		out = append(out, relay.ReadStrategy{Method: s.Method, ServerKey: s.ServerKey})
	}
	return out
}

// watchConfig applies render policy changes from config.yaml to the live
// Gateway. Other settings need a restart.
func watchConfig(w *config.Watcher, current config.Config, gw *relay.Gateway, logger *slog.Logger) {
	for ev := range w.Events() {
		logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
		next, err := config.LoadFrom(current.HomeDir)
		if err != nil {
			logger.Error("config.yaml reload rejected; retaining previous settings", "error", err)
			continue
		}
		if p := next.RenderPolicy(); p.Version() != gw.RenderPolicy().Version() {
			gw.SetRenderPolicy(p)
			logger.Info("render policy hot-reloaded", "policy_version", p.Version())
		}
		if restartNeeded(current, next) {
			logger.Warn("config.yaml changed; restart to apply settings other than ui", "fingerprint", next.Fingerprint())
		}
		current = next
	}
}

// restartNeeded reports whether anything outside the ui section changed.
func restartNeeded(prev, next config.Config) bool {
	prev.UI, next.UI = config.UIConfig{}, config.UIConfig{}
	return prev.Fingerprint() != next.Fingerprint()
}

// writeDefaultConfig persists the loaded defaults so operators have a file
// to edit.
func writeDefaultConfig(cfg config.Config) error {
	raw := map[string]any{
		"bind_addr": cfg.BindAddr,
		"log_level": cfg.LogLevel,
		"worker": map[string]any{
			"command": cfg.Worker.Command,
			"args":    cfg.Worker.Args,
		},
		"request_timeout_seconds":         cfg.RequestTimeoutSeconds,
		"read_timeout_seconds":            cfg.ReadTimeoutSeconds,
		"status_refresh_interval_seconds": cfg.StatusRefreshIntervalSeconds,
		"status_page_size":                cfg.StatusPageSize,
		"push_queue_size":                 cfg.PushQueueSize,
		"ui":                              map[string]any{"enabled": true},
	}
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(cfg.HomeDir), data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"relay","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var sysErr *os.SyscallError
	if errors.As(err, &sysErr) {
		return errors.Is(sysErr.Err, syscall.EADDRINUSE)
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
