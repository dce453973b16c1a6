// Package doctor runs local preflight checks for the relay.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/codex-relay/internal/config"
	"github.com/basket/codex-relay/internal/refresh"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// lookPath is swapped in tests.
var lookPath = exec.LookPath

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
		checkPermissions,
		checkWorker,
		checkAPIKey,
		checkSchedule,
		checkListener,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; defaults will be written on first start"}
	}
	return CheckResult{Name: "Config", Status: StatusPass, Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir), Detail: cfg.Fingerprint()}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home directory writable"}
}

func checkWorker(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Worker", Status: StatusSkip, Message: "Config missing"}
	}
	path, err := lookPath(cfg.Worker.Command)
	if err != nil {
		return CheckResult{
			Name:    "Worker",
			Status:  StatusFail,
			Message: fmt.Sprintf("%s not found", cfg.Worker.Command),
			Detail:  "Install the codex CLI or set worker.command in config.yaml",
		}
	}
	return CheckResult{Name: "Worker", Status: StatusPass, Message: fmt.Sprintf("Using %s", path), Detail: fmt.Sprintf("args=%v", cfg.Worker.Args)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: StatusSkip, Message: "Config missing"}
	}
	const envVar = "OPENAI_API_KEY"
	if _, ok := cfg.Worker.Env[envVar]; ok {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("%s set in worker.env", envVar)}
	}
	if os.Getenv(envVar) != "" {
		return CheckResult{Name: "API Key", Status: StatusPass, Message: fmt.Sprintf("%s is set", envVar)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  StatusWarn,
		Message: fmt.Sprintf("%s not set", envVar),
		Detail:  "The worker may still be signed in through its own login",
	}
}

func checkSchedule(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.StatusRefreshSchedule == "" {
		return CheckResult{Name: "Refresh Schedule", Status: StatusSkip, Message: "No status_refresh_schedule configured"}
	}
	next, err := refresh.NextRunTime(cfg.StatusRefreshSchedule, time.Now())
	if err != nil {
		return CheckResult{Name: "Refresh Schedule", Status: StatusFail, Message: fmt.Sprintf("Invalid cron expression %q: %v", cfg.StatusRefreshSchedule, err)}
	}
	return CheckResult{Name: "Refresh Schedule", Status: StatusPass, Message: fmt.Sprintf("Next refresh at %s", next.Format(time.RFC3339))}
}

// checkListener binds and releases bind_addr. A busy port is only a warning
// since it is usually a relay that is already running.
func checkListener(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Listener", Status: StatusSkip, Message: "Config missing"}
	}
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "listen" {
			return CheckResult{Name: "Listener", Status: StatusWarn, Message: fmt.Sprintf("%s unavailable: %v", cfg.BindAddr, err), Detail: "Run `relayd status` to check for a running relay"}
		}
		return CheckResult{Name: "Listener", Status: StatusFail, Message: fmt.Sprintf("%s invalid: %v", cfg.BindAddr, err)}
	}
	ln.Close()
	return CheckResult{Name: "Listener", Status: StatusPass, Message: fmt.Sprintf("%s is free", cfg.BindAddr)}
}
