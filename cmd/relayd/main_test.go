package main

import (
	"errors"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/basket/codex-relay/internal/config"
	"github.com/basket/codex-relay/internal/relay"
)

func unsetEnv(t *testing.T, key string) {
	t.Helper()
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unset %s: %v", key, err)
	}
}

func TestRelayOptions(t *testing.T) {
	enabled := false
	cfg := config.Config{
		RequestTimeoutSeconds:        20,
		ReadTimeoutSeconds:           7,
		StatusRefreshIntervalSeconds: 90,
		StatusPageSize:               50,
		UI:                           config.UIConfig{Enabled: &enabled},
		Resolver: config.ResolverConfig{
			ResourceReads: []config.ReadStrategy{{Method: "resources/read", ServerKey: "server"}},
		},
	}
	opts := relayOptions(cfg, nil, nil, nil)

	if opts.RequestTimeout != 20*time.Second || opts.ReadTimeout != 7*time.Second {
		t.Fatalf("timeouts = %v/%v", opts.RequestTimeout, opts.ReadTimeout)
	}
	if opts.RefreshInterval != 90*time.Second || opts.StatusPageSize != 50 {
		t.Fatalf("refresh = %v page = %d", opts.RefreshInterval, opts.StatusPageSize)
	}
	if opts.RenderPolicy == nil || opts.RenderPolicy.Enabled() {
		t.Fatalf("render policy = %+v", opts.RenderPolicy)
	}
	want := []relay.ReadStrategy{{Method: "resources/read", ServerKey: "server"}}
	if len(opts.ResourceReads) != 1 || opts.ResourceReads[0] != want[0] {
		t.Fatalf("resource reads = %+v", opts.ResourceReads)
	}
	if opts.TemplateReads != nil {
		t.Fatalf("empty template reads should keep defaults, got %+v", opts.TemplateReads)
	}
}

func TestRestartNeeded(t *testing.T) {
	base := config.Config{BindAddr: "127.0.0.1:8787", LogLevel: "info"}

	uiOnly := base
	disabled := false
	uiOnly.UI = config.UIConfig{Enabled: &disabled, BlockedApps: []string{"figma"}}
	if restartNeeded(base, uiOnly) {
		t.Fatal("ui-only change should not need a restart")
	}

	moved := base
	moved.BindAddr = "127.0.0.1:9999"
	if !restartNeeded(base, moved) {
		t.Fatal("bind address change should need a restart")
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("RELAY_HOME", home)
	clearUIEnv(t)

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("expected genesis on empty home")
	}
	if err := writeDefaultConfig(cfg); err != nil {
		t.Fatalf("write default config: %v", err)
	}
	again, err := config.LoadFrom(home)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.NeedsGenesis {
		t.Fatal("config.yaml should exist after genesis")
	}
	if again.Fingerprint() != cfg.Fingerprint() {
		t.Fatalf("written defaults changed the config: %s vs %s", again.Fingerprint(), cfg.Fingerprint())
	}
}

func TestIsAddrInUse(t *testing.T) {
	err := &os.SyscallError{Syscall: "bind", Err: syscall.EADDRINUSE}
	if !isAddrInUse(err) {
		t.Fatal("expected EADDRINUSE to be detected")
	}
	if !isAddrInUse(errors.New("listen tcp: address already in use")) {
		t.Fatal("expected message match")
	}
	if isAddrInUse(errors.New("permission denied")) {
		t.Fatal("unexpected match")
	}
}

func TestPortOccupantHint(t *testing.T) {
	orig := execCommandFunc
	t.Cleanup(func() { execCommandFunc = orig })

	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("echo", "4242") }
	if got := portOccupantHint("127.0.0.1:8787"); got != "Port 8787 is occupied by PID 4242. Kill it with: kill 4242" {
		t.Fatalf("hint = %q", got)
	}

	execCommandFunc = func(string, ...string) *exec.Cmd { return exec.Command("false") }
	if got := portOccupantHint("127.0.0.1:8787"); got != "Port 8787 is already in use. Stop the existing process or change bind_addr in config.yaml." {
		t.Fatalf("hint = %q", got)
	}

	if got := portOccupantHint("bogus"); got != "Another process is using bogus. Stop it first or change bind_addr in config.yaml." {
		t.Fatalf("hint = %q", got)
	}
}
