package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	otelPkg "github.com/basket/codex-relay/internal/otel"
	"github.com/basket/codex-relay/internal/policy"
)

// WorkerConfig describes how to launch the app-server process.
type WorkerConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// UIConfig is the embedded UI render policy as written in config.yaml.
type UIConfig struct {
	// Enabled defaults to true when unset.
	Enabled     *bool    `yaml:"enabled"`
	AllowedApps []string `yaml:"allowed_apps"`
	BlockedApps []string `yaml:"blocked_apps"`
}

// ReadStrategy is one resource read call shape.
type ReadStrategy struct {
	Method    string `yaml:"method"`
	ServerKey string `yaml:"server_key"`
}

// ResolverConfig overrides the resource read call shapes. Empty lists keep
// the built-in order.
type ResolverConfig struct {
	ResourceReads []ReadStrategy `yaml:"resource_reads"`
	TemplateReads []ReadStrategy `yaml:"template_reads"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls which Origin headers are accepted for browser WS
	// connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// AuthToken, when set, is required as a bearer token on /ws.
	AuthToken string `yaml:"auth_token"`

	Worker WorkerConfig `yaml:"worker"`

	RequestTimeoutSeconds        int `yaml:"request_timeout_seconds"`
	ReadTimeoutSeconds           int `yaml:"read_timeout_seconds"`
	StatusRefreshIntervalSeconds int `yaml:"status_refresh_interval_seconds"`
	StatusPageSize               int `yaml:"status_page_size"`

	// StatusRefreshSchedule is a 5-field cron expression for background
	// directory refreshes. Empty disables them.
	StatusRefreshSchedule string `yaml:"status_refresh_schedule"`

	// PushQueueSize bounds the per-connection notification queue.
	PushQueueSize int `yaml:"push_queue_size"`

	UI       UIConfig       `yaml:"ui"`
	Resolver ResolverConfig `yaml:"resolver"`
	OTel     otelPkg.Config `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

const (
	defaultBindAddr       = "127.0.0.1:8787"
	defaultWorkerCommand  = "codex"
	defaultRequestTimeout = 20
	defaultReadTimeout    = 10
	defaultRefreshSeconds = 60
	defaultPageSize       = 100
	defaultPushQueueSize  = 256
)

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetUIPolicy updates the ui section of config.yaml, preserving other
// settings. A running relay picks the change up through the watcher.
func SetUIPolicy(homeDir string, enabled bool, allowed, blocked []string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create relay home: %w", err)
	}
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	ui := map[string]interface{}{"enabled": enabled}
	if len(allowed) > 0 {
		ui["allowed_apps"] = allowed
	}
	if len(blocked) > 0 {
		ui["blocked_apps"] = blocked
	}
	raw["ui"] = ui
	return saveRawConfig(configPath, raw)
}

// RenderPolicy builds the immutable render policy from the ui section.
func (c Config) RenderPolicy() policy.Render {
	enabled := true
	if c.UI.Enabled != nil {
		enabled = *c.UI.Enabled
	}
	return policy.NewRender(enabled, c.UI.AllowedApps, c.UI.BlockedApps)
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c Config) StatusRefreshInterval() time.Duration {
	return time.Duration(c.StatusRefreshIntervalSeconds) * time.Second
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|origins=%v|worker=%s %v|timeouts=%d/%d|refresh=%d/%s|ui=%s|resolver=%v",
		c.BindAddr, c.LogLevel, c.AllowOrigins, c.Worker.Command, c.Worker.Args,
		c.RequestTimeoutSeconds, c.ReadTimeoutSeconds,
		c.StatusRefreshIntervalSeconds, c.StatusRefreshSchedule,
		c.RenderPolicy().Version(), c.Resolver)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr: defaultBindAddr,
		LogLevel: "info",
		Worker: WorkerConfig{
			Command: defaultWorkerCommand,
			Args:    []string{"app-server"},
		},
		RequestTimeoutSeconds:        defaultRequestTimeout,
		ReadTimeoutSeconds:           defaultReadTimeout,
		StatusRefreshIntervalSeconds: defaultRefreshSeconds,
		StatusPageSize:               defaultPageSize,
		PushQueueSize:                defaultPushQueueSize,
		OTel: otelPkg.Config{
			Exporter:    "otlp-http",
			ServiceName: "codex-relay",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("RELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".codex-relay")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads homeDir/config.yaml over the defaults, then applies env
// overrides and normalization.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create relay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
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
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = defaultBindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Worker.Command) == "" {
		cfg.Worker.Command = defaultWorkerCommand
		if len(cfg.Worker.Args) == 0 {
			cfg.Worker.Args = []string{"app-server"}
		}
	}
	if cfg.RequestTimeoutSeconds <= 0 {
		cfg.RequestTimeoutSeconds = defaultRequestTimeout
	}
	if cfg.ReadTimeoutSeconds <= 0 {
		cfg.ReadTimeoutSeconds = defaultReadTimeout
	}
	if cfg.StatusRefreshIntervalSeconds <= 0 {
		cfg.StatusRefreshIntervalSeconds = defaultRefreshSeconds
	}
	if cfg.StatusPageSize <= 0 {
		cfg.StatusPageSize = defaultPageSize
	}
	if cfg.PushQueueSize <= 0 {
		cfg.PushQueueSize = defaultPushQueueSize
	}
	cfg.AuthToken = strings.TrimSpace(cfg.AuthToken)
	cfg.StatusRefreshSchedule = strings.TrimSpace(cfg.StatusRefreshSchedule)
	cfg.UI.AllowedApps = cleanList(cfg.UI.AllowedApps)
	cfg.UI.BlockedApps = cleanList(cfg.UI.BlockedApps)
}

func validate(cfg *Config) error {
	var errs []error
	check := func(section string, strategies []ReadStrategy) {
		for i, s := range strategies {
			if strings.TrimSpace(s.Method) == "" || strings.TrimSpace(s.ServerKey) == "" {
				errs = append(errs, fmt.Errorf("resolver.%s[%d]: method and server_key are required", section, i))
			}
		}
	}
	check("resource_reads", cfg.Resolver.ResourceReads)
	check("template_reads", cfg.Resolver.TemplateReads)
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("RELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("RELAY_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("RELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("RELAY_WORKER_COMMAND"); raw != "" {
		cfg.Worker.Command = raw
	}
	if raw := os.Getenv("RELAY_REQUEST_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.RequestTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("EMBEDDED_UI_ENABLED"); raw != "" {
		enabled := !strings.EqualFold(strings.TrimSpace(raw), "false")
		cfg.UI.Enabled = &enabled
	}
	if raw, ok := os.LookupEnv("EMBEDDED_UI_ALLOWED_APPS"); ok {
		cfg.UI.AllowedApps = splitList(raw)
	}
	if raw, ok := os.LookupEnv("EMBEDDED_UI_BLOCKED_APPS"); ok {
		cfg.UI.BlockedApps = splitList(raw)
	}
}

func splitList(raw string) []string {
	return cleanList(strings.Split(raw, ","))
}

func cleanList(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
