package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/bridgevisor/internal/cron"
	"github.com/loykin/bridgevisor/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. BRIDGEVISOR_REGISTRY_PATH.
const EnvPrefix = "BRIDGEVISOR"

var (
	ErrEmptyRegistryPath = errors.New("registry path must not be empty")
	ErrTLSNoCertificate  = errors.New("tls enabled but neither cert_file/key_file nor dir is set")
	ErrNegativeDuration  = errors.New("duration must not be negative")
)

// Config represents the top-level TOML structure.
type Config struct {
	Registry RegistryConfig `toml:"registry" mapstructure:"registry"`
	Browser  BrowserConfig  `toml:"browser" mapstructure:"browser"`
	Session  SessionConfig  `toml:"session" mapstructure:"session"`
	Sweep    SweepConfig    `toml:"sweep" mapstructure:"sweep"`
	Log      logger.Config  `toml:"log" mapstructure:"log"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	Metrics  MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
}

type RegistryConfig struct {
	Path        string        `toml:"path" mapstructure:"path"`
	StaleAfter  time.Duration `toml:"stale_after" mapstructure:"stale_after"`
	LockTimeout time.Duration `toml:"lock_timeout" mapstructure:"lock_timeout"`
	// ReclaimSchedule runs periodic reclaim passes while serving, e.g.
	// "@every 5m". Empty disables it.
	ReclaimSchedule string `toml:"reclaim_schedule" mapstructure:"reclaim_schedule"`
}

type BrowserConfig struct {
	Bin           string        `toml:"bin" mapstructure:"bin"`
	URL           string        `toml:"url" mapstructure:"url"`
	SessionDir    string        `toml:"session_dir" mapstructure:"session_dir"`
	Headless      bool          `toml:"headless" mapstructure:"headless"`
	Leakless      bool          `toml:"leakless" mapstructure:"leakless"`
	NoSandbox     bool          `toml:"no_sandbox" mapstructure:"no_sandbox"`
	Flags         []string      `toml:"flags" mapstructure:"flags"`
	Env           []string      `toml:"env" mapstructure:"env"`
	PollInterval  time.Duration `toml:"poll_interval" mapstructure:"poll_interval"`
	QRSelector    string        `toml:"qr_selector" mapstructure:"qr_selector"`
	ReadySelector string        `toml:"ready_selector" mapstructure:"ready_selector"`
}

type SessionConfig struct {
	StepTimeout time.Duration `toml:"step_timeout" mapstructure:"step_timeout"`
}

// SweepConfig drives the manual sweep heuristics.
type SweepConfig struct {
	ProcessNames []string `toml:"process_names" mapstructure:"process_names"`
	Signatures   []string `toml:"signatures" mapstructure:"signatures"`
}

type ServerConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the admin API over HTTPS. An explicit cert/key pair
// wins over Dir, where tls.crt and tls.key are looked up and, with
// AutoGenerate, created self-signed on first use.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	CommonName   string   `toml:"common_name" mapstructure:"common_name"`
	DNSNames     []string `toml:"dns_names" mapstructure:"dns_names"`
	IPAddresses  []string `toml:"ip_addresses" mapstructure:"ip_addresses"`
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	MaxVersion   string   `toml:"max_version" mapstructure:"max_version"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
}

// HistoryConfig lists sink DSNs, see factory.NewSinkFromDSN.
type HistoryConfig struct {
	Sinks []string `toml:"sinks" mapstructure:"sinks"`
}

var defaults = map[string]any{
	"registry.path":             ".bridgevisor/processes.json",
	"registry.stale_after":      "10m",
	"registry.lock_timeout":     "2s",
	"registry.reclaim_schedule": "",
	"browser.url":               "https://web.whatsapp.com",
	"browser.session_dir":       ".bridgevisor/bridge-session",
	"browser.headless":          true,
	"browser.leakless":          false,
	"browser.no_sandbox":        false,
	"browser.flags":             []string{},
	"browser.env":               []string{},
	"browser.bin":               "",
	"browser.poll_interval":     "1s",
	"browser.qr_selector":       "",
	"browser.ready_selector":    "",
	"session.step_timeout":      "30s",
	"sweep.process_names":       DefaultProcessNames,
	"sweep.signatures":          []string{},
	"log.slog.level":            "info",
	"log.slog.format":           "text",
	"log.slog.color":            false,
	"log.slog.timestamps":       true,
	"log.slog.source":           false,
	"log.file.dir":              "",
	"log.file.path":             "",
	"log.file.max_size_mb":      0,
	"log.file.max_backups":      0,
	"log.file.max_age_days":     0,
	"log.file.compress":         false,
	"server.listen":             "",
	"server.tls.enabled":        false,
	"server.tls.cert_file":      "",
	"server.tls.key_file":       "",
	"server.tls.dir":            "",
	"server.tls.auto_generate":  false,
	"server.tls.common_name":    "",
	"server.tls.dns_names":      []string{},
	"server.tls.ip_addresses":   []string{},
	"server.tls.valid_days":     0,
	"server.tls.min_version":    "",
	"server.tls.max_version":    "",
	"server.base_path":          "/api",
	"metrics.enabled":           false,
	"metrics.listen":            "",
	"history.sinks":             []string{},
}

// DefaultProcessNames are the executable names the sweep looks for.
var DefaultProcessNames = []string{"chrome", "chromium", "chromium-browser", "headless_shell", "google chrome"}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg, err := decode(newViper())
	if err != nil {
		// defaults are static; a failure here is a programming error
		panic(err)
	}
	return cfg
}

// Load reads the TOML file at path, applies BRIDGEVISOR_* environment
// overrides and validates the result. An empty path yields the defaults
// with environment overrides.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Sweep.ProcessNames = compact(cfg.Sweep.ProcessNames)
	cfg.Sweep.Signatures = compact(cfg.Sweep.Signatures)
	cfg.History.Sinks = compact(cfg.History.Sinks)
	cfg.Server.TLS.DNSNames = compact(cfg.Server.TLS.DNSNames)
	cfg.Server.TLS.IPAddresses = compact(cfg.Server.TLS.IPAddresses)
	return &cfg, nil
}

// compact trims entries and drops empty ones.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects configurations the supervisor cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Registry.Path) == "" {
		return ErrEmptyRegistryPath
	}
	durations := map[string]time.Duration{
		"registry.stale_after":  c.Registry.StaleAfter,
		"registry.lock_timeout": c.Registry.LockTimeout,
		"browser.poll_interval": c.Browser.PollInterval,
		"session.step_timeout":  c.Session.StepTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("%s: %w", name, ErrNegativeDuration)
		}
	}
	if sch := strings.TrimSpace(c.Registry.ReclaimSchedule); sch != "" {
		if _, err := cron.ParseEvery(sch); err != nil {
			return fmt.Errorf("registry.reclaim_schedule: %w", err)
		}
	}
	if t := c.Server.TLS; t.Enabled && (t.CertFile == "" || t.KeyFile == "") && t.Dir == "" {
		return ErrTLSNoCertificate
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Resolve makes relative file paths absolute against dir, normally the
// working directory.
func (c *Config) Resolve(dir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	c.Registry.Path = abs(c.Registry.Path)
	c.Browser.SessionDir = abs(c.Browser.SessionDir)
	c.Log.File.Dir = abs(c.Log.File.Dir)
	c.Log.File.Path = abs(c.Log.File.Path)
	c.Server.TLS.CertFile = abs(c.Server.TLS.CertFile)
	c.Server.TLS.KeyFile = abs(c.Server.TLS.KeyFile)
	c.Server.TLS.Dir = abs(c.Server.TLS.Dir)
}

// ResolveWorkDir is Resolve against the current working directory.
func (c *Config) ResolveWorkDir() error {
	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("working directory: %w", err)
	}
	c.Resolve(wd)
	return nil
}

// SessionDirName is the base name of the browser session directory, used
// as a sweep signature.
func (c *Config) SessionDirName() string {
	if c.Browser.SessionDir == "" {
		return ""
	}
	return filepath.Base(filepath.Clean(c.Browser.SessionDir))
}
