package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bridgevisor/internal/logger"
)

func writeTOML(t *testing.T, data string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "bridgevisor.toml")
	require.NoError(t, os.WriteFile(file, []byte(data), 0o644))
	return file
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ".bridgevisor/processes.json", cfg.Registry.Path)
	assert.Equal(t, 10*time.Minute, cfg.Registry.StaleAfter)
	assert.Equal(t, 2*time.Second, cfg.Registry.LockTimeout)
	assert.Empty(t, cfg.Registry.ReclaimSchedule)
	assert.Equal(t, 30*time.Second, cfg.Session.StepTimeout)
	assert.Equal(t, time.Second, cfg.Browser.PollInterval)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, DefaultProcessNames, cfg.Sweep.ProcessNames)
	assert.Empty(t, cfg.History.Sinks)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, logger.FormatText, cfg.Log.Slog.Format)
	assert.Equal(t, cfg, Default())
}

func TestLoad_Full(t *testing.T) {
	file := writeTOML(t, `
[registry]
path = "/var/lib/bridgevisor/processes.json"
stale_after = "5m"
lock_timeout = "500ms"
reclaim_schedule = "@every 5m"

[browser]
bin = "/usr/bin/chromium"
url = "http://127.0.0.1:9000"
session_dir = "/var/lib/bridgevisor/session"
headless = false
leakless = true
no_sandbox = true
flags = ["--disable-gpu", "--lang=en-US"]
env = ["TZ=UTC", "LANG=${LANG}"]
poll_interval = "250ms"
qr_selector = "canvas[aria-label]"
ready_selector = "#side"

[session]
step_timeout = "10s"

[sweep]
process_names = ["chromium", "  ", "chrome"]
signatures = ["--headless", "session"]

[log.slog]
level = "debug"
format = "json"

[log.file]
path = "/var/log/bridgevisor.log"
max_size_mb = 5

[server]
listen = "127.0.0.1:8787"
base_path = "/admin"

[server.tls]
enabled = true
dir = "/etc/bridgevisor/tls"
auto_generate = true
dns_names = ["bridge.local", " "]
min_version = "1.2"

[metrics]
enabled = true
listen = ":9102"

[history]
sinks = ["sqlite:///tmp/h.db", ""]
`)
	cfg, err := Load(file)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/bridgevisor/processes.json", cfg.Registry.Path)
	assert.Equal(t, 5*time.Minute, cfg.Registry.StaleAfter)
	assert.Equal(t, 500*time.Millisecond, cfg.Registry.LockTimeout)
	assert.Equal(t, "@every 5m", cfg.Registry.ReclaimSchedule)

	b := cfg.Browser
	assert.Equal(t, "/usr/bin/chromium", b.Bin)
	assert.Equal(t, "http://127.0.0.1:9000", b.URL)
	assert.False(t, b.Headless)
	assert.True(t, b.Leakless)
	assert.True(t, b.NoSandbox)
	assert.Equal(t, []string{"--disable-gpu", "--lang=en-US"}, b.Flags)
	assert.Equal(t, []string{"TZ=UTC", "LANG=${LANG}"}, b.Env)
	assert.Equal(t, 250*time.Millisecond, b.PollInterval)
	assert.Equal(t, "canvas[aria-label]", b.QRSelector)
	assert.Equal(t, "#side", b.ReadySelector)

	assert.Equal(t, 10*time.Second, cfg.Session.StepTimeout)
	assert.Equal(t, []string{"chromium", "chrome"}, cfg.Sweep.ProcessNames)
	assert.Equal(t, []string{"--headless", "session"}, cfg.Sweep.Signatures)
	assert.Equal(t, logger.LevelDebug, cfg.Log.Slog.Level)
	assert.Equal(t, logger.FormatJSON, cfg.Log.Slog.Format)
	assert.True(t, cfg.Log.Slog.TimeStamps, "unset keys keep defaults")
	assert.Equal(t, "/var/log/bridgevisor.log", cfg.Log.File.Path)
	assert.Equal(t, 5, cfg.Log.File.MaxSizeMB)
	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Listen)
	assert.Equal(t, "/admin", cfg.Server.BasePath)
	assert.True(t, cfg.Server.TLS.Enabled)
	assert.True(t, cfg.Server.TLS.AutoGenerate)
	assert.Equal(t, "/etc/bridgevisor/tls", cfg.Server.TLS.Dir)
	assert.Equal(t, []string{"bridge.local"}, cfg.Server.TLS.DNSNames)
	assert.Equal(t, "1.2", cfg.Server.TLS.MinVersion)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9102", cfg.Metrics.Listen)
	assert.Equal(t, []string{"sqlite:///tmp/h.db"}, cfg.History.Sinks)
}

func TestLoad_EnvOverrides(t *testing.T) {
	file := writeTOML(t, "[registry]\nstale_after = \"5m\"\n")
	t.Setenv("BRIDGEVISOR_REGISTRY_STALE_AFTER", "90s")
	t.Setenv("BRIDGEVISOR_BROWSER_HEADLESS", "false")
	t.Setenv("BRIDGEVISOR_SERVER_LISTEN", ":7000")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Registry.StaleAfter)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, ":7000", cfg.Server.Listen)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeTOML(t, "[registry\npath = 1"))
	assert.Error(t, err, "malformed toml")

	_, err = Load(writeTOML(t, "[registry]\npath = \"  \"\n"))
	assert.True(t, errors.Is(err, ErrEmptyRegistryPath), "got %v", err)

	_, err = Load(writeTOML(t, "[session]\nstep_timeout = \"-1s\"\n"))
	assert.True(t, errors.Is(err, ErrNegativeDuration), "got %v", err)

	_, err = Load(writeTOML(t, "[log.slog]\nformat = \"xml\"\n"))
	assert.ErrorContains(t, err, "log")

	_, err = Load(writeTOML(t, "[registry]\nstale_after = \"soon\"\n"))
	assert.Error(t, err, "bad duration")

	_, err = Load(writeTOML(t, "[server.tls]\nenabled = true\ncert_file = \"a.crt\"\n"))
	assert.ErrorIs(t, err, ErrTLSNoCertificate)

	_, err = Load(writeTOML(t, "[registry]\nreclaim_schedule = \"*/5 * * * *\"\n"))
	assert.ErrorContains(t, err, "reclaim_schedule")
}

func TestResolve(t *testing.T) {
	cfg := Default()
	cfg.Log.File.Path = "logs/bridgevisor.log"
	cfg.Browser.SessionDir = "/abs/session"
	cfg.Server.TLS.Dir = "certs"
	cfg.Resolve("/work")

	assert.Equal(t, filepath.Join("/work", ".bridgevisor/processes.json"), cfg.Registry.Path)
	assert.Equal(t, "/abs/session", cfg.Browser.SessionDir)
	assert.Equal(t, filepath.Join("/work", "logs/bridgevisor.log"), cfg.Log.File.Path)
	assert.Empty(t, cfg.Log.File.Dir)
	assert.Equal(t, filepath.Join("/work", "certs"), cfg.Server.TLS.Dir)
	assert.Empty(t, cfg.Server.TLS.CertFile)
}

func TestSessionDirName(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "bridge-session", cfg.SessionDirName())
	cfg.Browser.SessionDir = "/srv/wa-profile/"
	assert.Equal(t, "wa-profile", cfg.SessionDirName())
	cfg.Browser.SessionDir = ""
	assert.Empty(t, cfg.SessionDirName())
}
