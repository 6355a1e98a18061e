package bridgevisor

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/bridgevisor/internal/backend"
	"github.com/loykin/bridgevisor/internal/config"
	"github.com/loykin/bridgevisor/internal/history"
	"github.com/loykin/bridgevisor/internal/history/sqlite"
	"github.com/loykin/bridgevisor/internal/registry"
)

func requireUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like environment")
	}
}

func startSleeper(t *testing.T) *exec.Cmd {
	t.Helper()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	return cmd
}

// sleeperBackend stands in for the browser with a plain child process.
type sleeperBackend struct {
	t      *testing.T
	cmd    *exec.Cmd
	events chan backend.Event
}

func (b *sleeperBackend) Initialize(context.Context) error {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		return err
	}
	b.t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})
	b.cmd = cmd
	return nil
}

func (b *sleeperBackend) Destroy(context.Context) error {
	if b.cmd == nil {
		return nil
	}
	_ = b.cmd.Process.Kill()
	_, _ = b.cmd.Process.Wait()
	return nil
}

func (b *sleeperBackend) ProcessID() (int, bool) {
	if b.cmd == nil || b.cmd.Process == nil {
		return 0, false
	}
	return b.cmd.Process.Pid, true
}

func (b *sleeperBackend) Events() <-chan backend.Event { return b.events }

func testConfig(t *testing.T) *Config {
	cfg := config.Default()
	dir := t.TempDir()
	cfg.Registry.Path = filepath.Join(dir, "processes.json")
	cfg.Browser.SessionDir = filepath.Join(dir, "bridge-session")
	cfg.Session.StepTimeout = 5 * time.Second
	return cfg
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSupervisor_Lifecycle(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	dbPath := filepath.Join(t.TempDir(), "history.db")
	cfg.History.Sinks = []string{"sqlite://" + dbPath, "nosuch://sink"}

	b := &sleeperBackend{t: t, events: make(chan backend.Event, 4)}
	sup, err := New(cfg, WithBackend(b), WithInstanceID("test-1"), WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, "test-1", sup.InstanceID())

	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	pid, ok := b.ProcessID()
	require.True(t, ok)

	tracked := sup.Tracked(ctx)
	require.Len(t, tracked, 1)
	assert.Equal(t, pid, tracked[0].PID)
	assert.Equal(t, "test-1", tracked[0].InstanceID)
	assert.True(t, sup.IsRunning(ctx, pid))
	assert.Equal(t, pid, sup.Status().PID)

	b.events <- backend.Event{Type: backend.EventQR, QR: "challenge"}
	assert.Eventually(t, func() bool { _, ok := sup.QRCode(); return ok }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sup.Shutdown(ctx))
	<-sup.Done()
	assert.Empty(t, sup.Tracked(ctx))
	assert.ErrorIs(t, sup.Start(ctx), ErrShutdown)

	sink, err := sqlite.New(dbPath)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	n, err := sink.Count(ctx, history.EventRegister)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = sink.Count(ctx, history.EventUnregister)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSupervisor_ReclaimsOrphanOnStart(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	orphan := startSleeper(t)
	old := registry.New(registry.Options{Path: cfg.Registry.Path, InstanceID: "crashed"})
	old.Write(context.Background(), []registry.TrackedProcess{{
		PID:        orphan.Process.Pid,
		StartTime:  time.Now().Add(-time.Hour).UnixMilli(),
		InstanceID: "crashed",
	}})

	b := &sleeperBackend{t: t, events: make(chan backend.Event)}
	sup, err := New(cfg, WithBackend(b), WithLogger(quietLogger()))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer func() { _ = sup.Shutdown(ctx) }()

	pid, _ := b.ProcessID()
	got := sup.Tracked(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, pid, got[0].PID)
	assert.Eventually(t, func() bool { return !sup.IsRunning(ctx, orphan.Process.Pid) }, 5*time.Second, 20*time.Millisecond)
}

func TestSupervisor_PeriodicReclaim(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	cfg.Registry.ReclaimSchedule = "@every 50ms"
	b := &sleeperBackend{t: t, events: make(chan backend.Event)}
	sup, err := New(cfg, WithBackend(b), WithLogger(quietLogger()))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sup.Start(ctx))
	defer func() { _ = sup.Shutdown(ctx) }()

	// Abandoned by another instance after our start-up reclaim already ran.
	orphan := startSleeper(t)
	other := registry.New(registry.Options{Path: cfg.Registry.Path, InstanceID: "crashed"})
	other.Update(ctx, func(set []registry.TrackedProcess) ([]registry.TrackedProcess, bool) {
		return append(set, registry.TrackedProcess{
			PID:        orphan.Process.Pid,
			StartTime:  time.Now().Add(-time.Hour).UnixMilli(),
			InstanceID: "crashed",
		}), true
	})

	assert.Eventually(t, func() bool { return !sup.IsRunning(ctx, orphan.Process.Pid) }, 5*time.Second, 20*time.Millisecond)
	pid, _ := b.ProcessID()
	assert.Eventually(t, func() bool {
		got := sup.Tracked(ctx)
		return len(got) == 1 && got[0].PID == pid
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSupervisor_Cleanup(t *testing.T) {
	requireUnix(t)
	cfg := testConfig(t)
	sup, err := New(cfg, WithBackend(&sleeperBackend{t: t}), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer func() { _ = sup.Close() }()

	ctx := context.Background()
	reg := registry.New(registry.Options{Path: cfg.Registry.Path})
	// A pid that cannot exist on any supported host.
	reg.Write(ctx, []registry.TrackedProcess{{PID: 1 << 30, StartTime: 1, InstanceID: "gone"}})

	res := sup.Cleanup(ctx)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Dropped)
	assert.Empty(t, sup.Tracked(ctx))
}

func TestSupervisor_Handler(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = true
	sup, err := New(cfg,
		WithBackend(&sleeperBackend{t: t}),
		WithLogger(quietLogger()),
		WithMetricsRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	defer func() { _ = sup.Close() }()

	h := sup.Handler()
	for _, path := range []string{"/api/status", "/api/processes", "/metrics"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	assert.Contains(t, rec.Body.String(), `"state":"uninitialized"`)
}

func TestSupervisor_Serve(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Listen = "127.0.0.1:0"
	sup, err := New(cfg,
		WithBackend(&sleeperBackend{t: t}),
		WithLogger(quietLogger()),
		WithMetricsRegisterer(prometheus.NewRegistry()),
	)
	require.NoError(t, err)
	require.NoError(t, sup.Serve())
	require.NoError(t, sup.Shutdown(context.Background()))

	cfg = testConfig(t)
	cfg.Server.Listen = "127.0.0.1:0"
	cfg.Server.TLS.Enabled = true
	cfg.Server.TLS.AutoGenerate = true
	cfg.Server.TLS.Dir = filepath.Join(t.TempDir(), "tls")
	sup, err = New(cfg, WithBackend(&sleeperBackend{t: t}), WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, sup.Serve())
	assert.FileExists(t, filepath.Join(cfg.Server.TLS.Dir, "tls.crt"))
	require.NoError(t, sup.Shutdown(context.Background()))

	cfg = testConfig(t)
	cfg.Server.Listen = "256.0.0.1:bad"
	sup, err = New(cfg, WithBackend(&sleeperBackend{t: t}), WithLogger(quietLogger()))
	require.NoError(t, err)
	assert.ErrorContains(t, sup.Serve(), "admin api")
	_ = sup.Close()
}

func TestSupervisor_SweeperDryRun(t *testing.T) {
	cfg := testConfig(t)
	sup, err := New(cfg, WithBackend(&sleeperBackend{t: t}), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer func() { _ = sup.Close() }()

	var out bytes.Buffer
	rep, err := sup.Sweeper(SweepOptions{
		ProcessNames: []string{"bridgevisor-no-such-browser"},
		DryRun:       true,
		Out:          &out,
	}).Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Candidates)
	assert.True(t, strings.Contains(out.String(), "no stray browser processes"))
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Registry.Path = ""
	_, err := New(cfg)
	assert.ErrorContains(t, err, "invalid config")

	cfg = testConfig(t)
	cfg.Registry.ReclaimSchedule = "5m"
	_, err = New(cfg)
	assert.ErrorContains(t, err, "reclaim_schedule")
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	sup, err := New(nil, WithBackend(&sleeperBackend{t: t}), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer func() { _ = sup.Close() }()
	assert.Equal(t, "uninitialized", sup.Status().State.String())
	assert.NotEmpty(t, sup.InstanceID())
}
