// Package bridgevisor supervises the browser process behind a messaging
// bridge: it tracks the process across restarts, reclaims orphans left by
// crashed instances and shuts the session down exactly once.
package bridgevisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/bridgevisor/internal/backend"
	"github.com/loykin/bridgevisor/internal/backend/rodclient"
	"github.com/loykin/bridgevisor/internal/config"
	"github.com/loykin/bridgevisor/internal/cron"
	"github.com/loykin/bridgevisor/internal/history"
	"github.com/loykin/bridgevisor/internal/history/factory"
	"github.com/loykin/bridgevisor/internal/metrics"
	"github.com/loykin/bridgevisor/internal/process"
	"github.com/loykin/bridgevisor/internal/reclaim"
	"github.com/loykin/bridgevisor/internal/registry"
	"github.com/loykin/bridgevisor/internal/server"
	"github.com/loykin/bridgevisor/internal/session"
	"github.com/loykin/bridgevisor/internal/sweep"
	itls "github.com/loykin/bridgevisor/internal/tls"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = session.Status

type State = session.State

type TrackedProcess = registry.TrackedProcess

type ReclaimResult = reclaim.Result

type Backend = backend.Backend

type HistorySink = history.Sink

type SweepOptions = sweep.Options

type SweepReport = sweep.Report

var ErrShutdown = session.ErrShutdown

func LoadConfig(path string) (*Config, error) { return config.Load(path) }

type options struct {
	logger     *slog.Logger
	backend    Backend
	sinks      []HistorySink
	instanceID string
	registerer prometheus.Registerer
}

// Option customizes New.
type Option func(*options)

// WithLogger overrides the logger built from the log section.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithBackend replaces the Chromium backend.
func WithBackend(b Backend) Option { return func(o *options) { o.backend = b } }

// WithHistorySink adds a sink next to those configured by DSN.
func WithHistorySink(s HistorySink) Option {
	return func(o *options) { o.sinks = append(o.sinks, s) }
}

// WithInstanceID fixes the owner id instead of generating one.
func WithInstanceID(id string) Option { return func(o *options) { o.instanceID = id } }

// WithMetricsRegisterer registers metrics with r instead of the default
// registerer. Metrics are registered when this option is given or
// metrics.enabled is set.
func WithMetricsRegisterer(r prometheus.Registerer) Option {
	return func(o *options) { o.registerer = r }
}

// Supervisor wires the registry, reclaimer, backend and session
// coordinator together.
type Supervisor struct {
	cfg   *Config
	log   *slog.Logger
	hist  *history.Recorder
	reg   *registry.Registry
	host  *process.Host
	rec   *reclaim.Reclaimer
	coord *session.Coordinator
	sched *cron.Scheduler
}

// New builds a Supervisor. Nothing is launched until Start. A nil cfg uses
// the defaults.
func New(cfg *Config, opts ...Option) (*Supervisor, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	log := o.logger
	if log == nil {
		log = cfg.Log.NewSlogger()
	}

	if o.registerer != nil || cfg.Metrics.Enabled {
		r := o.registerer
		if r == nil {
			r = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(r); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}

	hist := history.NewRecorder(log, o.sinks...)
	for _, dsn := range cfg.History.Sinks {
		sink, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			log.Warn("history sink disabled", "error", err)
			continue
		}
		hist.Add(sink)
	}

	reg := registry.New(registry.Options{
		Path:        cfg.Registry.Path,
		InstanceID:  o.instanceID,
		LockTimeout: cfg.Registry.LockTimeout,
		Logger:      log,
		History:     hist,
	})
	host := process.NewHost(log)
	rec := reclaim.New(reg, host, host,
		reclaim.WithStaleAfter(cfg.Registry.StaleAfter),
		reclaim.WithLogger(log),
		reclaim.WithHistory(hist),
	)

	var closers []io.Closer
	b := o.backend
	if b == nil {
		var out io.WriteCloser
		if w := cfg.Log.ChildWriter("browser"); w != nil {
			out = w
			closers = append(closers, w)
		}
		b = newRodBackend(cfg, log, host, out)
	}

	coord := session.New(b, reg, rec, session.Options{StepTimeout: cfg.Session.StepTimeout, Logger: log})
	// Released last, after every other transport resource.
	coord.AddCloser(hist)
	for _, c := range closers {
		coord.AddCloser(c)
	}

	sched := cron.NewScheduler(log)
	if expr := strings.TrimSpace(cfg.Registry.ReclaimSchedule); expr != "" {
		err := sched.Add(&cron.Job{
			Name:     "reclaim",
			Schedule: expr,
			Run:      func(ctx context.Context) { coord.CleanupOrphanedProcesses(ctx) },
		})
		if err != nil {
			return nil, fmt.Errorf("reclaim schedule: %w", err)
		}
		coord.AddCloser(sched)
	}

	return &Supervisor{cfg: cfg, log: log, hist: hist, reg: reg, host: host, rec: rec, coord: coord, sched: sched}, nil
}

func newRodBackend(cfg *Config, log *slog.Logger, host *process.Host, out io.Writer) *rodclient.Client {
	b := cfg.Browser
	o := rodclient.Options{
		Bin:           b.Bin,
		URL:           b.URL,
		SessionDir:    b.SessionDir,
		Headless:      b.Headless,
		Leakless:      b.Leakless,
		NoSandbox:     b.NoSandbox,
		Flags:         b.Flags,
		Env:           b.Env,
		PollInterval:  b.PollInterval,
		QRSelector:    b.QRSelector,
		ReadySelector: b.ReadySelector,
		Logger:        log,
		Lister:        host,
	}
	if out != nil {
		o.Output = out
	}
	return rodclient.New(o)
}

// Start initializes the browser session and tracks its process. The
// periodic reclaim, when configured, begins after the first successful
// start.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.coord.Start(ctx); err != nil {
		return err
	}
	if s.sched.Len() > 0 {
		if err := s.sched.Start(ctx); err == nil {
			s.log.Info("periodic reclaim scheduled", "schedule", s.cfg.Registry.ReclaimSchedule)
		}
	}
	return nil
}

// Shutdown tears the session down exactly once.
func (s *Supervisor) Shutdown(ctx context.Context) error { return s.coord.Shutdown(ctx) }

// Done is closed once Shutdown has finished.
func (s *Supervisor) Done() <-chan struct{} { return s.coord.Done() }

// Cleanup runs one orphan reclaim pass without touching the session.
func (s *Supervisor) Cleanup(ctx context.Context) ReclaimResult {
	return s.coord.CleanupOrphanedProcesses(ctx)
}

// Tracked returns the persisted registry entries.
func (s *Supervisor) Tracked(ctx context.Context) []TrackedProcess { return s.reg.Read(ctx) }

func (s *Supervisor) Status() Status { return s.coord.Status() }

func (s *Supervisor) QRCode() (string, bool) { return s.coord.QRCode() }

func (s *Supervisor) InstanceID() string { return s.reg.InstanceID() }

// IsRunning probes a pid on this host.
func (s *Supervisor) IsRunning(ctx context.Context, pid int) bool { return s.host.IsRunning(ctx, pid) }

// Sweeper returns the manual sweep tool. Unset names and signatures come
// from the sweep section; the session directory name is always a signature.
func (s *Supervisor) Sweeper(o SweepOptions) *sweep.Sweeper {
	if len(o.ProcessNames) == 0 {
		o.ProcessNames = s.cfg.Sweep.ProcessNames
	}
	if len(o.Signatures) == 0 {
		o.Signatures = append([]string(nil), s.cfg.Sweep.Signatures...)
	}
	if len(o.Signatures) == 0 {
		o.Signatures = append(o.Signatures, sweep.DefaultSignatures...)
	}
	if name := s.cfg.SessionDirName(); name != "" {
		o.Signatures = append(o.Signatures, name)
	}
	if o.Logger == nil {
		o.Logger = s.log
	}
	if o.History == nil {
		o.History = s.hist
	}
	return sweep.New(s.rec, s.host, s.host, o)
}

// Handler returns the admin API handler.
func (s *Supervisor) Handler() http.Handler {
	return server.NewRouter(s.coord, s.reg, s.host, s.cfg.Server.BasePath).
		WithMetrics(s.cfg.Metrics.Enabled).
		Handler()
}

// Serve starts the admin API and, when it has its own listen address, the
// metrics endpoint. Both are closed by Shutdown.
func (s *Supervisor) Serve() error {
	var errs []error
	if addr := s.cfg.Server.Listen; addr != "" {
		tlsCfg, err := itls.Setup(s.cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("admin api tls: %w", err)
		}
		srv, err := server.NewServer(addr, s.Handler(), tlsCfg)
		if err != nil {
			errs = append(errs, fmt.Errorf("admin api: %w", err))
		} else {
			s.coord.AddCloser(srv)
			s.log.Info("admin api listening", "url", srv.URL()+s.cfg.Server.BasePath)
		}
	}
	if addr := s.cfg.Metrics.Listen; s.cfg.Metrics.Enabled && addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv, err := server.NewServer(addr, mux, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		} else {
			s.coord.AddCloser(srv)
			s.log.Info("metrics listening", "addr", srv.Addr())
		}
	}
	return errors.Join(errs...)
}

// Close releases history sinks for a Supervisor that was never started,
// e.g. in one-shot CLI commands.
func (s *Supervisor) Close() error { return s.hist.Close() }
