// Package session coordinates startup and exactly-once shutdown of the
// browser-backed messaging session, keeping the process registry in step.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/bridgevisor/internal/backend"
	"github.com/loykin/bridgevisor/internal/metrics"
	"github.com/loykin/bridgevisor/internal/reclaim"
	"github.com/loykin/bridgevisor/internal/registry"
)

// DefaultStepTimeout bounds each start and shutdown step.
const DefaultStepTimeout = 30 * time.Second

// ErrShutdown is returned by Start once shutdown has begun.
var ErrShutdown = errors.New("session is shutting down")

// Registry is the subset of the process registry the coordinator uses.
type Registry interface {
	InstanceID() string
	Read(ctx context.Context) []registry.TrackedProcess
	Register(ctx context.Context, pid int)
	Unregister(ctx context.Context, pid int) bool
}

// Reclaimer runs one orphan reclaim pass.
type Reclaimer interface {
	Reclaim(ctx context.Context) reclaim.Result
}

// Options configures a Coordinator.
type Options struct {
	StepTimeout time.Duration
	Logger      *slog.Logger
}

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	State      State  `json:"state"`
	Connected  bool   `json:"connected"`
	PID        int    `json:"pid,omitempty"`
	QRPending  bool   `json:"qr_pending"`
	InstanceID string `json:"instance_id"`
}

// Coordinator owns the session state machine.
type Coordinator struct {
	backend     backend.Backend
	reg         Registry
	rec         Reclaimer
	log         *slog.Logger
	stepTimeout time.Duration

	state   atomic.Int32
	startMu sync.Mutex
	watch   sync.Once
	done    chan struct{}

	mu        sync.Mutex
	pid       int
	connected bool
	qr        string
	closers   []io.Closer
}

// New returns a Coordinator in the Uninitialized state.
func New(b backend.Backend, reg Registry, rec Reclaimer, o Options) *Coordinator {
	if o.StepTimeout <= 0 {
		o.StepTimeout = DefaultStepTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Coordinator{
		backend:     b,
		reg:         reg,
		rec:         rec,
		log:         o.Logger.With("component", "session"),
		stepTimeout: o.StepTimeout,
		done:        make(chan struct{}),
	}
}

// State returns the current state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Done is closed once Shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// AddCloser registers a transport resource released during Shutdown, in
// reverse order of registration.
func (c *Coordinator) AddCloser(cl io.Closer) {
	if cl == nil {
		return
	}
	c.mu.Lock()
	c.closers = append(c.closers, cl)
	c.mu.Unlock()
}

func (c *Coordinator) transition(from, to State) bool {
	if !c.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	metrics.RecordSessionTransition(from.String(), to.String())
	c.log.Debug("session state", "from", from, "to", to)
	return true
}

// Start reclaims orphans, initializes the backend and registers its
// browser process. It is a no-op when already Ready and fails with
// ErrShutdown once shutdown has begun. On error nothing is registered and
// the state returns to Uninitialized.
func (c *Coordinator) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	from := c.State()
	switch from {
	case Ready:
		c.log.Info("session already ready, start ignored")
		return nil
	case ShuttingDown, Terminated:
		return ErrShutdown
	}
	if proceed, err := c.beginStart(from); !proceed {
		return err
	}
	c.watch.Do(func() { go c.watchEvents(c.backend.Events()) })

	c.log.Info("starting session", "instance", c.reg.InstanceID())
	_ = c.step(ctx, "reclaim", func(ctx context.Context) error {
		c.rec.Reclaim(ctx)
		return nil
	})

	if err := c.step(ctx, "initialize", c.backend.Initialize); err != nil {
		c.transition(Initializing, Uninitialized)
		c.log.Warn("session initialize failed", "error", err)
		return fmt.Errorf("initialize session: %w", err)
	}

	pid, ok := c.backend.ProcessID()
	c.mu.Lock()
	prev := c.pid
	if ok {
		c.pid = pid
	}
	c.mu.Unlock()
	if ok {
		_ = c.step(ctx, "register", func(ctx context.Context) error {
			c.reg.Register(ctx, pid)
			if prev > 0 && prev != pid {
				c.reg.Unregister(ctx, prev)
			}
			return nil
		})
	} else {
		c.log.Warn("browser pid unknown, process not tracked")
	}

	if !c.transition(Initializing, Ready) {
		return ErrShutdown
	}
	c.log.Info("session ready", "pid", pid)
	return nil
}

// beginStart moves from the observed state to Initializing. While startMu
// is held only the event watcher (Ready and Disconnected) or Shutdown can
// change the state, so a lost swap is re-read: Ready means there is
// nothing to start.
func (c *Coordinator) beginStart(from State) (bool, error) {
	for {
		if c.transition(from, Initializing) {
			return true, nil
		}
		from = c.State()
		switch from {
		case Ready:
			c.log.Info("session became ready, start ignored")
			return false, nil
		case ShuttingDown, Terminated:
			return false, ErrShutdown
		}
	}
}

// Shutdown tears the session down exactly once. Concurrent and repeated
// calls return nil immediately. The sequence is: read the pid, destroy
// the backend, unregister the pid, close transport resources, reclaim.
// A failing step is logged and the remaining steps still run; the final
// reclaim always runs. Done is closed when it returns.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	for {
		cur := c.State()
		if cur == ShuttingDown || cur == Terminated {
			c.log.Info("shutdown already requested", "state", cur)
			return nil
		}
		if c.transition(cur, ShuttingDown) {
			break
		}
	}
	// Teardown must not be aborted by the caller's cancellation; steps are
	// bounded individually.
	ctx = context.WithoutCancel(ctx)

	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.log.Info("shutting down session")
	err := c.teardown(ctx)
	if err != nil {
		c.log.Error("session shutdown failed", "error", err)
	}
	_ = c.step(ctx, "reclaim", func(ctx context.Context) error {
		c.rec.Reclaim(ctx)
		return nil
	})

	c.transition(ShuttingDown, Terminated)
	close(c.done)
	if err == nil {
		c.log.Info("session terminated")
	}
	return err
}

func (c *Coordinator) teardown(ctx context.Context) error {
	// The backend may no longer expose its pid after Destroy.
	pid, ok := c.backend.ProcessID()
	c.mu.Lock()
	if !ok && c.pid > 0 {
		pid, ok = c.pid, true
	}
	closers := c.closers
	c.closers = nil
	c.mu.Unlock()

	var errs []error
	destroyErr := c.step(ctx, "destroy", c.backend.Destroy)
	if destroyErr != nil {
		errs = append(errs, fmt.Errorf("destroy backend: %w", destroyErr))
	}

	switch {
	case !ok:
		c.log.Warn("browser pid unknown at shutdown")
	case destroyErr != nil:
		// Still possibly alive; leave it tracked so a later reclaim can kill it.
		c.log.Warn("keeping pid tracked after failed destroy", "pid", pid)
	default:
		_ = c.step(ctx, "unregister", func(ctx context.Context) error {
			c.reg.Unregister(ctx, pid)
			return nil
		})
	}

	for i := len(closers) - 1; i >= 0; i-- {
		cl := closers[i]
		if err := c.step(ctx, "close", func(context.Context) error { return cl.Close() }); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	return errors.Join(errs...)
}

// step runs fn bounded by the step timeout. A step that overruns is
// abandoned and reported as a timeout.
func (c *Coordinator) step(ctx context.Context, name string, fn func(context.Context) error) error {
	sctx, cancel := context.WithTimeout(ctx, c.stepTimeout)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		errCh <- fn(sctx)
	}()
	select {
	case err := <-errCh:
		return err
	case <-sctx.Done():
		c.log.Warn("session step timed out", "step", name, "timeout", c.stepTimeout)
		return fmt.Errorf("%s: %w", name, sctx.Err())
	}
}

// watchEvents is the only writer of connected and qr.
func (c *Coordinator) watchEvents(events <-chan backend.Event) {
	for {
		select {
		case <-c.done:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			c.handle(e)
		}
	}
}

func (c *Coordinator) handle(e backend.Event) {
	switch e.Type {
	case backend.EventQR:
		c.mu.Lock()
		c.qr = e.QR
		c.mu.Unlock()
		c.log.Info("login challenge available")
	case backend.EventAuthenticated:
		c.mu.Lock()
		c.qr = ""
		c.mu.Unlock()
		c.log.Info("session authenticated")
	case backend.EventReady:
		c.mu.Lock()
		c.connected, c.qr = true, ""
		c.mu.Unlock()
		c.transition(Disconnected, Ready)
		c.log.Info("backend ready")
	case backend.EventDisconnected:
		c.mu.Lock()
		c.connected, c.qr = false, ""
		c.mu.Unlock()
		c.transition(Ready, Disconnected)
		c.log.Warn("backend disconnected", "reason", e.Reason)
	default:
		c.log.Debug("ignoring backend event", "type", e.Type)
	}
}

// Status returns a snapshot.
func (c *Coordinator) Status() Status {
	st := c.State()
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:      st,
		Connected:  c.connected && st == Ready,
		PID:        c.pid,
		QRPending:  c.qr != "",
		InstanceID: c.reg.InstanceID(),
	}
}

// QRCode returns the latest login challenge payload.
func (c *Coordinator) QRCode() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qr, c.qr != ""
}

// CleanupOrphanedProcesses runs one reclaim pass.
func (c *Coordinator) CleanupOrphanedProcesses(ctx context.Context) reclaim.Result {
	return c.rec.Reclaim(ctx)
}

// TrackedPIDs returns the pids currently in the registry.
func (c *Coordinator) TrackedPIDs(ctx context.Context) []int {
	return registry.PIDs(c.reg.Read(ctx))
}
