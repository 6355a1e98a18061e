// Package rodclient runs the messaging web client in a Chromium instance
// controlled through go-rod.
package rodclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"github.com/loykin/bridgevisor/internal/backend"
	"github.com/loykin/bridgevisor/internal/env"
	"github.com/loykin/bridgevisor/internal/process"
)

const (
	DefaultPollInterval  = time.Second
	DefaultQRSelector    = "div[data-ref]"
	DefaultQRAttribute   = "data-ref"
	DefaultReadySelector = "#pane-side"
)

// Lister enumerates host processes for pid discovery.
type Lister interface {
	List(ctx context.Context) ([]process.Info, error)
}

// Options configures the browser session.
type Options struct {
	Bin        string
	URL        string
	SessionDir string
	Headless   bool
	Leakless   bool
	NoSandbox  bool
	// Flags are extra Chromium switches, "--name=value" or "--name".
	Flags []string
	// Env entries override the inherited environment; values may use ${VAR}.
	Env []string

	PollInterval  time.Duration
	QRSelector    string
	QRAttribute   string
	ReadySelector string

	Logger *slog.Logger
	// Output receives the browser's own stdout/stderr.
	Output io.Writer
	Lister Lister
}

// Client implements backend.Backend.
type Client struct {
	opts   Options
	log    *slog.Logger
	events chan backend.Event

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	cancel   context.CancelFunc
	pollDone chan struct{}
}

var _ backend.Backend = (*Client)(nil)

// New returns an unstarted Client.
func New(o Options) *Client {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.QRSelector == "" {
		o.QRSelector = DefaultQRSelector
	}
	if o.QRAttribute == "" {
		o.QRAttribute = DefaultQRAttribute
	}
	if o.ReadySelector == "" {
		o.ReadySelector = DefaultReadySelector
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return &Client{
		opts:   o,
		log:    o.Logger.With("component", "rodclient"),
		events: make(chan backend.Event, 16),
	}
}

// Events implements backend.Backend.
func (c *Client) Events() <-chan backend.Event { return c.events }

// Initialize launches Chromium with the persistent session directory,
// connects to it and opens the messaging page. A browser left over from a
// previous Initialize on this Client is torn down first.
func (c *Client) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked()

	l, err := c.newLauncher()
	if err != nil {
		return err
	}
	u, err := l.Context(ctx).Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	c.log.Info("browser launched", "pid", l.PID(), "session_dir", c.opts.SessionDir)

	runCtx, cancel := context.WithCancel(context.Background())
	browser := rod.New().ControlURL(u).Context(runCtx)
	if err := browser.Connect(); err != nil {
		cancel()
		l.Kill()
		return fmt.Errorf("connect to browser: %w", err)
	}
	page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: c.opts.URL})
	if err != nil {
		cancel()
		_ = browser.Close()
		l.Kill()
		return fmt.Errorf("open %s: %w", c.opts.URL, err)
	}

	c.launcher, c.browser, c.page, c.cancel = l, browser, page.Context(runCtx), cancel
	c.pollDone = make(chan struct{})
	go c.poll(runCtx, c.page, c.pollDone)
	return nil
}

func (c *Client) newLauncher() (*launcher.Launcher, error) {
	l := launcher.New().
		Headless(c.opts.Headless).
		Leakless(c.opts.Leakless).
		NoSandbox(c.opts.NoSandbox)
	if bin := c.opts.Bin; bin != "" {
		l = l.Bin(bin)
	} else if found, ok := launcher.LookPath(); ok {
		l = l.Bin(found)
	}
	if dir := c.opts.SessionDir; dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("session dir: %w", err)
		}
		if err := os.MkdirAll(abs, 0o700); err != nil {
			return nil, fmt.Errorf("session dir: %w", err)
		}
		c.opts.SessionDir = abs
		l = l.UserDataDir(abs)
	}
	for _, raw := range c.opts.Flags {
		name, vals := parseFlag(raw)
		if name != "" {
			l = l.Set(name, vals...)
		}
	}
	if len(c.opts.Env) > 0 {
		l = l.Env(env.FromOS(c.opts.Env)...)
	}
	if c.opts.Output != nil {
		l = l.Logger(c.opts.Output)
	}
	return l, nil
}

// parseFlag splits "--name=a,b" into the flag name and its values.
func parseFlag(raw string) (flags.Flag, []string) {
	s := strings.TrimLeft(strings.TrimSpace(raw), "-")
	name, val, hasVal := strings.Cut(s, "=")
	if !hasVal {
		return flags.Flag(name), nil
	}
	return flags.Flag(name), strings.Split(val, ",")
}

// Destroy closes the browser and kills its process. The session directory
// is kept so the login survives restarts.
func (c *Client) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser == nil {
		return nil
	}
	var err error
	done := make(chan error, 1)
	browser := c.browser
	go func() { done <- browser.Close() }()
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.teardownLocked()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	return nil
}

// teardownLocked stops polling and makes sure the browser process is gone.
func (c *Client) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		<-c.pollDone
		c.cancel = nil
	}
	if c.launcher != nil {
		// Kill only; Cleanup would delete the session directory.
		c.launcher.Kill()
	}
	c.launcher, c.browser, c.page = nil, nil, nil
}

// ProcessID returns the launcher's pid, falling back to scanning host
// processes for the main browser process using the session directory.
func (c *Client) ProcessID() (int, bool) {
	c.mu.Lock()
	l := c.launcher
	dir := c.opts.SessionDir
	c.mu.Unlock()
	if l != nil && l.PID() > 0 {
		return l.PID(), true
	}
	if c.opts.Lister == nil || dir == "" {
		return 0, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	procs, err := c.opts.Lister.List(ctx)
	if err != nil {
		c.log.Debug("process scan failed", "error", err)
		return 0, false
	}
	return findBrowserPID(procs, dir)
}

// findBrowserPID picks the main browser process (no --type= switch) whose
// command line references dir.
func findBrowserPID(procs []process.Info, dir string) (int, bool) {
	best := 0
	for _, p := range procs {
		if !strings.Contains(p.Cmdline, dir) || strings.Contains(p.Cmdline, "--type=") {
			continue
		}
		if best == 0 || p.PID < best {
			best = p.PID
		}
	}
	return best, best > 0
}

// poll watches the page for the login challenge and the logged-in marker.
func (c *Client) poll(ctx context.Context, page *rod.Page, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.opts.PollInterval)
	defer t.Stop()

	var (
		lastQR   string
		ready    bool
		failures int
	)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		st, err := c.probe(page)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			c.log.Debug("page probe failed", "error", err, "failures", failures)
			if failures >= 3 {
				c.emit(ctx, backend.Event{Type: backend.EventDisconnected, Reason: err.Error()})
				return
			}
			continue
		}
		failures = 0

		switch {
		case st.ready && !ready:
			ready, lastQR = true, ""
			c.emit(ctx, backend.Event{Type: backend.EventAuthenticated})
			c.emit(ctx, backend.Event{Type: backend.EventReady})
		case !st.ready && ready:
			ready = false
			c.emit(ctx, backend.Event{Type: backend.EventDisconnected, Reason: "logged out"})
		}
		if !ready && st.qr != "" && st.qr != lastQR {
			lastQR = st.qr
			c.emit(ctx, backend.Event{Type: backend.EventQR, QR: st.qr})
		}
	}
}

type pageState struct {
	ready bool
	qr    string
}

func (c *Client) probe(page *rod.Page) (pageState, error) {
	var st pageState
	ok, _, err := page.Has(c.opts.ReadySelector)
	if err != nil {
		return st, err
	}
	if ok {
		st.ready = true
		return st, nil
	}
	ok, el, err := page.Has(c.opts.QRSelector)
	if err != nil || !ok {
		return st, err
	}
	if v, err := el.Attribute(c.opts.QRAttribute); err == nil && v != nil {
		st.qr = *v
	} else if txt, err := el.Text(); err == nil {
		st.qr = strings.TrimSpace(txt)
	}
	return st, nil
}

func (c *Client) emit(ctx context.Context, e backend.Event) {
	select {
	case c.events <- e:
	case <-ctx.Done():
	}
}
