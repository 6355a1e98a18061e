// Package registry persists the set of browser processes this supervisor
// has started, keyed by pid, so that orphans can be found after a restart.
//
// The file is a JSON array of TrackedProcess. It is best-effort state: an
// absent or unparsable file reads as empty and write failures are logged.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/loykin/bridgevisor/internal/history"
	"github.com/loykin/bridgevisor/internal/metrics"
)

const (
	DefaultPath        = ".bridgevisor/processes.json"
	DefaultLockTimeout = 2 * time.Second
	lockRetryDelay     = 25 * time.Millisecond
)

// TrackedProcess is one registry entry.
type TrackedProcess struct {
	PID int `json:"pid"`
	// StartTime is ms since epoch at registration, not the OS start time.
	StartTime  int64  `json:"startTime"`
	InstanceID string `json:"instanceId"`
}

// RegisteredAt returns StartTime as a time.Time.
func (p TrackedProcess) RegisteredAt() time.Time { return time.UnixMilli(p.StartTime) }

// Age is the time elapsed since registration.
func (p TrackedProcess) Age(now time.Time) time.Duration { return now.Sub(p.RegisteredAt()) }

// Options configures a Registry.
type Options struct {
	Path string
	// InstanceID overrides the generated owner id.
	InstanceID string
	// LockTimeout bounds the wait for the advisory file lock; 0 uses DefaultLockTimeout.
	LockTimeout time.Duration
	Logger      *slog.Logger
	History     *history.Recorder
	Now         func() time.Time
}

// Registry is the persisted set of tracked processes. Mutations within one
// Registry are serialized; across processes the last writer wins.
type Registry struct {
	path        string
	instanceID  string
	lockTimeout time.Duration
	log         *slog.Logger
	hist        *history.Recorder
	now         func() time.Time

	mu   sync.Mutex
	lock *flock.Flock
}

// NewInstanceID returns "<unix-millis>-<random suffix>".
func NewInstanceID() string {
	return fmt.Sprintf("%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// New returns a Registry for o.Path (DefaultPath when empty).
func New(o Options) *Registry {
	if o.Path == "" {
		o.Path = DefaultPath
	}
	if o.InstanceID == "" {
		o.InstanceID = NewInstanceID()
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Registry{
		path:        o.Path,
		instanceID:  o.InstanceID,
		lockTimeout: o.LockTimeout,
		log:         o.Logger.With("component", "registry"),
		hist:        o.History,
		now:         o.Now,
		lock:        flock.New(o.Path + ".lock"),
	}
}

// Path returns the registry file path.
func (r *Registry) Path() string { return r.path }

// InstanceID returns this supervisor instance's owner id.
func (r *Registry) InstanceID() string { return r.instanceID }

// Read loads the persisted set, sorted by pid. It never fails.
func (r *Registry) Read(ctx context.Context) []TrackedProcess {
	b, err := os.ReadFile(r.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("read registry", "path", r.path, "error", err)
		}
		return []TrackedProcess{}
	}
	set, err := decode(b)
	if err != nil {
		r.log.Warn("registry file unparsable, treating as empty", "path", r.path, "error", err)
		return []TrackedProcess{}
	}
	return set
}

// Write replaces the persisted set with exactly set.
func (r *Registry) Write(ctx context.Context, set []TrackedProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	unlock := r.acquire(ctx)
	defer unlock()
	r.write(set)
}

// Register upserts pid with the current time and this instance as owner.
func (r *Registry) Register(ctx context.Context, pid int) {
	if pid <= 0 {
		return
	}
	now := r.now()
	_, written := r.update(ctx, func(set []TrackedProcess) ([]TrackedProcess, bool) {
		out := remove(set, pid)
		out = append(out, TrackedProcess{PID: pid, StartTime: now.UnixMilli(), InstanceID: r.instanceID})
		return out, true
	})
	if !written {
		return
	}
	r.log.Info("registered process", "pid", pid, "instance", r.instanceID)
	r.hist.Record(ctx, history.Event{Type: history.EventRegister, OccurredAt: now, PID: pid, InstanceID: r.instanceID})
}

// Unregister removes pid and reports whether it was present.
func (r *Registry) Unregister(ctx context.Context, pid int) bool {
	var removed bool
	_, written := r.update(ctx, func(set []TrackedProcess) ([]TrackedProcess, bool) {
		out := remove(set, pid)
		removed = len(out) != len(set)
		return out, removed
	})
	if removed && written {
		r.log.Info("unregistered process", "pid", pid)
		r.hist.Record(ctx, history.Event{Type: history.EventUnregister, OccurredAt: r.now(), PID: pid, InstanceID: r.instanceID})
	}
	return removed
}

// Update runs a read-modify-write cycle. fn receives the current set and
// returns the new set plus whether it changed; nothing is written otherwise.
// The resulting set is returned.
func (r *Registry) Update(ctx context.Context, fn func([]TrackedProcess) ([]TrackedProcess, bool)) []TrackedProcess {
	set, _ := r.update(ctx, fn)
	return set
}

// update is Update that also reports whether a changed set reached disk.
func (r *Registry) update(ctx context.Context, fn func([]TrackedProcess) ([]TrackedProcess, bool)) ([]TrackedProcess, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	unlock := r.acquire(ctx)
	defer unlock()

	cur := r.Read(ctx)
	next, changed := fn(cur)
	if !changed {
		return cur, false
	}
	next = normalize(next)
	return next, r.write(next)
}

// acquire takes the advisory cross-process lock. Failing to get it within
// lockTimeout is logged and the caller proceeds unlocked.
func (r *Registry) acquire(ctx context.Context) func() {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o750); err != nil {
		r.log.Warn("create registry dir", "path", r.path, "error", err)
		return func() {}
	}
	lctx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()
	ok, err := r.lock.TryLockContext(lctx, lockRetryDelay)
	if err != nil || !ok {
		r.log.Warn("registry lock not acquired, proceeding", "path", r.lock.Path(), "error", err)
		return func() {}
	}
	return func() {
		if err := r.lock.Unlock(); err != nil {
			r.log.Debug("registry unlock", "error", err)
		}
	}
}

func (r *Registry) write(set []TrackedProcess) bool {
	set = normalize(set)
	b, err := json.MarshalIndent(set, "", "  ")
	if err != nil {
		r.log.Warn("encode registry", "error", err)
		return false
	}
	if err := writeFileAtomic(r.path, b, 0o644); err != nil {
		r.log.Warn("write registry", "path", r.path, "error", err)
		return false
	}
	metrics.SetTracked(len(set))
	return true
}

// writeFileAtomic writes to a temp file in the same directory and renames
// it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// decode parses the registry file. Entries with a non-positive pid are
// skipped and duplicate pids collapse to the last occurrence.
func decode(b []byte) ([]TrackedProcess, error) {
	var raw []TrackedProcess
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return normalize(raw), nil
}

func normalize(set []TrackedProcess) []TrackedProcess {
	byPID := make(map[int]TrackedProcess, len(set))
	for _, p := range set {
		if p.PID <= 0 {
			continue
		}
		byPID[p.PID] = p
	}
	out := make([]TrackedProcess, 0, len(byPID))
	for _, p := range byPID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

func remove(set []TrackedProcess, pid int) []TrackedProcess {
	out := make([]TrackedProcess, 0, len(set))
	for _, p := range set {
		if p.PID != pid {
			out = append(out, p)
		}
	}
	return out
}

// PIDs returns the pids in set.
func PIDs(set []TrackedProcess) []int {
	out := make([]int, len(set))
	for i, p := range set {
		out[i] = p.PID
	}
	return out
}
