// Package reclaim finds tracked browser processes that outlived their
// supervisor and terminates them.
package reclaim

import (
	"context"
	"log/slog"
	"time"

	"github.com/loykin/bridgevisor/internal/history"
	"github.com/loykin/bridgevisor/internal/metrics"
	"github.com/loykin/bridgevisor/internal/registry"
)

// DefaultStaleAfter is how long a foreign entry must have been registered
// before it counts as abandoned.
const DefaultStaleAfter = 10 * time.Minute

// Prober reports process liveness.
type Prober interface {
	IsRunning(ctx context.Context, pid int) bool
}

// Killer forcefully terminates a process.
type Killer interface {
	Kill(ctx context.Context, pid int) bool
}

// Store is the part of the registry the reclaimer needs.
type Store interface {
	InstanceID() string
	Update(ctx context.Context, fn func([]registry.TrackedProcess) ([]registry.TrackedProcess, bool)) []registry.TrackedProcess
}

// Result summarizes one reclaim pass.
type Result struct {
	Checked    int `json:"checked"`
	Dropped    int `json:"dropped"`
	Killed     int `json:"killed"`
	KillFailed int `json:"kill_failed"`
	Kept       int `json:"kept"`
}

// Changed reports whether the pass removed anything from the registry.
func (r Result) Changed() bool { return r.Dropped+r.Killed > 0 }

// Reclaimer runs reclaim passes over a registry.
type Reclaimer struct {
	store      Store
	prober     Prober
	killer     Killer
	staleAfter time.Duration
	log        *slog.Logger
	hist       *history.Recorder
	now        func() time.Time
}

// Option customizes a Reclaimer.
type Option func(*Reclaimer)

func WithStaleAfter(d time.Duration) Option {
	return func(r *Reclaimer) {
		if d > 0 {
			r.staleAfter = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reclaimer) {
		if l != nil {
			r.log = l
		}
	}
}

func WithHistory(h *history.Recorder) Option { return func(r *Reclaimer) { r.hist = h } }

func WithClock(now func() time.Time) Option { return func(r *Reclaimer) { r.now = now } }

// New returns a Reclaimer.
func New(store Store, prober Prober, killer Killer, opts ...Option) *Reclaimer {
	r := &Reclaimer{
		store:      store,
		prober:     prober,
		killer:     killer,
		staleAfter: DefaultStaleAfter,
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "reclaim")
	return r
}

// StaleAfter returns the orphan age threshold.
func (r *Reclaimer) StaleAfter() time.Duration { return r.staleAfter }

// Orphaned reports whether a running entry is abandoned: owned by another
// instance and registered longer ago than the threshold.
func (r *Reclaimer) Orphaned(p registry.TrackedProcess, now time.Time) bool {
	return p.InstanceID != r.store.InstanceID() && p.Age(now) > r.staleAfter
}

// Reclaim runs one pass. Dead entries are dropped without a kill. Orphans
// are killed and dropped; a failed kill keeps the entry for the next pass.
// Everything else is kept, including every entry not yet examined when ctx
// is done. The registry is written only when it changed.
func (r *Reclaimer) Reclaim(ctx context.Context) Result {
	start := time.Now()
	var (
		res    Result
		events []history.Event
	)
	mine := r.store.InstanceID()

	r.store.Update(ctx, func(set []registry.TrackedProcess) ([]registry.TrackedProcess, bool) {
		res = Result{Checked: len(set)}
		events = events[:0]
		now := r.now()
		keep := make([]registry.TrackedProcess, 0, len(set))
		for _, p := range set {
			// A liveness check under a done ctx reads as "not running"; stop
			// deciding and keep the rest so live orphans stay tracked.
			if ctx.Err() != nil {
				res.Kept++
				keep = append(keep, p)
				continue
			}
			ev := history.Event{OccurredAt: now, PID: p.PID, InstanceID: p.InstanceID}
			switch {
			case !r.prober.IsRunning(ctx, p.PID):
				res.Dropped++
				ev.Type = history.EventDrop
				events = append(events, ev)
				r.log.Debug("dropping dead entry", "pid", p.PID, "owner", p.InstanceID)
			case r.Orphaned(p, now):
				if r.killer.Kill(ctx, p.PID) {
					res.Killed++
					ev.Type = history.EventKill
					ev.Detail = "orphaned for " + p.Age(now).Round(time.Second).String()
					events = append(events, ev)
					r.log.Info("killed orphaned process", "pid", p.PID, "owner", p.InstanceID, "age", p.Age(now).Round(time.Second))
				} else {
					res.KillFailed++
					res.Kept++
					keep = append(keep, p)
					ev.Type = history.EventKillFailed
					events = append(events, ev)
					r.log.Warn("orphan kill failed, will retry", "pid", p.PID, "owner", p.InstanceID)
				}
			default:
				res.Kept++
				keep = append(keep, p)
			}
		}
		return keep, res.Changed()
	})

	for _, e := range events {
		r.hist.Record(ctx, e)
	}
	metrics.ObserveReclaim(res.Dropped, res.Killed, res.KillFailed, time.Since(start).Seconds())
	if res.Changed() || res.KillFailed > 0 {
		r.log.Info("reclaim pass", "instance", mine, "checked", res.Checked, "dropped", res.Dropped,
			"killed", res.Killed, "kill_failed", res.KillFailed, "kept", res.Kept)
	}
	return res
}
