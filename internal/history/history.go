package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of supervision event.
type EventType string

const (
	EventRegister   EventType = "register"
	EventUnregister EventType = "unregister"
	// EventDrop is a tracked entry removed because its process was already gone.
	EventDrop       EventType = "drop"
	EventKill       EventType = "kill"
	EventKillFailed EventType = "kill_failed"
	EventSweepKill  EventType = "sweep_kill"
)

// Event is a supervision event exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id"`
	Detail     string    `json:"detail,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}

// Recorder fans events out to every configured sink. Delivery is
// best-effort: sink errors are logged at debug and never returned.
// A nil *Recorder is valid and drops everything.
type Recorder struct {
	mu    sync.RWMutex
	sinks []Sink
	log   *slog.Logger
}

// NewRecorder returns a Recorder over sinks.
func NewRecorder(l *slog.Logger, sinks ...Sink) *Recorder {
	if l == nil {
		l = slog.Default()
	}
	return &Recorder{sinks: sinks, log: l.With("component", "history")}
}

// Add appends a sink.
func (r *Recorder) Add(s Sink) {
	if r == nil || s == nil {
		return
	}
	r.mu.Lock()
	r.sinks = append(r.sinks, s)
	r.mu.Unlock()
}

// Record stamps OccurredAt when unset and sends e to all sinks.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	sinks := r.sinks
	r.mu.RUnlock()
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Debug("history sink send failed", "type", e.Type, "pid", e.PID, "error", err)
		}
	}
}

// Close closes every sink and returns the joined errors.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()
	var errs []error
	for _, s := range sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
