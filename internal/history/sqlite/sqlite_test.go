package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/bridgevisor/internal/history"
)

func TestSQLiteSink_File(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "events.db")

	sink, err := New("sqlite://" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	events := []history.Event{
		{Type: history.EventRegister, OccurredAt: time.Now().UTC(), PID: 12345, InstanceID: "1700000000000-abc"},
		{Type: history.EventKill, OccurredAt: time.Now().UTC(), PID: 12345, InstanceID: "1700000000000-abc", Detail: "orphaned"},
		{Type: history.EventDrop, OccurredAt: time.Now().UTC(), PID: 777, InstanceID: "other"},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	n, err := sink.Count(ctx, "")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3 events, got %d", n)
	}
	n, err = sink.Count(ctx, history.EventKill)
	if err != nil {
		t.Fatalf("count kill: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 kill event, got %d", n)
	}
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() { _ = sink.Close() }()

	ctx := context.Background()
	if err := sink.Send(ctx, history.Event{Type: history.EventSweepKill, OccurredAt: time.Now(), PID: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	n, err := sink.Count(ctx, history.EventSweepKill)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 sweep_kill, got %d (%v)", n, err)
	}
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	if _, err := New("  "); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}
