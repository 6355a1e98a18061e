// Package backend defines the browser-backed messaging session the
// coordinator drives.
package backend

import "context"

// EventType enumerates backend notifications.
type EventType string

const (
	// EventQR carries a login challenge payload in Event.QR.
	EventQR            EventType = "qr"
	EventAuthenticated EventType = "authenticated"
	EventReady         EventType = "ready"
	EventDisconnected  EventType = "disconnected"
)

// Event is a backend notification.
type Event struct {
	Type   EventType
	QR     string
	Reason string
}

// Backend is a messaging session running inside a browser process.
type Backend interface {
	// Initialize starts the browser and opens the session. It fails when no
	// connection can be established.
	Initialize(ctx context.Context) error
	// Destroy releases all backend resources including the browser process.
	Destroy(ctx context.Context) error
	// ProcessID returns the browser's OS pid when known.
	ProcessID() (int, bool)
	// Events returns the notification stream. The same channel is returned
	// for the lifetime of the Backend.
	Events() <-chan Event
}
