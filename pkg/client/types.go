package client

import "time"

// Status mirrors GET /status.
type Status struct {
	State      string `json:"state"`
	Connected  bool   `json:"connected"`
	PID        int    `json:"pid,omitempty"`
	QRPending  bool   `json:"qr_pending"`
	InstanceID string `json:"instance_id"`
}

// Process is one tracked process from GET /processes.
type Process struct {
	PID int `json:"pid"`
	// StartTime is ms since epoch at registration.
	StartTime   int64      `json:"startTime"`
	InstanceID  string     `json:"instanceId"`
	Running     bool       `json:"running"`
	Owned       bool       `json:"owned"`
	OSStartTime *time.Time `json:"osStartTime,omitempty"`
}

// RegisteredAt converts StartTime.
func (p Process) RegisteredAt() time.Time { return time.UnixMilli(p.StartTime) }

// CleanupResult mirrors POST /cleanup.
type CleanupResult struct {
	Checked    int `json:"checked"`
	Dropped    int `json:"dropped"`
	Killed     int `json:"killed"`
	KillFailed int `json:"kill_failed"`
	Kept       int `json:"kept"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
