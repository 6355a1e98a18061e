// Package process probes, kills and enumerates host processes.
//
// Every operation is best-effort: failures are logged and folded into a
// boolean result so that callers doing registry bookkeeping never have to
// handle probe or kill errors.
package process

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// Info describes one host process as seen by List.
type Info struct {
	PID       int       `json:"pid"`
	Name      string    `json:"name"`
	Cmdline   string    `json:"cmdline"`
	CreatedAt time.Time `json:"created_at"`
}

// Host is the platform liveness prober and terminator.
type Host struct {
	log *slog.Logger
}

// NewHost returns a Host logging through l (slog.Default when nil).
func NewHost(l *slog.Logger) *Host {
	if l == nil {
		l = slog.Default()
	}
	return &Host{log: l.With("component", "process")}
}

// IsRunning reports whether pid currently exists on the host.
// Any probing error is reported as not running.
func (h *Host) IsRunning(ctx context.Context, pid int) bool {
	if pid <= 0 || ctx.Err() != nil {
		return false
	}
	return isRunning(ctx, pid)
}

// Kill forcefully terminates pid and reports whether the kill command
// succeeded. It does not wait for the process to disappear.
func (h *Host) Kill(ctx context.Context, pid int) bool {
	if pid <= 0 || pid == os.Getpid() {
		h.log.Warn("refusing to kill pid", "pid", pid)
		return false
	}
	if err := ctx.Err(); err != nil {
		h.log.Warn("kill skipped", "pid", pid, "error", err)
		return false
	}
	if err := kill(ctx, pid); err != nil {
		h.log.Warn("kill failed", "pid", pid, "error", err)
		return false
	}
	h.log.Debug("killed", "pid", pid)
	return true
}

// StartTime returns the OS start time of pid, or the zero time when unknown.
// Display only; age decisions use registration time.
func (h *Host) StartTime(pid int) time.Time {
	sec := procStartUnix(pid)
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// List enumerates host processes. Processes that vanish or deny access
// mid-scan are returned with whatever fields could be read.
func (h *Host) List(ctx context.Context) ([]Info, error) {
	procs, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		info := Info{PID: int(p.Pid)}
		if name, err := p.NameWithContext(ctx); err == nil {
			info.Name = name
		}
		if cmd, err := p.CmdlineWithContext(ctx); err == nil {
			info.Cmdline = cmd
		}
		if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
			info.CreatedAt = time.UnixMilli(ms)
		}
		out = append(out, info)
	}
	return out, nil
}
