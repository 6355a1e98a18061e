//go:build windows

package process

import (
	"context"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

func isRunning(ctx context.Context, pid int) bool {
	ok, err := gopsproc.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// kill maps to TerminateProcess.
func kill(ctx context.Context, pid int) error {
	p, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return err
	}
	return p.KillWithContext(ctx)
}
