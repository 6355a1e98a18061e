//go:build !windows

package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

// isRunning uses signal 0. EPERM means the process exists but belongs to
// someone else.
func isRunning(_ context.Context, pid int) bool {
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	// An unreaped child stays in the table as a zombie; it is gone for our purposes.
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return true
}

func kill(_ context.Context, pid int) error {
	return unix.Kill(pid, unix.SIGKILL)
}

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
