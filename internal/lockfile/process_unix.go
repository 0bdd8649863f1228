//go:build unix

package lockfile

import "syscall"

// isProcessRunning reports whether a process with the given PID exists.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		// PID 0 would signal our process group, not a specific process.
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
