//go:build unix

package workerpool

import "golang.org/x/sys/unix"

// Process hibernation uses job-control signals. A stopped child keeps
// its memory and descriptors and resumes exactly where it was.

func stopProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	return unix.Kill(pid, unix.SIGSTOP)
}

func contProcess(pid int) error {
	if pid <= 0 {
		return nil
	}
	return unix.Kill(pid, unix.SIGCONT)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}
