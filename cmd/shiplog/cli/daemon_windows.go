//go:build windows

package cli

import "os"

// isProcessRunning relies on FindProcess opening a handle, which fails
// for a pid that no longer exists.
func isProcessRunning(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	proc.Release()
	return true
}

// stopProcess kills the process. Windows has no SIGTERM, so open streams
// are cut rather than drained.
func stopProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Kill()
}
