//go:build windows

package state

import "os"

// os.FindProcess opens a handle on windows and fails for unknown PIDs.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
