//go:build windows

package lock

import "os"

// processAlive is best effort: FindProcess opens a handle only for live pids.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = p.Release()
	return true
}
