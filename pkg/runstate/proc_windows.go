//go:build windows

package runstate

import (
	"os"

	"golang.org/x/sys/windows"
)

const stillActive = 259

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}

// signalOwner kills the client and then its owner. Windows has no signal the
// owner could handle, so the client would otherwise outlive it.
func signalOwner(rec Record) error {
	if p, err := os.FindProcess(rec.ClientPID); err == nil {
		_ = p.Kill()
	}
	p, err := os.FindProcess(rec.OwnerPID)
	if err != nil {
		return err
	}
	return p.Kill()
}
