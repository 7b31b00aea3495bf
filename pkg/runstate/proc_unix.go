//go:build unix

package runstate

import "golang.org/x/sys/unix"

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// signalOwner sends SIGTERM; the owner stops its tunnels on the way out.
func signalOwner(rec Record) error {
	return unix.Kill(rec.OwnerPID, unix.SIGTERM)
}
