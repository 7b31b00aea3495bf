package supervisor

import (
	"fmt"
	"net"

	"github.com/xlttj/cftunnel/pkg/logging"
)

// probePort checks that a TCP port can be listened on at localhost. The client
// binds there, so a foreign listener means the start would fail anyway.
func probePort(port int) error {
	address := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		logging.LogDebug("Port check: cannot listen on %s: %v", address, err)
		return fmt.Errorf("%w: %s is held by another process", ErrPortInUse, address)
	}
	_ = listener.Close()
	return nil
}

// reservePortLocked claims port for name. Must be called with s.mu held.
func (s *Supervisor) reservePortLocked(name string, port int) error {
	if holder, reserved := s.ports[port]; reserved && holder != name {
		return fmt.Errorf("%w: local port %d is used by tunnel '%s'", ErrPortInUse, port, holder)
	}
	s.ports[port] = name
	logging.LogDebug("Reserved local port %d for tunnel %s", port, name)
	return nil
}

// releasePortLocked frees port if name still holds it. Must be called with s.mu held.
func (s *Supervisor) releasePortLocked(name string, port int) {
	if port == 0 {
		return
	}
	if holder, ok := s.ports[port]; ok && holder == name {
		delete(s.ports, port)
		logging.LogDebug("Released local port %d reservation for tunnel %s", port, name)
		return
	}
	logging.LogError("Could not release port %d for tunnel %s: held by '%s'", port, name, s.ports[port])
}

// Reserved returns the tunnel holding port, if any.
func (s *Supervisor) Reserved(port int) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.ports[port]
	return name, ok
}
