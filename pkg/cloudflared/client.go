package cloudflared

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/xlttj/cftunnel/pkg/config"
	"github.com/xlttj/cftunnel/pkg/logging"
)

// ErrClientNotFound is returned when no cloudflared binary can be located.
var ErrClientNotFound = errors.New("cloudflared client binary not found")

// ReadyPattern is the line cloudflared prints once the local listener is up.
const ReadyPattern = "Start Websocket listener"

// BinaryName is the platform file name of the client.
func BinaryName() string {
	if runtime.GOOS == "windows" {
		return "cloudflared.exe"
	}
	return "cloudflared"
}

// Resolve finds the client binary. Search order: the configured path, next to
// the running executable, the data directory, then PATH.
func Resolve(configured, dataDir string) (string, error) {
	if configured != "" {
		if isExecutableFile(configured) {
			return configured, nil
		}
		return "", fmt.Errorf("%w: configured path %s does not exist", ErrClientNotFound, configured)
	}

	var candidates []string
	if exe, err := os.Executable(); err == nil {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), BinaryName()))
	}
	if dataDir != "" {
		candidates = append(candidates, filepath.Join(dataDir, BinaryName()))
	}
	for _, candidate := range candidates {
		if isExecutableFile(candidate) {
			logging.LogDebug("Using cloudflared at %s", candidate)
			return candidate, nil
		}
	}

	path, err := exec.LookPath(BinaryName())
	if err != nil {
		return "", fmt.Errorf("%w: not next to cftunnel, in %s, or on PATH", ErrClientNotFound, dataDir)
	}
	logging.LogDebug("Using cloudflared from PATH: %s", path)
	return path, nil
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0111 != 0
}

// Subcommand maps a tunnel protocol to the access subcommand. cloudflared
// has dedicated listeners for rdp, ssh and smb; everything else is plain tcp.
func Subcommand(protocol string) string {
	switch protocol {
	case "rdp", "ssh", "smb", "tcp":
		return protocol
	default:
		return "tcp"
	}
}

// Args builds the argument list for one tunnel.
func Args(cfg config.TunnelConfig) []string {
	return []string{
		"access", Subcommand(cfg.Protocol),
		"--hostname", cfg.Hostname,
		"--url", fmt.Sprintf("localhost:%d", cfg.LocalPort),
	}
}

// CommandFunc returns a factory producing the client command for a tunnel.
func CommandFunc(binary string) func(cfg config.TunnelConfig) (*exec.Cmd, error) {
	return func(cfg config.TunnelConfig) (*exec.Cmd, error) {
		if binary == "" {
			return nil, ErrClientNotFound
		}
		return exec.Command(binary, Args(cfg)...), nil
	}
}
