package cloudflared

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/Masterminds/semver"
)

var versionPattern = regexp.MustCompile(`version\s+v?(\d+\.\d+\.\d+\S*)`)

// ParseVersion extracts the version from `cloudflared --version` output, e.g.
// "cloudflared version 2024.6.1 (built 2024-06-12-1234 UTC)".
func ParseVersion(output string) (*semver.Version, error) {
	match := versionPattern.FindStringSubmatch(output)
	if match == nil {
		return nil, fmt.Errorf("no version in client output %q", output)
	}
	v, err := semver.NewVersion(match[1])
	if err != nil {
		return nil, fmt.Errorf("could not parse client version %q: %w", match[1], err)
	}
	return v, nil
}

// Version runs the client with --version.
func Version(ctx context.Context, binary string) (*semver.Version, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, binary, "--version").CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("%s --version failed: %w", binary, err)
	}
	return ParseVersion(string(out))
}

// CheckVersion reports an error when v is older than minimum.
func CheckVersion(v *semver.Version, minimum string) error {
	constraint, err := semver.NewConstraint(">= " + minimum)
	if err != nil {
		return fmt.Errorf("invalid minimum client version %q: %w", minimum, err)
	}
	if !constraint.Check(v) {
		return fmt.Errorf("cloudflared version %s is not supported. Please use at least %s", v, minimum)
	}
	return nil
}
