package config

import (
	"fmt"
	"strings"
)

// Defaults applied to records that leave a field out.
const (
	DefaultProtocol  = "rdp"
	DefaultLocalPort = 3389
)

// KnownProtocols are the protocols offered by the front ends. Other values are
// accepted and passed through as informational.
var KnownProtocols = []string{"rdp", "tcp", "http", "https", "smb", "ssh"}

// TunnelConfig is a persisted tunnel definition.
// Runtime status is managed in-memory by the supervisor.
type TunnelConfig struct {
	Name      string `yaml:"name" json:"name"`
	Protocol  string `yaml:"protocol" json:"protocol"`
	Hostname  string `yaml:"hostname" json:"hostname"`
	LocalPort int    `yaml:"local_port" json:"local_port"`
}

// Patch is a partial update. Nil fields are left as they are; a non-nil Name
// renames the record in place.
type Patch struct {
	Name      *string `json:"new_name,omitempty"`
	Protocol  *string `json:"protocol,omitempty"`
	Hostname  *string `json:"hostname,omitempty"`
	LocalPort *int    `json:"local_port,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Name == nil && p.Protocol == nil && p.Hostname == nil && p.LocalPort == nil
}

// Apply returns cfg with the patch fields applied.
func (p Patch) Apply(cfg TunnelConfig) TunnelConfig {
	if p.Name != nil {
		cfg.Name = *p.Name
	}
	if p.Protocol != nil {
		cfg.Protocol = *p.Protocol
	}
	if p.Hostname != nil {
		cfg.Hostname = *p.Hostname
	}
	if p.LocalPort != nil {
		cfg.LocalPort = *p.LocalPort
	}
	return cfg
}

// Normalize lowercases the protocol, trims the hostname and fills in the
// default protocol. The name is left alone so validation can reject padding.
func Normalize(cfg TunnelConfig) TunnelConfig {
	cfg.Protocol = strings.ToLower(strings.TrimSpace(cfg.Protocol))
	if cfg.Protocol == "" {
		cfg.Protocol = DefaultProtocol
	}
	cfg.Hostname = strings.TrimSpace(cfg.Hostname)
	return cfg
}

// Validate checks a single record. Errors wrap ErrInvalid.
func Validate(cfg TunnelConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Name) != cfg.Name {
		return fmt.Errorf("%w: name '%s' contains leading/trailing whitespace", ErrInvalid, cfg.Name)
	}
	if cfg.Hostname == "" {
		return fmt.Errorf("%w: hostname must not be empty", ErrInvalid)
	}
	if strings.ContainsAny(cfg.Hostname, " \t\r\n") {
		return fmt.Errorf("%w: hostname '%s' contains whitespace", ErrInvalid, cfg.Hostname)
	}
	if cfg.LocalPort < 1 || cfg.LocalPort > 65535 {
		return fmt.Errorf("%w: local port %d is outside 1-65535", ErrInvalid, cfg.LocalPort)
	}
	if strings.ContainsAny(cfg.Protocol, " \t\r\n") {
		return fmt.Errorf("%w: protocol '%s' contains whitespace", ErrInvalid, cfg.Protocol)
	}
	return nil
}

// IsKnownProtocol reports whether p is one of KnownProtocols.
func IsKnownProtocol(p string) bool {
	for _, known := range KnownProtocols {
		if known == p {
			return true
		}
	}
	return false
}
