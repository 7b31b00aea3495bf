package config

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for operations on an unknown tunnel name.
	ErrNotFound = errors.New("tunnel not found")
	// ErrDuplicateName is returned when a create or rename collides with an existing name.
	ErrDuplicateName = errors.New("tunnel name already exists")
	// ErrInvalid wraps every validation failure.
	ErrInvalid = errors.New("invalid tunnel configuration")
)

// Storage backends understood by Open.
const (
	BackendYAML   = "yaml"
	BackendSQLite = "sqlite"
)

// Store persists tunnel definitions. Implementations are safe for concurrent
// use; List returns records in insertion order.
type Store interface {
	Create(cfg TunnelConfig) (TunnelConfig, error)
	Read(name string) (TunnelConfig, error)
	Update(name string, patch Patch) (TunnelConfig, error)
	Delete(name string) error
	List() ([]TunnelConfig, error)
	Close() error
}

// Open creates the store for the named backend at path.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", BackendYAML:
		return NewFileStore(path)
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store backend %q (want %s or %s)", backend, BackendYAML, BackendSQLite)
	}
}
