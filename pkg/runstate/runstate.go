package runstate

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xlttj/cftunnel/pkg/logging"
)

// ErrOwnerAlive is returned by Stop when the owning process outlived the wait.
var ErrOwnerAlive = errors.New("owning cftunnel process did not exit")

// DefaultStopWait bounds how long Stop waits for the owner to go away.
const DefaultStopWait = 15 * time.Second

// Record marks a tunnel whose client is run by a cftunnel process. The owner
// writes it once the tunnel is running and removes it when it stops.
type Record struct {
	Name      string    `yaml:"name"`
	OwnerPID  int       `yaml:"owner_pid"`
	ClientPID int       `yaml:"client_pid"`
	Port      int       `yaml:"port"`
	RunID     string    `yaml:"run_id"`
	StartedAt time.Time `yaml:"started_at"`
}

// Registry keeps one record file per running tunnel in a directory shared by
// every cftunnel process of a data directory.
type Registry struct {
	dir      string
	pid      int
	StopWait time.Duration

	alive  func(pid int) bool
	signal func(rec Record) error
}

// Open creates the registry directory if needed.
func Open(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	return &Registry{
		dir:      dir,
		pid:      os.Getpid(),
		StopWait: DefaultStopWait,
		alive:    processAlive,
		signal:   signalOwner,
	}, nil
}

// path names the record file after the hex tunnel name, which may hold any
// character.
func (r *Registry) path(name string) string {
	return filepath.Join(r.dir, hex.EncodeToString([]byte(name))+".yaml")
}

func (r *Registry) read(name string) (Record, bool) {
	data, err := os.ReadFile(r.path(name))
	if err != nil {
		if !os.IsNotExist(err) {
			logging.LogWarn("Cannot read run record of %s: %v", name, err)
		}
		return Record{}, false
	}
	var rec Record
	if err := yaml.Unmarshal(data, &rec); err != nil || rec.Name != name {
		logging.LogWarn("Discarding unreadable run record of %s", name)
		r.remove(name)
		return Record{}, false
	}
	return rec, true
}

func (r *Registry) remove(name string) {
	if err := os.Remove(r.path(name)); err != nil && !os.IsNotExist(err) {
		logging.LogWarn("Cannot remove run record of %s: %v", name, err)
	}
}

// Claim records that this process runs rec.Name.
func (r *Registry) Claim(rec Record) error {
	rec.OwnerPID = r.pid
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}

	tmp, err := os.CreateTemp(r.dir, ".run-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create run record: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write run record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write run record: %w", err)
	}
	if err := os.Rename(tmpName, r.path(rec.Name)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to store run record: %w", err)
	}
	logging.LogDebug("Claimed tunnel %s (run %s)", rec.Name, rec.RunID)
	return nil
}

// Release removes this process's record of name. An empty runID matches any
// run. Records of other processes are left alone.
func (r *Registry) Release(name, runID string) error {
	rec, ok := r.read(name)
	if !ok || rec.OwnerPID != r.pid {
		return nil
	}
	if runID != "" && rec.RunID != runID {
		return nil
	}
	if err := os.Remove(r.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove run record: %w", err)
	}
	logging.LogDebug("Released tunnel %s", name)
	return nil
}

// Lookup returns the record of another live process running name. Records
// left behind by dead processes are removed.
func (r *Registry) Lookup(name string) (Record, bool) {
	rec, ok := r.read(name)
	if !ok || rec.OwnerPID == r.pid {
		return Record{}, false
	}
	if !r.alive(rec.OwnerPID) {
		logging.LogInfo("Removing stale run record of %s (process %d is gone)", name, rec.OwnerPID)
		r.remove(name)
		return Record{}, false
	}
	return rec, true
}

// ClientAlive reports whether the record's client process still exists.
func (r *Registry) ClientAlive(rec Record) bool {
	return r.alive(rec.ClientPID)
}

// Stop asks the owner of rec to stop its tunnels and waits until it has
// exited or removed the record.
func (r *Registry) Stop(ctx context.Context, rec Record) error {
	logging.LogInfo("Asking cftunnel process %d to stop tunnel %s", rec.OwnerPID, rec.Name)
	if err := r.signal(rec); err != nil {
		return fmt.Errorf("failed to signal cftunnel process %d: %w", rec.OwnerPID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.StopWait)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !r.alive(rec.OwnerPID) {
			r.remove(rec.Name)
			return nil
		}
		if cur, ok := r.read(rec.Name); !ok || cur.RunID != rec.RunID {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: PID %d", ErrOwnerAlive, rec.OwnerPID)
		case <-ticker.C:
		}
	}
}
