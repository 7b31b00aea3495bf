package config

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/xlttj/cftunnel/pkg/logging"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps tunnel definitions in a SQLite database. Insertion order
// is the autoincrement seq column, which a rename does not touch.
type SQLiteStore struct {
	db     *sql.DB
	mutex  sync.RWMutex
	dbPath string
}

// NewSQLiteStore opens (or creates) the database at path. ":memory:" is
// accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	dbPath, err := expandHomeDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}

	if dbPath != ":memory:" {
		if err := ensureConfigDir(dbPath); err != nil {
			return nil, err
		}
		// Create the file with restrictive permissions before sqlite does
		if _, statErr := os.Stat(dbPath); os.IsNotExist(statErr) {
			f, ferr := os.OpenFile(dbPath, os.O_CREATE|os.O_RDONLY, 0600)
			if ferr == nil {
				_ = f.Close()
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: sqlite has a single writer and :memory: is per-connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		dbPath: dbPath,
	}
	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	logging.LogDebug("SQLite config store initialized at: %s", dbPath)
	return store, nil
}

func (cs *SQLiteStore) initializeSchema() error {
	schema := `
	PRAGMA busy_timeout = 5000;

	CREATE TABLE IF NOT EXISTS tunnels (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT UNIQUE NOT NULL,
		protocol TEXT NOT NULL,
		hostname TEXT NOT NULL,
		local_port INTEGER NOT NULL
	);
	`

	if _, err := cs.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

// Close closes the database connection
func (cs *SQLiteStore) Close() error {
	if cs.db != nil {
		return cs.db.Close()
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTunnel(row rowScanner) (TunnelConfig, error) {
	var cfg TunnelConfig
	err := row.Scan(&cfg.Name, &cfg.Protocol, &cfg.Hostname, &cfg.LocalPort)
	return cfg, err
}

const selectTunnel = `SELECT name, protocol, hostname, local_port FROM tunnels`

func readTx(tx *sql.Tx, name string) (TunnelConfig, error) {
	cfg, err := scanTunnel(tx.QueryRow(selectTunnel+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return TunnelConfig{}, fmt.Errorf("%w: '%s'", ErrNotFound, name)
	}
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("failed to query tunnel: %w", err)
	}
	return cfg, nil
}

func existsTx(tx *sql.Tx, name string) (bool, error) {
	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM tunnels WHERE name = ?`, name).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query tunnel: %w", err)
	}
	return count > 0, nil
}

// Create adds a new tunnel configuration
func (cs *SQLiteStore) Create(cfg TunnelConfig) (TunnelConfig, error) {
	cfg = Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return TunnelConfig{}, err
	}

	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	tx, err := cs.db.Begin()
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	exists, err := existsTx(tx, cfg.Name)
	if err != nil {
		return TunnelConfig{}, err
	}
	if exists {
		return TunnelConfig{}, fmt.Errorf("%w: '%s'", ErrDuplicateName, cfg.Name)
	}

	_, err = tx.Exec(`INSERT INTO tunnels (name, protocol, hostname, local_port) VALUES (?, ?, ?, ?)`,
		cfg.Name, cfg.Protocol, cfg.Hostname, cfg.LocalPort)
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("failed to add tunnel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return TunnelConfig{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	logging.LogDebug("Added tunnel: %s", cfg.Name)
	return cfg, nil
}

// Read returns the tunnel configuration with the given name
func (cs *SQLiteStore) Read(name string) (TunnelConfig, error) {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	cfg, err := scanTunnel(cs.db.QueryRow(selectTunnel+` WHERE name = ?`, name))
	if errors.Is(err, sql.ErrNoRows) {
		return TunnelConfig{}, fmt.Errorf("%w: '%s'", ErrNotFound, name)
	}
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("failed to query tunnel: %w", err)
	}
	return cfg, nil
}

// Update applies patch to the named tunnel in one transaction
func (cs *SQLiteStore) Update(name string, patch Patch) (TunnelConfig, error) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	tx, err := cs.db.Begin()
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := readTx(tx, name)
	if err != nil {
		return TunnelConfig{}, err
	}
	updated := Normalize(patch.Apply(current))
	if err := Validate(updated); err != nil {
		return TunnelConfig{}, err
	}
	if updated.Name != name {
		exists, err := existsTx(tx, updated.Name)
		if err != nil {
			return TunnelConfig{}, err
		}
		if exists {
			return TunnelConfig{}, fmt.Errorf("%w: '%s'", ErrDuplicateName, updated.Name)
		}
	}

	_, err = tx.Exec(`UPDATE tunnels SET name = ?, protocol = ?, hostname = ?, local_port = ? WHERE name = ?`,
		updated.Name, updated.Protocol, updated.Hostname, updated.LocalPort, name)
	if err != nil {
		return TunnelConfig{}, fmt.Errorf("failed to update tunnel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return TunnelConfig{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	logging.LogDebug("Updated tunnel: %s -> %s", name, updated.Name)
	return updated, nil
}

// Delete removes a tunnel configuration by name
func (cs *SQLiteStore) Delete(name string) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	result, err := cs.db.Exec(`DELETE FROM tunnels WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete tunnel: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: '%s'", ErrNotFound, name)
	}

	logging.LogDebug("Deleted tunnel: %s", name)
	return nil
}

// List returns all tunnel configurations in insertion order
func (cs *SQLiteStore) List() ([]TunnelConfig, error) {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	rows, err := cs.db.Query(selectTunnel + ` ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tunnels: %w", err)
	}
	defer rows.Close()

	configs := []TunnelConfig{}
	for rows.Next() {
		cfg, err := scanTunnel(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tunnel row: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tunnel rows: %w", err)
	}
	return configs, nil
}
