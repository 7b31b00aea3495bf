package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/xlttj/cftunnel/pkg/logging"

	"gopkg.in/yaml.v3"
)

// FileStore keeps tunnel definitions in a YAML document. Every write replaces
// the whole file through a temp file and rename, so a crash mid-write leaves
// the last committed document in place.
type FileStore struct {
	configs  []TunnelConfig
	mutex    sync.RWMutex
	filePath string
}

// storeFile is the on-disk document.
type storeFile struct {
	Tunnels []TunnelConfig `yaml:"tunnels"`
}

// legacyRecord accepts both the current layout and older JSON records, which
// carried a url instead of local_port and a transient pid.
type legacyRecord struct {
	Name      string `yaml:"name"`
	Protocol  string `yaml:"protocol"`
	Hostname  string `yaml:"hostname"`
	LocalPort *int   `yaml:"local_port"`
	URL       string `yaml:"url"`
}

// expandHomeDir replaces the leading ~ with the user's home directory
func expandHomeDir(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// ensureConfigDir ensures the directory holding configPath exists
func ensureConfigDir(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return nil
}

// NewFileStore loads the document at path. A missing file is an empty store.
func NewFileStore(path string) (*FileStore, error) {
	expandedPath, err := expandHomeDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	store := &FileStore{filePath: expandedPath}
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("failed to initialize config store: %w", err)
	}
	return store, nil
}

// Path returns the backing file.
func (cs *FileStore) Path() string {
	return cs.filePath
}

// Load re-reads the document from disk.
func (cs *FileStore) Load() error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	configs, err := cs.loadFromDisk()
	if err != nil {
		return err
	}
	cs.configs = configs
	return nil
}

func (cs *FileStore) loadFromDisk() ([]TunnelConfig, error) {
	data, err := os.ReadFile(cs.filePath)
	if os.IsNotExist(err) {
		logging.LogDebug("Config file %s does not exist, starting with an empty store", cs.filePath)
		if err := ensureConfigDir(cs.filePath); err != nil {
			return nil, fmt.Errorf("failed to prepare config directory: %w", err)
		}
		return []TunnelConfig{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cs.filePath, err)
	}

	records, err := decodeRecords(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file %s: %w", cs.filePath, err)
	}

	configs := make([]TunnelConfig, 0, len(records))
	for _, rec := range records {
		configs = append(configs, rec.migrate())
	}
	if err := validateAll(configs); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logging.LogDebug("Loaded %d tunnel configurations from %s", len(configs), cs.filePath)
	return configs, nil
}

// decodeRecords accepts a mapping with a tunnels key or a bare list.
func decodeRecords(data []byte) ([]legacyRecord, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}

	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		var records []legacyRecord
		if err := doc.Decode(&records); err != nil {
			return nil, err
		}
		return records, nil
	case yaml.MappingNode:
		var file struct {
			Tunnels []legacyRecord `yaml:"tunnels"`
		}
		if err := doc.Decode(&file); err != nil {
			return nil, err
		}
		return file.Tunnels, nil
	default:
		return nil, fmt.Errorf("unexpected document root (line %d)", doc.Line)
	}
}

func (rec legacyRecord) migrate() TunnelConfig {
	cfg := TunnelConfig{
		Name:     rec.Name,
		Protocol: rec.Protocol,
		Hostname: rec.Hostname,
	}
	switch {
	case rec.LocalPort != nil:
		cfg.LocalPort = *rec.LocalPort
	case rec.URL != "":
		parts := strings.Split(rec.URL, ":")
		port, err := strconv.Atoi(parts[len(parts)-1])
		if len(parts) < 2 || err != nil {
			port = DefaultLocalPort
		}
		cfg.LocalPort = port
	default:
		cfg.LocalPort = DefaultLocalPort
	}
	return Normalize(cfg)
}

// validateAll checks every record and name uniqueness.
func validateAll(configs []TunnelConfig) error {
	names := make(map[string]bool, len(configs))
	for i, cfg := range configs {
		if err := Validate(cfg); err != nil {
			return fmt.Errorf("tunnel at index %d: %w", i, err)
		}
		if names[cfg.Name] {
			return fmt.Errorf("%w: '%s'", ErrDuplicateName, cfg.Name)
		}
		names[cfg.Name] = true
	}
	return nil
}

// persist writes configs to a temp file next to the document and renames it
// into place. Must be called with the write lock held.
func (cs *FileStore) persist(configs []TunnelConfig) error {
	data, err := yaml.Marshal(storeFile{Tunnels: configs})
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := ensureConfigDir(cs.filePath); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(cs.filePath), "."+filepath.Base(cs.filePath)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp config file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp config file: %w", err)
	}
	if err := os.Rename(tmpName, cs.filePath); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

func (cs *FileStore) indexOf(name string) int {
	for i, cfg := range cs.configs {
		if cfg.Name == name {
			return i
		}
	}
	return -1
}

// commit persists next and swaps it in only when the write succeeded.
func (cs *FileStore) commit(next []TunnelConfig) error {
	if err := cs.persist(next); err != nil {
		return err
	}
	cs.configs = next
	return nil
}

// Create adds a new tunnel configuration at the end of the list.
func (cs *FileStore) Create(cfg TunnelConfig) (TunnelConfig, error) {
	cfg = Normalize(cfg)
	if err := Validate(cfg); err != nil {
		return TunnelConfig{}, err
	}

	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if cs.indexOf(cfg.Name) >= 0 {
		return TunnelConfig{}, fmt.Errorf("%w: '%s'", ErrDuplicateName, cfg.Name)
	}

	next := make([]TunnelConfig, len(cs.configs), len(cs.configs)+1)
	copy(next, cs.configs)
	next = append(next, cfg)
	if err := cs.commit(next); err != nil {
		return TunnelConfig{}, err
	}

	logging.LogDebug("Added tunnel: %s", cfg.Name)
	return cfg, nil
}

// Read returns the configuration with the given name.
func (cs *FileStore) Read(name string) (TunnelConfig, error) {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	idx := cs.indexOf(name)
	if idx < 0 {
		return TunnelConfig{}, fmt.Errorf("%w: '%s'", ErrNotFound, name)
	}
	return cs.configs[idx], nil
}

// Update applies patch to the named record, keeping its position.
func (cs *FileStore) Update(name string, patch Patch) (TunnelConfig, error) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	idx := cs.indexOf(name)
	if idx < 0 {
		return TunnelConfig{}, fmt.Errorf("%w: '%s'", ErrNotFound, name)
	}

	updated := Normalize(patch.Apply(cs.configs[idx]))
	if err := Validate(updated); err != nil {
		return TunnelConfig{}, err
	}
	if updated.Name != name && cs.indexOf(updated.Name) >= 0 {
		return TunnelConfig{}, fmt.Errorf("%w: '%s'", ErrDuplicateName, updated.Name)
	}

	next := make([]TunnelConfig, len(cs.configs))
	copy(next, cs.configs)
	next[idx] = updated
	if err := cs.commit(next); err != nil {
		return TunnelConfig{}, err
	}

	logging.LogDebug("Updated tunnel: %s -> %s", name, updated.Name)
	return updated, nil
}

// Delete removes the named record.
func (cs *FileStore) Delete(name string) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	idx := cs.indexOf(name)
	if idx < 0 {
		return fmt.Errorf("%w: '%s'", ErrNotFound, name)
	}

	next := make([]TunnelConfig, 0, len(cs.configs)-1)
	next = append(next, cs.configs[:idx]...)
	next = append(next, cs.configs[idx+1:]...)
	if err := cs.commit(next); err != nil {
		return err
	}

	logging.LogDebug("Deleted tunnel: %s", name)
	return nil
}

// List returns a copy of all tunnel configurations in insertion order.
func (cs *FileStore) List() ([]TunnelConfig, error) {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()

	configsCopy := make([]TunnelConfig, len(cs.configs))
	copy(configsCopy, cs.configs)
	return configsCopy, nil
}

// Close is a no-op; every write is already on disk.
func (cs *FileStore) Close() error {
	return nil
}
