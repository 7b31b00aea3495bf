package settings

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golobby/config/v3"
	"github.com/golobby/config/v3/pkg/feeder"
	"github.com/joho/godotenv"
)

// HomeEnv overrides the data directory.
const HomeEnv = "CFTUNNEL_HOME"

const (
	DefaultListenAddr       = "127.0.0.1:28110"
	DefaultMinClientVersion = "2021.5.0"
	DefaultDownloadURL      = "https://github.com/cloudflare/cloudflared/releases/latest/download"
)

// Settings holds the application settings. The YAML file is read first, then
// CFTUNNEL_* environment variables override it. Durations are Go duration
// strings ("2s", "500ms").
type Settings struct {
	ClientPath       string `yaml:"client_path" env:"CFTUNNEL_CLIENT_PATH"`
	MinClientVersion string `yaml:"min_client_version" env:"CFTUNNEL_MIN_CLIENT_VERSION"`
	DownloadURL      string `yaml:"download_url" env:"CFTUNNEL_DOWNLOAD_URL"`

	Store     string `yaml:"store" env:"CFTUNNEL_STORE"`
	StorePath string `yaml:"store_path" env:"CFTUNNEL_STORE_PATH"`

	LogFile  string `yaml:"log_file" env:"CFTUNNEL_LOG_FILE"`
	LogLevel string `yaml:"log_level" env:"CFTUNNEL_LOG_LEVEL"`

	ListenAddr string `yaml:"listen_addr" env:"CFTUNNEL_LISTEN_ADDR"`

	ReadyGrace       string `yaml:"ready_grace" env:"CFTUNNEL_READY_GRACE"`
	RequireReadyLine bool   `yaml:"require_ready_line" env:"CFTUNNEL_REQUIRE_READY_LINE"`
	StartTimeout     string `yaml:"start_timeout" env:"CFTUNNEL_START_TIMEOUT"`
	StopGrace        string `yaml:"stop_grace" env:"CFTUNNEL_STOP_GRACE"`
	KillTimeout      string `yaml:"kill_timeout" env:"CFTUNNEL_KILL_TIMEOUT"`
	DeleteTimeout    string `yaml:"delete_timeout" env:"CFTUNNEL_DELETE_TIMEOUT"`
	ReapInterval     string `yaml:"reap_interval" env:"CFTUNNEL_REAP_INTERVAL"`

	DataDir string `yaml:"-"`
	File    string `yaml:"-"`

	defaultStorePath bool
}

// Timeouts are the parsed duration settings.
type Timeouts struct {
	ReadyGrace    time.Duration
	StartTimeout  time.Duration
	StopGrace     time.Duration
	KillTimeout   time.Duration
	DeleteTimeout time.Duration
	ReapInterval  time.Duration
}

// DataDir returns the directory holding settings, tunnels, logs and a
// downloaded client binary.
func DataDir() (string, error) {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".cftunnel"), nil
}

// DefaultFile returns the settings file inside the data directory.
func DefaultFile() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.yaml"), nil
}

// Load reads settings from file (the default location when empty) and the
// environment. A missing file is not an error.
func Load(file string) (*Settings, error) {
	_ = godotenv.Load(".env")

	dataDir, err := DataDir()
	if err != nil {
		return nil, err
	}
	if file == "" {
		file = filepath.Join(dataDir, "settings.yaml")
	}

	s := &Settings{DataDir: dataDir, File: file}

	c := config.New()
	if _, statErr := os.Stat(file); statErr == nil {
		c.AddFeeder(feeder.Yaml{Path: file})
	} else if !os.IsNotExist(statErr) {
		return nil, fmt.Errorf("failed to read settings file %s: %w", file, statErr)
	}
	c.AddFeeder(feeder.Env{})
	if err := c.AddStruct(s).Feed(); err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	s.applyDefaults()
	if _, err := s.Timeouts(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) applyDefaults() {
	if s.Store == "" {
		s.Store = "yaml"
	}
	if s.StorePath == "" || s.defaultStorePath {
		name := "tunnels.yaml"
		if s.Store == "sqlite" {
			name = "tunnels.db"
		}
		s.StorePath = filepath.Join(s.DataDir, name)
		s.defaultStorePath = true
	}
	if s.LogFile == "" {
		s.LogFile = filepath.Join(s.DataDir, "cftunnel.log")
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.MinClientVersion == "" {
		s.MinClientVersion = DefaultMinClientVersion
	}
	if s.DownloadURL == "" {
		s.DownloadURL = DefaultDownloadURL
	}
	setDefault(&s.ReadyGrace, "2s")
	setDefault(&s.StartTimeout, "15s")
	setDefault(&s.StopGrace, "5s")
	setDefault(&s.KillTimeout, "3s")
	setDefault(&s.DeleteTimeout, "10s")
	setDefault(&s.ReapInterval, "1s")
}

// SetStore switches the store backend. A store path that was never set
// follows the backend.
func (s *Settings) SetStore(backend string) {
	s.Store = backend
	s.applyDefaults()
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Timeouts parses the duration settings. Every value must be positive.
func (s *Settings) Timeouts() (Timeouts, error) {
	var t Timeouts
	fields := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"ready_grace", s.ReadyGrace, &t.ReadyGrace},
		{"start_timeout", s.StartTimeout, &t.StartTimeout},
		{"stop_grace", s.StopGrace, &t.StopGrace},
		{"kill_timeout", s.KillTimeout, &t.KillTimeout},
		{"delete_timeout", s.DeleteTimeout, &t.DeleteTimeout},
		{"reap_interval", s.ReapInterval, &t.ReapInterval},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return Timeouts{}, fmt.Errorf("invalid %s %q: %w", f.key, f.value, err)
		}
		if d <= 0 {
			return Timeouts{}, fmt.Errorf("invalid %s %q: must be positive", f.key, f.value)
		}
		*f.dst = d
	}
	return t, nil
}
