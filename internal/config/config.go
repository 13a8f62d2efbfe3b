// Package config implements hyperconnect's runtime configuration: downloads
// directory, auto-accept policy, and timing overrides, persisted as TOML.
// This is the one component in hyperconnect that exercises the teacher's
// own github.com/BurntSushi/toml dependency, which no file in the
// retrieval pack otherwise wires up (see DESIGN.md).
package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds the process-wide tunables described in spec.md §4.J.
type Config struct {
	DownloadsDir      string        `toml:"downloads_dir"`
	AutoAccept        bool          `toml:"auto_accept"`
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	DialTimeout       time.Duration `toml:"dial_timeout"`
	HandshakeTimeout  time.Duration `toml:"handshake_timeout"`
	LogLevel          string        `toml:"log_level"`
	ServiceInstance   string        `toml:"service_instance"`
}

// Default returns the built-in defaults applied when no config file exists.
func Default(downloadsDir string) Config {
	return Config{
		DownloadsDir:      downloadsDir,
		AutoAccept:        false,
		HeartbeatInterval: 15 * time.Second,
		DialTimeout:       5 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		LogLevel:          "info",
	}
}

// Load reads the TOML config at path, falling back to defaults when the
// file does not exist.
func Load(path string, defaults Config) (Config, error) {
	cfg := defaults
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return defaults, err
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return defaults, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically (write-temp, rename), matching the
// identity store's write discipline.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Store wraps a Config with concurrency-safe get/set operations backing the
// host-facing config operations in spec.md §6.
type Store struct {
	path string
	mu   sync.Mutex
	cfg  Config
}

// NewStore loads or creates the config at path.
func NewStore(path string, downloadsDir string) (*Store, error) {
	defaults := Default(downloadsDir)
	cfg, err := Load(path, defaults)
	if err != nil {
		return nil, err
	}
	return &Store{path: path, cfg: cfg}, nil
}

// Get returns a snapshot of the current config.
func (s *Store) Get() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// DownloadsDir returns the configured downloads directory.
func (s *Store) DownloadsDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.DownloadsDir
}

// SetDownloadsDir updates and persists the downloads directory.
func (s *Store) SetDownloadsDir(dir string) error {
	s.mu.Lock()
	s.cfg.DownloadsDir = dir
	cfg := s.cfg
	s.mu.Unlock()
	return Save(s.path, cfg)
}

// AutoAccept returns whether incoming file transfers auto-accept.
func (s *Store) AutoAccept() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.AutoAccept
}

// SetAutoAccept updates and persists the auto-accept policy.
func (s *Store) SetAutoAccept(v bool) error {
	s.mu.Lock()
	s.cfg.AutoAccept = v
	cfg := s.cfg
	s.mu.Unlock()
	return Save(s.path, cfg)
}
