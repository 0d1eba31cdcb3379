package config

import (
	"fmt"
	"time"

	"github.com/standardbeagle/mitmctl/internal/client"
)

// Config holds the complete client configuration.
type Config struct {
	// Version is the config file version.
	Version string `yaml:"version"`

	// Backend says how to reach or launch the proxy backend.
	Backend BackendConfig `yaml:"backend"`

	// Storage holds the default storage layout.
	Storage StorageConfig `yaml:"storage"`

	// Intercept holds the interception defaults.
	Intercept InterceptConfig `yaml:"intercept"`

	// Log configures logging.
	Log LogConfig `yaml:"log"`

	// Journal configures the local verdict journal.
	Journal JournalConfig `yaml:"journal"`

	// Cache configures the fetched-request cache.
	Cache CacheConfig `yaml:"cache"`
}

// BackendConfig holds backend connection settings.
type BackendConfig struct {
	// Addr is a "tcp:host:port" or "unix:path" address of a running
	// backend. When empty Binary is launched.
	Addr string `yaml:"addr"`
	// Binary is the backend executable.
	Binary string `yaml:"binary"`
	// ListenAddr makes a launched backend listen on a fixed address.
	ListenAddr string `yaml:"listen_addr,omitempty"`
	// Debug turns on backend and wire-level debug output.
	Debug bool `yaml:"debug"`
	// StartTimeout bounds how long a launched backend may take to announce
	// its address.
	StartTimeout time.Duration `yaml:"start_timeout"`
	// StopTimeout is how long a launched backend gets to exit on shutdown.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// StorageConfig holds the default storages.
type StorageConfig struct {
	// DataFile is a sqlite file for proxied traffic. Empty keeps traffic in
	// memory.
	DataFile string `yaml:"data_file,omitempty"`
	// InMemoryPrefix routes the scratch in-memory storage.
	InMemoryPrefix string `yaml:"inmem_prefix"`
}

// InterceptConfig holds what the intercept command pauses by default.
type InterceptConfig struct {
	Requests  bool `yaml:"requests"`
	Responses bool `yaml:"responses"`
	Websocket bool `yaml:"websocket"`
	// Editor edits paused messages. Empty uses $EDITOR.
	Editor string `yaml:"editor,omitempty"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is a zerolog level name.
	Level string `yaml:"level"`
	// File, when set, receives logs in JSON with rotation.
	File string `yaml:"file,omitempty"`
	// MaxSizeMB is the size a log file grows to before rotation.
	MaxSizeMB int `yaml:"max_size_mb"`
	// MaxBackups is how many rotated files are kept.
	MaxBackups int `yaml:"max_backups"`
	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int `yaml:"max_age_days"`
}

// JournalConfig holds verdict journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// CacheConfig holds request cache settings.
type CacheConfig struct {
	// Size is the number of cached requests (0 disables).
	Size int `yaml:"size"`
	// TTL is how long a cached request stays valid.
	TTL time.Duration `yaml:"ttl"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: "1.0",
		Backend: BackendConfig{
			Binary:       "puppy",
			StartTimeout: 10 * time.Second,
			StopTimeout:  5 * time.Second,
		},
		Storage: StorageConfig{
			InMemoryPrefix: "m",
		},
		Intercept: InterceptConfig{
			Requests: true,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
		Journal: JournalConfig{
			Path: DefaultJournalPath(),
		},
		Cache: CacheConfig{
			Size: 256,
			TTL:  30 * time.Second,
		},
	}
}

// Validate checks the configuration for errors and fills in zero values.
func (c *Config) Validate() error {
	if c.Backend.Addr == "" && c.Backend.Binary == "" {
		return fmt.Errorf("backend: need an address or a binary to launch")
	}
	if c.Backend.StartTimeout <= 0 {
		c.Backend.StartTimeout = 10 * time.Second
	}
	if c.Backend.StopTimeout <= 0 {
		c.Backend.StopTimeout = 5 * time.Second
	}
	if c.Storage.InMemoryPrefix == "" {
		return fmt.Errorf("storage: in-memory prefix must not be empty, the proxy storage uses it")
	}
	if err := client.ValidatePrefix(c.Storage.InMemoryPrefix); err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		c.Journal.Path = DefaultJournalPath()
	}
	if c.Cache.Size < 0 {
		c.Cache.Size = 0
	}
	return nil
}
