package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	kdl "github.com/sblinch/kdl-go"
)

// GlobalConfigFile is the KDL configuration file name.
const GlobalConfigFile = "config.kdl"

const appDir = "mitmctl"

// KDLConfig represents the KDL configuration structure.
// Uses kdl struct tags for unmarshaling.
type KDLConfig struct {
	Version   string       `kdl:"version"`
	Backend   KDLBackend   `kdl:"backend"`
	Storage   KDLStorage   `kdl:"storage"`
	Intercept KDLIntercept `kdl:"intercept"`
	Log       KDLLog       `kdl:"log"`
	Journal   KDLJournal   `kdl:"journal"`
	Cache     KDLCache     `kdl:"cache"`
}

// KDLBackend holds backend settings from KDL.
type KDLBackend struct {
	Addr         string `kdl:"addr"`
	Binary       string `kdl:"binary"`
	ListenAddr   string `kdl:"listen-addr"`
	Debug        bool   `kdl:"debug"`
	StartTimeout int    `kdl:"start-timeout"`
	StopTimeout  int    `kdl:"stop-timeout"`
}

// KDLStorage holds storage settings from KDL.
type KDLStorage struct {
	DataFile       string `kdl:"data-file"`
	InMemoryPrefix string `kdl:"inmem-prefix"`
}

// KDLIntercept holds intercept defaults from KDL. Pointers tell an
// explicit false from an absent node.
type KDLIntercept struct {
	Requests  *bool  `kdl:"requests"`
	Responses *bool  `kdl:"responses"`
	Websocket *bool  `kdl:"websocket"`
	Editor    string `kdl:"editor"`
}

// KDLLog holds log settings from KDL.
type KDLLog struct {
	Level      string `kdl:"level"`
	File       string `kdl:"file"`
	MaxSize    int    `kdl:"max-size"`
	MaxBackups int    `kdl:"max-backups"`
	MaxAge     int    `kdl:"max-age"`
}

// KDLJournal holds journal settings from KDL.
type KDLJournal struct {
	Enabled bool   `kdl:"enabled"`
	Path    string `kdl:"path"`
}

// KDLCache holds cache settings from KDL.
type KDLCache struct {
	Size *int `kdl:"size"`
	TTL  int  `kdl:"ttl"`
}

// LoadGlobalConfig loads the global configuration from the default location.
func LoadGlobalConfig() (*Config, error) {
	configPath := GlobalConfigPath()
	if configPath == "" {
		return DefaultConfig(), nil
	}

	// If file doesn't exist, return defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return LoadConfigFile(configPath)
}

// LoadConfigFile loads configuration from a specific file path.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseKDLConfig(string(data))
}

// ParseKDLConfig parses KDL configuration data.
func ParseKDLConfig(data string) (*Config, error) {
	var kdlCfg KDLConfig
	if err := kdl.Unmarshal([]byte(data), &kdlCfg); err != nil {
		return nil, err
	}

	return kdlConfigToConfig(&kdlCfg), nil
}

// kdlConfigToConfig layers the KDL values over the defaults.
func kdlConfigToConfig(k *KDLConfig) *Config {
	cfg := DefaultConfig()

	if k.Version != "" {
		cfg.Version = k.Version
	}

	if k.Backend.Addr != "" {
		cfg.Backend.Addr = k.Backend.Addr
	}
	if k.Backend.Binary != "" {
		cfg.Backend.Binary = k.Backend.Binary
	}
	cfg.Backend.ListenAddr = k.Backend.ListenAddr
	cfg.Backend.Debug = k.Backend.Debug
	if k.Backend.StartTimeout > 0 {
		cfg.Backend.StartTimeout = time.Duration(k.Backend.StartTimeout) * time.Second
	}
	if k.Backend.StopTimeout > 0 {
		cfg.Backend.StopTimeout = time.Duration(k.Backend.StopTimeout) * time.Second
	}

	cfg.Storage.DataFile = expandHome(k.Storage.DataFile)
	if k.Storage.InMemoryPrefix != "" {
		cfg.Storage.InMemoryPrefix = k.Storage.InMemoryPrefix
	}

	if k.Intercept.Requests != nil {
		cfg.Intercept.Requests = *k.Intercept.Requests
	}
	if k.Intercept.Responses != nil {
		cfg.Intercept.Responses = *k.Intercept.Responses
	}
	if k.Intercept.Websocket != nil {
		cfg.Intercept.Websocket = *k.Intercept.Websocket
	}
	cfg.Intercept.Editor = k.Intercept.Editor

	if k.Log.Level != "" {
		cfg.Log.Level = k.Log.Level
	}
	cfg.Log.File = expandHome(k.Log.File)
	if k.Log.MaxSize > 0 {
		cfg.Log.MaxSizeMB = k.Log.MaxSize
	}
	if k.Log.MaxBackups > 0 {
		cfg.Log.MaxBackups = k.Log.MaxBackups
	}
	if k.Log.MaxAge > 0 {
		cfg.Log.MaxAgeDays = k.Log.MaxAge
	}

	cfg.Journal.Enabled = k.Journal.Enabled
	if k.Journal.Path != "" {
		cfg.Journal.Path = expandHome(k.Journal.Path)
	}

	if k.Cache.Size != nil {
		cfg.Cache.Size = *k.Cache.Size
	}
	if k.Cache.TTL > 0 {
		cfg.Cache.TTL = time.Duration(k.Cache.TTL) * time.Second
	}

	return cfg
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

func configDir() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, appDir)
}

// GlobalConfigPath returns the path to the global config file.
func GlobalConfigPath() string {
	dir := configDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, GlobalConfigFile)
}

// DefaultJournalPath returns where the verdict journal lives by default.
func DefaultJournalPath() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "journal.db"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, appDir, "journal.db")
}

// WriteDefaultConfig writes a default config file with documentation.
func WriteDefaultConfig(path string) error {
	defaultKDL := `// mitmctl configuration

version "1.0"

backend {
    // Address of a running backend, "tcp:host:port" or "unix:/path".
    // Leave unset to launch the binary below.
    // addr "tcp:127.0.0.1:8089"
    binary "puppy"
    // Seconds to wait for a launched backend to announce itself
    start-timeout 10
    // Seconds a launched backend gets to exit
    stop-timeout 5
    debug false
}

storage {
    // sqlite file for proxied traffic; unset keeps it in memory
    // data-file "~/.local/share/mitmctl/data.db"
    inmem-prefix "m"
}

intercept {
    requests true
    responses false
    websocket false
    // editor "vim"
}

log {
    level "info"
    // file "~/.local/state/mitmctl/mitmctl.log"
    max-size 10
    max-backups 3
    max-age 7
}

journal {
    enabled false
}

cache {
    size 256
    // Seconds
    ttl 30
}
`
	// Create directory if needed
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(strings.TrimSpace(defaultKDL)+"\n"), 0644)
}
