package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKDLConfig(t *testing.T) {
	input := `// mitmctl configuration
version "1.1"

backend {
    addr "tcp:127.0.0.1:8089"
    debug true
    start-timeout 3
}

storage {
    inmem-prefix "t"
}

intercept {
    requests false
    responses true
}

log {
    level "debug"
    max-backups 9
}

journal {
    enabled true
    path "/tmp/j.db"
}

cache {
    size 0
    ttl 5
}
`
	cfg, err := ParseKDLConfig(input)
	require.NoError(t, err)

	assert.Equal(t, "1.1", cfg.Version)
	assert.Equal(t, "tcp:127.0.0.1:8089", cfg.Backend.Addr)
	assert.Equal(t, "puppy", cfg.Backend.Binary, "unset values keep their defaults")
	assert.True(t, cfg.Backend.Debug)
	assert.Equal(t, 3*time.Second, cfg.Backend.StartTimeout)
	assert.Equal(t, 5*time.Second, cfg.Backend.StopTimeout)

	assert.Equal(t, "t", cfg.Storage.InMemoryPrefix)
	assert.False(t, cfg.Intercept.Requests)
	assert.True(t, cfg.Intercept.Responses)
	assert.False(t, cfg.Intercept.Websocket)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9, cfg.Log.MaxBackups)
	assert.Equal(t, 10, cfg.Log.MaxSizeMB)

	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "/tmp/j.db", cfg.Journal.Path)
	assert.Equal(t, 0, cfg.Cache.Size)
	assert.Equal(t, 5*time.Second, cfg.Cache.TTL)

	require.NoError(t, cfg.Validate())
}

func TestParseKDLConfigEmpty(t *testing.T) {
	cfg, err := ParseKDLConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestParseKDLConfigInvalid(t *testing.T) {
	_, err := ParseKDLConfig(`backend {`)
	assert.Error(t, err)
}

func TestWriteDefaultConfigRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", GlobalConfigFile)
	require.NoError(t, WriteDefaultConfig(path))

	cfg, err := LoadConfigFile(path)
	require.NoError(t, err)
	def := DefaultConfig()
	assert.Equal(t, def.Backend, cfg.Backend)
	assert.Equal(t, def.Intercept, cfg.Intercept)
	assert.Equal(t, def.Cache, cfg.Cache)
	assert.Equal(t, def.Log, cfg.Log)
}

func TestLoadGlobalConfig(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg, err := LoadGlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Backend, cfg.Backend)

	path := GlobalConfigPath()
	assert.Equal(t, filepath.Join(dir, "mitmctl", GlobalConfigFile), path)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`backend { binary "/opt/puppy"; }`), 0o644))

	cfg, err = LoadGlobalConfig()
	require.NoError(t, err)
	assert.Equal(t, "/opt/puppy", cfg.Backend.Binary)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"no backend", func(c *Config) { c.Backend.Binary = "" }, true},
		{"addr only", func(c *Config) { c.Backend.Binary = ""; c.Backend.Addr = "unix:/tmp/p.sock" }, false},
		{"empty inmem prefix", func(c *Config) { c.Storage.InMemoryPrefix = "" }, true},
		{"reserved inmem prefix", func(c *Config) { c.Storage.InMemoryPrefix = "s" }, true},
		{"long inmem prefix", func(c *Config) { c.Storage.InMemoryPrefix = "mm" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.Backend.StartTimeout = 0
	cfg.Cache.Size = -1
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10*time.Second, cfg.Backend.StartTimeout)
	assert.Equal(t, 0, cfg.Cache.Size)
}

func TestApplyOverrides(t *testing.T) {
	t.Setenv("MITMCTL_BACKEND_ADDR", "tcp:10.0.0.1:1")
	t.Setenv("MITMCTL_LOG_LEVEL", "warn")
	v := NewViper()
	v.Set("cache.ttl", "1m")
	v.Set("journal.enabled", true)

	cfg := DefaultConfig()
	ApplyOverrides(cfg, v)
	assert.Equal(t, "tcp:10.0.0.1:1", cfg.Backend.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "puppy", cfg.Backend.Binary)
}
