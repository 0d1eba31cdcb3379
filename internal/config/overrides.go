package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: MITMCTL_BACKEND_ADDR overrides
// backend.addr.
const EnvPrefix = "MITMCTL"

// NewViper returns a viper instance reading MITMCTL_* environment variables
// for the keys ApplyOverrides knows.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for _, key := range overrideKeys {
		_ = v.BindEnv(key)
	}
	return v
}

var overrideKeys = []string{
	"backend.addr",
	"backend.binary",
	"backend.listen-addr",
	"backend.debug",
	"backend.start-timeout",
	"storage.data-file",
	"storage.inmem-prefix",
	"log.level",
	"log.file",
	"journal.enabled",
	"journal.path",
	"cache.size",
	"cache.ttl",
}

// ApplyOverrides copies every key set in v (by flag or environment) onto
// cfg.
func ApplyOverrides(cfg *Config, v *viper.Viper) {
	if v.IsSet("backend.addr") {
		cfg.Backend.Addr = v.GetString("backend.addr")
	}
	if v.IsSet("backend.binary") {
		cfg.Backend.Binary = v.GetString("backend.binary")
	}
	if v.IsSet("backend.listen-addr") {
		cfg.Backend.ListenAddr = v.GetString("backend.listen-addr")
	}
	if v.IsSet("backend.debug") {
		cfg.Backend.Debug = v.GetBool("backend.debug")
	}
	if v.IsSet("backend.start-timeout") {
		cfg.Backend.StartTimeout = v.GetDuration("backend.start-timeout")
	}
	if v.IsSet("storage.data-file") {
		cfg.Storage.DataFile = expandHome(v.GetString("storage.data-file"))
	}
	if v.IsSet("storage.inmem-prefix") {
		cfg.Storage.InMemoryPrefix = v.GetString("storage.inmem-prefix")
	}
	if v.IsSet("log.level") {
		cfg.Log.Level = v.GetString("log.level")
	}
	if v.IsSet("log.file") {
		cfg.Log.File = expandHome(v.GetString("log.file"))
	}
	if v.IsSet("journal.enabled") {
		cfg.Journal.Enabled = v.GetBool("journal.enabled")
	}
	if v.IsSet("journal.path") {
		cfg.Journal.Path = expandHome(v.GetString("journal.path"))
	}
	if v.IsSet("cache.size") {
		cfg.Cache.Size = v.GetInt("cache.size")
	}
	if v.IsSet("cache.ttl") {
		cfg.Cache.TTL = v.GetDuration("cache.ttl")
	}
}
