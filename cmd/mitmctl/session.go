package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/standardbeagle/mitmctl/internal/client"
	"github.com/standardbeagle/mitmctl/internal/config"
	"github.com/standardbeagle/mitmctl/internal/daemon"
	"github.com/standardbeagle/mitmctl/internal/journal"
	"github.com/standardbeagle/mitmctl/internal/logging"
)

// session is everything a backend command needs, torn down by close.
type session struct {
	c       *client.Client
	log     zerolog.Logger
	journal *journal.Journal
	logs    io.Closer
}

func newLogger(cfg *config.Config) (zerolog.Logger, io.Closer, error) {
	return logging.New(logging.Config{
		Level:      cfg.Log.Level,
		Console:    true,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}, os.Stderr)
}

// clientOptions maps the loaded config onto client options.
func clientOptions(cfg *config.Config, log zerolog.Logger) client.Options {
	opts := client.DefaultOptions()
	opts.Addr = cfg.Backend.Addr
	opts.Logger = log
	opts.CacheSize = cfg.Cache.Size
	opts.CacheTTL = cfg.Cache.TTL

	launch := daemon.DefaultLaunchConfig(cfg.Backend.Binary)
	launch.ListenAddr = cfg.Backend.ListenAddr
	launch.Debug = cfg.Backend.Debug
	launch.StartTimeout = cfg.Backend.StartTimeout
	launch.StopTimeout = cfg.Backend.StopTimeout
	launch.Logger = log.With().Str("component", "backend").Logger()
	opts.Launch = launch
	opts.ShutdownTimeout = cfg.Backend.StopTimeout
	return opts
}

// openSession connects to (or launches) the backend and sets up the default
// storages.
func openSession(ctx context.Context) (*session, error) {
	log, logs, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	s := &session{log: log, logs: logs}

	opts := clientOptions(cfg, log)
	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path, log)
		if err != nil {
			s.close()
			return nil, err
		}
		s.journal = j
		opts.Verdicts = j
	}

	c, err := client.New(ctx, opts)
	if err != nil {
		s.close()
		return nil, err
	}
	s.c = c

	if err := s.setupStorages(); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

// setupStorages opens the configured sqlite data file as the proxy storage
// when nothing is routed on the empty prefix yet, then fills in whatever
// default storage is still missing.
func (s *session) setupStorages() error {
	if cfg.Storage.DataFile != "" {
		if _, ok := s.c.Storages().ByPrefix(""); !ok {
			st, err := s.c.AddSQLiteStorage(cfg.Storage.DataFile, "")
			if err != nil {
				return fmt.Errorf("open %s: %w", cfg.Storage.DataFile, err)
			}
			if err := s.c.SetProxyStorage(st); err != nil {
				return err
			}
		}
	}
	return s.c.EnsureDefaultStorages(cfg.Storage.InMemoryPrefix)
}

func (s *session) close() error {
	var errs []error
	if s.c != nil {
		errs = append(errs, s.c.Close())
	}
	if s.journal != nil {
		errs = append(errs, s.journal.Close())
	}
	if s.logs != nil {
		errs = append(errs, s.logs.Close())
	}
	return errors.Join(errs...)
}

// withSession runs fn against an open session and closes it afterwards.
func withSession(ctx context.Context, fn func(*session) error) error {
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(s)
}
