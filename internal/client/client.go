// Package client is the facade over one proxy backend: it launches or dials
// the backend, routes request ids to storages, keeps the active request
// context, and opens the extra connections intercept and watch sessions
// need.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/standardbeagle/mitmctl/internal/daemon"
	"github.com/standardbeagle/mitmctl/internal/model"
	"github.com/standardbeagle/mitmctl/internal/tasks"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("client is closed")

// VerdictRecorder receives a record of every verdict sent by an intercept
// session.
type VerdictRecorder interface {
	Record(daemon.VerdictRecord) error
}

// Options configures a Client.
type Options struct {
	// Addr is a "kind:addr" backend address. When empty the backend in
	// Launch is started instead.
	Addr string

	// Launch configures the backend process used when Addr is empty.
	Launch daemon.LaunchConfig

	// Logger receives client and connection logs.
	Logger zerolog.Logger

	// Verdicts, when set, records every verdict sent.
	Verdicts VerdictRecorder

	// CacheSize is how many fetched requests RequestByID keeps (0 disables).
	CacheSize int

	// CacheTTL is how long a cached request stays valid.
	CacheTTL time.Duration

	// ShutdownTimeout bounds how long Close waits for background tasks.
	ShutdownTimeout time.Duration
}

// DefaultOptions returns sensible defaults for a launched backend.
func DefaultOptions() Options {
	return Options{
		Launch:          daemon.DefaultLaunchConfig("puppy"),
		Logger:          zerolog.Nop(),
		CacheSize:       256,
		CacheTTL:        30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Client owns the backend connection set and the storage table.
type Client struct {
	opts    Options
	log     zerolog.Logger
	rt      *tasks.Runtime
	addr    string
	backend *daemon.Backend

	primary *daemon.Conn

	connsMu sync.Mutex
	conns   map[*daemon.Conn]struct{}
	closed  bool

	storages *Router

	defaultsMu   sync.RWMutex
	proxyStorage *Storage
	inmemStorage *Storage

	reqctx *RequestContext
	cache  *expirable.LRU[string, *model.Request]
}

// New connects to the backend, launching it first when opts.Addr is empty,
// and loads the storage table from the backend.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	c := &Client{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "client").Logger(),
		conns:    make(map[*daemon.Conn]struct{}),
		storages: NewRouter(),
	}
	c.rt = tasks.New(c.log)
	c.reqctx = newRequestContext(c)
	if opts.CacheSize > 0 {
		c.cache = expirable.NewLRU[string, *model.Request](opts.CacheSize, nil, opts.CacheTTL)
	}

	c.addr = opts.Addr
	if c.addr == "" {
		launch := opts.Launch
		launch.Logger = opts.Logger
		b, err := daemon.StartBackend(ctx, launch)
		if err != nil {
			return nil, fmt.Errorf("start backend: %w", err)
		}
		c.backend = b
		c.addr = b.Addr
	}

	primary, err := c.NewConn(ctx)
	if err != nil {
		c.stopBackend()
		return nil, err
	}
	c.primary = primary

	if err := c.RefreshStorages(); err != nil {
		c.Close()
		return nil, err
	}
	c.log.Info().Str("addr", c.addr).Int("storages", c.storages.Len()).Msg("connected")
	return c, nil
}

// Addr returns the backend address in use.
func (c *Client) Addr() string { return c.addr }

// Conn returns the primary command connection.
func (c *Client) Conn() *daemon.Conn { return c.primary }

// Runtime returns the task runtime background work runs on.
func (c *Client) Runtime() *tasks.Runtime { return c.rt }

// Storages returns the storage router.
func (c *Client) Storages() *Router { return c.storages }

// Context returns the active request context.
func (c *Client) Context() *RequestContext { return c.reqctx }

// NewConn dials an extra connection that is closed with the client.
func (c *Client) NewConn(ctx context.Context) (*daemon.Conn, error) {
	c.connsMu.Lock()
	closed := c.closed
	c.connsMu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	opts := []daemon.ConnOption{
		daemon.WithLogger(c.opts.Logger),
		daemon.WithRuntime(c.rt),
		daemon.WithCloseHook(c.forget),
	}
	if c.opts.Verdicts != nil {
		opts = append(opts, daemon.WithVerdictHook(c.recordVerdict))
	}
	conn, err := daemon.Dial(ctx, c.addr, opts...)
	if err != nil {
		return nil, err
	}

	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	if c.closed {
		conn.Close()
		return nil, ErrClosed
	}
	c.conns[conn] = struct{}{}
	return conn, nil
}

// ConnCount returns the number of open connections.
func (c *Client) ConnCount() int {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	return len(c.conns)
}

func (c *Client) forget(conn *daemon.Conn) {
	c.connsMu.Lock()
	delete(c.conns, conn)
	c.connsMu.Unlock()
}

func (c *Client) recordVerdict(rec daemon.VerdictRecord) {
	if err := c.opts.Verdicts.Record(rec); err != nil {
		c.log.Warn().Err(err).Str("id", rec.MessageID).Msg("failed to record verdict")
	}
}

// Close closes every connection, waits for background tasks and stops a
// launched backend.
func (c *Client) Close() error {
	c.connsMu.Lock()
	if c.closed {
		c.connsMu.Unlock()
		return nil
	}
	c.closed = true
	conns := make([]*daemon.Conn, 0, len(c.conns))
	for conn := range c.conns {
		conns = append(conns, conn)
	}
	c.connsMu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ShutdownTimeout)
	defer cancel()
	err := c.rt.Shutdown(ctx)
	if err != nil {
		c.log.Warn().Err(err).Int("tasks", c.rt.Len()).Msg("background tasks still running")
	}
	c.storages.Reset()
	if c.cache != nil {
		c.cache.Purge()
	}
	if berr := c.stopBackend(); berr != nil && err == nil {
		err = berr
	}
	return err
}

func (c *Client) stopBackend() error {
	if c.backend == nil {
		return nil
	}
	return c.backend.Stop()
}

func (c *Client) usable() error {
	c.connsMu.Lock()
	defer c.connsMu.Unlock()
	if c.closed {
		return ErrClosed
	}
	return nil
}
