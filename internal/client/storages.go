package client

import (
	"fmt"
)

// RefreshStorages rebuilds the routing tables from the backend's storage
// list. Storages whose description does not carry a kind and prefix are
// skipped with a warning.
func (c *Client) RefreshStorages() error {
	if err := c.usable(); err != nil {
		return err
	}
	infos, err := c.primary.ListStorage()
	if err != nil {
		return fmt.Errorf("list storage: %w", err)
	}

	c.defaultsMu.Lock()
	defer c.defaultsMu.Unlock()
	proxyID, inmemID := storageIDOf(c.proxyStorage), storageIDOf(c.inmemStorage)

	c.storages.Reset()
	for _, info := range infos {
		kind, prefix, err := ParseDescription(info.Description)
		if err != nil {
			c.log.Warn().Err(err).Int("storage", info.ID).Msg("skipping storage")
			continue
		}
		if _, err := c.storages.Add(kind, info.ID, prefix); err != nil {
			c.log.Warn().Err(err).Int("storage", info.ID).Msg("skipping storage")
		}
	}
	c.proxyStorage = c.lookup(proxyID)
	c.inmemStorage = c.lookup(inmemID)
	if c.cache != nil {
		c.cache.Purge()
	}
	return nil
}

func storageIDOf(s *Storage) int {
	if s == nil {
		return 0
	}
	return s.ID
}

func (c *Client) lookup(id int) *Storage {
	if id == 0 {
		return nil
	}
	s, _ := c.storages.ByID(id)
	return s
}

// AddSQLiteStorage opens a sqlite storage at path on the backend and routes
// prefix to it.
func (c *Client) AddSQLiteStorage(path, prefix string) (*Storage, error) {
	return c.addStorage(KindSQLite, prefix, func(desc string) (int, error) {
		return c.primary.AddSQLiteStorage(path, desc)
	})
}

// AddInMemoryStorage opens an in-memory storage and routes prefix to it.
func (c *Client) AddInMemoryStorage(prefix string) (*Storage, error) {
	return c.addStorage(KindInMemory, prefix, c.primary.AddInMemoryStorage)
}

func (c *Client) addStorage(kind StorageKind, prefix string, open func(string) (int, error)) (*Storage, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if err := ValidatePrefix(prefix); err != nil {
		return nil, err
	}
	if _, ok := c.storages.ByPrefix(prefix); ok {
		return nil, fmt.Errorf("%w: %q", ErrDuplicatePrefix, prefix)
	}
	id, err := open(FormatDescription(kind, prefix))
	if err != nil {
		return nil, err
	}
	s, err := c.storages.Add(kind, id, prefix)
	if err != nil {
		// lost a race for the prefix
		if cerr := c.primary.CloseStorage(id); cerr != nil {
			c.log.Warn().Err(cerr).Int("storage", id).Msg("failed to close orphaned storage")
		}
		return nil, err
	}
	c.log.Info().Str("kind", string(kind)).Int("storage", id).Str("prefix", prefix).Msg("storage opened")
	return s, nil
}

// CloseStorage closes st on the backend and removes it from routing. Using
// st afterwards fails with ErrStorageClosed.
func (c *Client) CloseStorage(st *Storage) error {
	if err := c.usable(); err != nil {
		return err
	}
	if st.Closed() {
		return fmt.Errorf("%s: %w", st, ErrStorageClosed)
	}
	if err := c.primary.CloseStorage(st.ID); err != nil {
		return err
	}
	if _, err := c.storages.Remove(st.ID); err != nil {
		return err
	}

	c.defaultsMu.Lock()
	if c.proxyStorage == st {
		c.proxyStorage = nil
	}
	if c.inmemStorage == st {
		c.inmemStorage = nil
	}
	c.defaultsMu.Unlock()

	if c.cache != nil {
		c.cache.Purge()
	}
	c.log.Info().Int("storage", st.ID).Msg("storage closed")
	return nil
}

// SetProxyStorage makes the backend save proxied traffic to st. It also
// becomes the default for operations given no storage.
func (c *Client) SetProxyStorage(st *Storage) error {
	id, err := c.storageID(st)
	if err != nil {
		return err
	}
	if err := c.primary.SetProxyStorage(id); err != nil {
		return err
	}
	c.defaultsMu.Lock()
	c.proxyStorage = st
	c.defaultsMu.Unlock()
	return nil
}

// SetInMemoryStorage picks the storage SubmitOptions.InMemory writes to.
func (c *Client) SetInMemoryStorage(st *Storage) error {
	if st != nil && st.Closed() {
		return fmt.Errorf("%s: %w", st, ErrStorageClosed)
	}
	c.defaultsMu.Lock()
	c.inmemStorage = st
	c.defaultsMu.Unlock()
	return nil
}

// SetStoragePrefix routes a new prefix to st.
func (c *Client) SetStoragePrefix(st *Storage, prefix string) error {
	if st.Closed() {
		return fmt.Errorf("%s: %w", st, ErrStorageClosed)
	}
	_, err := c.storages.Rename(st.ID, prefix)
	return err
}

// ProxyStorage returns the storage proxied traffic is saved to, or nil.
func (c *Client) ProxyStorage() *Storage {
	c.defaultsMu.RLock()
	defer c.defaultsMu.RUnlock()
	return c.proxyStorage
}

// InMemoryStorage returns the scratch in-memory storage, or nil.
func (c *Client) InMemoryStorage() *Storage {
	c.defaultsMu.RLock()
	defer c.defaultsMu.RUnlock()
	return c.inmemStorage
}

// EnsureDefaultStorages sets up the two storages a fresh backend needs: the
// proxy storage on the empty prefix and the scratch in-memory storage on
// inmemPrefix. Storages already routed on those prefixes are reused.
func (c *Client) EnsureDefaultStorages(inmemPrefix string) error {
	if c.ProxyStorage() == nil {
		st, ok := c.storages.ByPrefix("")
		if !ok {
			var err error
			if st, err = c.AddInMemoryStorage(""); err != nil {
				return fmt.Errorf("proxy storage: %w", err)
			}
		}
		if err := c.SetProxyStorage(st); err != nil {
			return err
		}
	}
	if c.InMemoryStorage() == nil {
		st, ok := c.storages.ByPrefix(inmemPrefix)
		if !ok {
			var err error
			if st, err = c.AddInMemoryStorage(inmemPrefix); err != nil {
				return fmt.Errorf("in-memory storage: %w", err)
			}
		}
		return c.SetInMemoryStorage(st)
	}
	return nil
}

// storageID resolves st to a backend id, falling back to the proxy storage
// for nil.
func (c *Client) storageID(st *Storage) (int, error) {
	if err := c.usable(); err != nil {
		return 0, err
	}
	if st == nil {
		st = c.ProxyStorage()
		if st == nil {
			return 0, ErrNoStorage
		}
	}
	if st.Closed() {
		return 0, fmt.Errorf("%s: %w", st, ErrStorageClosed)
	}
	return st.ID, nil
}
