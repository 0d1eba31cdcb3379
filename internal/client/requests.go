package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/standardbeagle/mitmctl/internal/model"
	"github.com/standardbeagle/mitmctl/internal/query"
)

var (
	// ErrNotMangled is returned for a u or s request id whose request or
	// response was never edited.
	ErrNotMangled = errors.New("message was not mangled")
	// ErrNoStorage is returned when an operation needs a default storage and
	// none is set.
	ErrNoStorage = errors.New("no default storage")
)

// ResolveRequestID maps a request id to its storage and database id.
//
// A leading letter selects the storage by prefix; digits alone select the
// storage with the empty prefix. The reserved prefixes resolve to the
// unmangled version instead: u names the original request of an edited
// request, s names the request whose response was edited.
func (c *Client) ResolveRequestID(id string) (*Storage, string, error) {
	prefix, rest, err := SplitRequestID(id)
	if err != nil {
		return nil, "", err
	}
	switch prefix {
	case prefixUnmangledRequest:
		req, err := c.RequestByID(rest, true)
		if err != nil {
			return nil, "", err
		}
		if req.Unmangled == nil {
			return nil, "", fmt.Errorf("request %s: %w", id, ErrNotMangled)
		}
		st, err := c.storageForEntity(req.Unmangled.StorageID)
		if err != nil {
			return nil, "", err
		}
		return st, req.Unmangled.DbID, nil

	case prefixUnmangledResponse:
		req, err := c.RequestByID(rest, true)
		if err != nil {
			return nil, "", err
		}
		if req.Response == nil || req.Response.Unmangled == nil {
			return nil, "", fmt.Errorf("response %s: %w", id, ErrNotMangled)
		}
		st, err := c.storageForEntity(req.StorageID)
		if err != nil {
			return nil, "", err
		}
		return st, req.DbID, nil
	}

	st, ok := c.storages.ByPrefix(prefix)
	if !ok {
		return nil, "", fmt.Errorf("%w: %q in request id %s", ErrUnknownPrefix, prefix, id)
	}
	return st, rest, nil
}

func (c *Client) storageForEntity(storageID int) (*Storage, error) {
	st, ok := c.storages.ByID(storageID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownStorage, storageID)
	}
	return st, nil
}

// GetRequestID returns the routed id of a stored request: its storage prefix
// followed by its database id.
func (c *Client) GetRequestID(req *model.Request) string {
	if st, ok := c.storages.ByID(req.StorageID); ok {
		return st.Prefix() + req.DbID
	}
	return req.DbID
}

// RequestByID fetches a request by routed id. An s id returns the request
// with its unmangled response in place of the edited one.
//
// Results may be shared through the cache; Copy a request before editing it.
func (c *Client) RequestByID(id string, headersOnly bool) (*model.Request, error) {
	st, dbID, err := c.ResolveRequestID(id)
	if err != nil {
		return nil, err
	}
	req, err := c.fetch(st, dbID, headersOnly)
	if err != nil {
		return nil, err
	}
	if prefix, _, _ := SplitRequestID(id); prefix == prefixUnmangledResponse {
		view := *req
		view.Response = req.Response.Unmangled
		return &view, nil
	}
	return req, nil
}

func (c *Client) fetch(st *Storage, dbID string, headersOnly bool) (*model.Request, error) {
	if st.Closed() {
		return nil, fmt.Errorf("%s: %w", st, ErrStorageClosed)
	}
	key := cacheKey(st.ID, dbID, headersOnly)
	if c.cache != nil {
		if req, ok := c.cache.Get(key); ok {
			return req, nil
		}
		// a full fetch also answers a headers-only one
		if headersOnly {
			if req, ok := c.cache.Get(cacheKey(st.ID, dbID, false)); ok {
				return req, nil
			}
		}
	}
	req, err := c.primary.RequestByID(dbID, st.ID, headersOnly)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Add(key, req)
	}
	return req, nil
}

func cacheKey(storageID int, dbID string, headersOnly bool) string {
	return strconv.Itoa(storageID) + ":" + dbID + ":" + strconv.FormatBool(headersOnly)
}

func (c *Client) invalidate(storageID int, dbID string) {
	if c.cache == nil {
		return
	}
	c.cache.Remove(cacheKey(storageID, dbID, false))
	c.cache.Remove(cacheKey(storageID, dbID, true))
}

// QueryOptions narrows QueryStorage.
type QueryOptions struct {
	// Storage limits the query to one storage. Nil queries every open
	// storage.
	Storage *Storage
	// MaxResults caps the merged result (0 means no limit).
	MaxResults int
	// HeadersOnly skips bodies.
	HeadersOnly bool
}

// QueryStorage returns the requests matching q, newest first. Requests
// without a start time sort last.
//
// Querying every storage runs on a dedicated connection so a slow fan-out
// does not hold up commands on the primary one.
func (c *Client) QueryStorage(ctx context.Context, q query.Query, opts QueryOptions) ([]*model.Request, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	var results []*model.Request
	if opts.Storage != nil {
		if opts.Storage.Closed() {
			return nil, fmt.Errorf("%s: %w", opts.Storage, ErrStorageClosed)
		}
		reqs, err := c.primary.QueryStorage(q, opts.Storage.ID, opts.HeadersOnly, opts.MaxResults)
		if err != nil {
			return nil, err
		}
		results = reqs
	} else {
		conn, err := c.NewConn(ctx)
		if err != nil {
			return nil, err
		}
		defer conn.Close()
		for _, st := range c.storages.List() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			reqs, err := conn.QueryStorage(q, st.ID, opts.HeadersOnly, opts.MaxResults)
			if err != nil {
				return nil, fmt.Errorf("query %s: %w", st, err)
			}
			results = append(results, reqs...)
		}
	}

	sortNewestFirst(results)
	if opts.MaxResults > 0 && len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}
	return results, nil
}

func sortNewestFirst(reqs []*model.Request) {
	slices.SortStableFunc(reqs, func(a, b *model.Request) int {
		switch {
		case a.StartTime.Equal(b.StartTime):
			return 0
		case a.StartTime.IsZero():
			return 1
		case b.StartTime.IsZero():
			return -1
		case a.StartTime.After(b.StartTime):
			return -1
		}
		return 1
	})
}

// InContextRequests queries every storage with the active context query.
func (c *Client) InContextRequests(ctx context.Context, headersOnly bool, maxResults int) ([]*model.Request, error) {
	return c.QueryStorage(ctx, c.reqctx.Query(), QueryOptions{MaxResults: maxResults, HeadersOnly: headersOnly})
}

// IsInContext reports whether req matches the active context query.
func (c *Client) IsInContext(req *model.Request) (bool, error) {
	return c.CheckRequest(c.reqctx.Query(), req)
}

// CheckRequest reports whether req matches q.
func (c *Client) CheckRequest(q query.Query, req *model.Request) (bool, error) {
	if err := c.usable(); err != nil {
		return false, err
	}
	return c.primary.CheckRequest(q, req)
}

// CheckRequestID reports whether the stored request id matches q.
func (c *Client) CheckRequestID(q query.Query, id string) (bool, error) {
	st, dbID, err := c.ResolveRequestID(id)
	if err != nil {
		return false, err
	}
	return c.primary.CheckStoredRequest(q, st.ID, dbID)
}

// ValidateQuery asks the backend whether q is well formed.
func (c *Client) ValidateQuery(q query.Query) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.primary.ValidateQuery(q)
}

// SubmitOptions selects where Submit and SaveNew store a request.
type SubmitOptions struct {
	// Save stores the request in Storage, or the proxy storage when Storage
	// is nil. Submit without Save only sends the request.
	Save bool
	// InMemory stores the request in the in-memory storage. It wins over
	// Save and Storage.
	InMemory bool
	// Storage picks an explicit storage.
	Storage *Storage
}

func (c *Client) submitTarget(opts SubmitOptions, mustSave bool) (int, error) {
	if opts.InMemory {
		st := c.InMemoryStorage()
		if st == nil {
			return 0, fmt.Errorf("in-memory storage: %w", ErrNoStorage)
		}
		return c.storageID(st)
	}
	if opts.Save || mustSave || opts.Storage != nil {
		return c.storageID(opts.Storage)
	}
	return 0, nil
}

// Submit sends req through the proxy. On success req carries the response
// and, when saved, its database and storage ids.
func (c *Client) Submit(req *model.Request, opts SubmitOptions) error {
	if err := c.usable(); err != nil {
		return err
	}
	id, err := c.submitTarget(opts, false)
	if err != nil {
		return err
	}
	return c.primary.Submit(req, id)
}

// SaveNew stores req without sending it and returns its routed request id.
func (c *Client) SaveNew(req *model.Request, opts SubmitOptions) (string, error) {
	if err := c.usable(); err != nil {
		return "", err
	}
	id, err := c.submitTarget(opts, true)
	if err != nil {
		return "", err
	}
	if _, err := c.primary.SaveNew(req, id); err != nil {
		return "", err
	}
	return c.GetRequestID(req), nil
}

// AddTag tags the request with routed id.
func (c *Client) AddTag(id, tag string) error {
	return c.tagOp(id, func(st *Storage, dbID string) error {
		return c.primary.AddTag(dbID, tag, st.ID)
	})
}

// RemoveTag removes one tag from the request with routed id.
func (c *Client) RemoveTag(id, tag string) error {
	return c.tagOp(id, func(st *Storage, dbID string) error {
		return c.primary.RemoveTag(dbID, tag, st.ID)
	})
}

// ClearTags removes every tag from the request with routed id.
func (c *Client) ClearTags(id string) error {
	return c.tagOp(id, func(st *Storage, dbID string) error {
		return c.primary.ClearTag(dbID, st.ID)
	})
}

func (c *Client) tagOp(id string, fn func(*Storage, string) error) error {
	if err := c.usable(); err != nil {
		return err
	}
	st, dbID, err := c.ResolveRequestID(id)
	if err != nil {
		return err
	}
	if err := fn(st, dbID); err != nil {
		return err
	}
	c.invalidate(st.ID, dbID)
	return nil
}

// AllSavedQueries lists the queries saved in st, or the proxy storage when
// st is nil.
func (c *Client) AllSavedQueries(st *Storage) (map[string]query.Query, error) {
	id, err := c.storageID(st)
	if err != nil {
		return nil, err
	}
	saved, err := c.primary.AllSavedQueries(id)
	if err != nil {
		return nil, err
	}
	out := make(map[string]query.Query, len(saved))
	for _, s := range saved {
		out[s.Name] = s.Query
	}
	return out, nil
}

// SaveQuery saves q under name in st, or the proxy storage when st is nil.
func (c *Client) SaveQuery(name string, q query.Query, st *Storage) error {
	id, err := c.storageID(st)
	if err != nil {
		return err
	}
	return c.primary.SaveQuery(name, q, id)
}

// LoadQuery loads the query saved under name.
func (c *Client) LoadQuery(name string, st *Storage) (query.Query, error) {
	id, err := c.storageID(st)
	if err != nil {
		return nil, err
	}
	return c.primary.LoadQuery(name, id)
}

// DeleteQuery deletes the query saved under name.
func (c *Client) DeleteQuery(name string, st *Storage) error {
	id, err := c.storageID(st)
	if err != nil {
		return err
	}
	return c.primary.DeleteQuery(name, id)
}

// SetPluginValue stores a plugin key in st, or the proxy storage when st is
// nil.
func (c *Client) SetPluginValue(key, value string, st *Storage) error {
	id, err := c.storageID(st)
	if err != nil {
		return err
	}
	return c.primary.SetPluginValue(key, value, id)
}

// GetPluginValue reads a plugin key.
func (c *Client) GetPluginValue(key string, st *Storage) (string, error) {
	id, err := c.storageID(st)
	if err != nil {
		return "", err
	}
	return c.primary.GetPluginValue(key, id)
}
