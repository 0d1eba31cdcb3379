package client

import (
	"sync"

	"github.com/standardbeagle/mitmctl/internal/query"
)

// RequestContext is the active query that narrows which stored requests are
// in view. Every change is validated by the backend first.
type RequestContext struct {
	c *Client

	mu sync.Mutex
	q  query.Query
}

func newRequestContext(c *Client) *RequestContext {
	return &RequestContext{c: c, q: query.Query{}}
}

// Query returns a deep copy of the active query.
func (rc *RequestContext) Query() query.Query {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.q.Clone()
}

// SetQuery replaces the active query.
func (rc *RequestContext) SetQuery(q query.Query) error {
	if err := rc.c.ValidateQuery(q); err != nil {
		return err
	}
	rc.mu.Lock()
	rc.q = q.Clone()
	rc.mu.Unlock()
	return nil
}

// ApplyPhrase ANDs p onto the active query.
func (rc *RequestContext) ApplyPhrase(p query.Phrase) error {
	if len(p) == 0 {
		return query.ErrEmptyPhrase
	}
	if err := rc.c.ValidateQuery(query.Query{p}); err != nil {
		return err
	}
	rc.mu.Lock()
	rc.q = append(rc.q, p.Clone())
	rc.mu.Unlock()
	return nil
}

// ApplyFilter ANDs a single filter onto the active query.
func (rc *RequestContext) ApplyFilter(f query.Filter) error {
	return rc.ApplyPhrase(query.Phrase{f})
}

// PopPhrase removes the most recently applied phrase. It is a no-op on an
// empty query.
func (rc *RequestContext) PopPhrase() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if len(rc.q) > 0 {
		rc.q = rc.q[:len(rc.q)-1]
	}
}

// Clear empties the active query.
func (rc *RequestContext) Clear() {
	rc.mu.Lock()
	rc.q = query.Query{}
	rc.mu.Unlock()
}
