package intercept

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrQueueClosed is returned by Next after Close.
var ErrQueueClosed = errors.New("intercept queue closed")

// Queue is a Mangler that parks every message for a human to decide on.
// Messages are handed out in arrival order by Next.
type Queue struct {
	caps Capabilities

	mu      sync.Mutex
	items   []*Message
	pending map[string]*Message
	changed chan struct{}
	closed  bool
}

// NewQueue returns a queue accepting the kinds in caps.
func NewQueue(caps Capabilities) *Queue {
	return &Queue{
		caps:    caps,
		pending: make(map[string]*Message),
		changed: make(chan struct{}),
	}
}

// Capabilities implements Mangler.
func (q *Queue) Capabilities() Capabilities { return q.caps }

// MangleRequest implements RequestMangler.
func (q *Queue) MangleRequest(m *Message) { q.Push(m) }

// MangleResponse implements ResponseMangler.
func (q *Queue) MangleResponse(m *Message) { q.Push(m) }

// MangleWebsocket implements WebsocketMangler.
func (q *Queue) MangleWebsocket(m *Message) { q.Push(m) }

// Push parks m and returns its queue key. A message pushed after Close is
// canceled immediately.
func (q *Queue) Push(m *Message) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		_ = m.Cancel()
		return ""
	}
	m.QueueKey = uuid.NewString()
	q.items = append(q.items, m)
	q.pending[m.QueueKey] = m
	q.broadcastLocked()
	return m.QueueKey
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Next returns the oldest undecided message, blocking until one arrives.
// The message stays pending until the caller decides it.
func (q *Queue) Next(ctx context.Context) (*Message, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		for len(q.items) > 0 {
			m := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			if m.State() == Pending {
				q.mu.Unlock()
				return m, nil
			}
			delete(q.pending, m.QueueKey)
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Get looks up an undecided message by queue key.
func (q *Queue) Get(key string) (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.pending[key]
	if !ok || m.State() != Pending {
		return nil, false
	}
	return m, true
}

// Pending lists undecided messages, both queued and handed out, oldest first.
func (q *Queue) Pending() []*Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Message, 0, len(q.pending))
	for key, m := range q.pending {
		if m.State() != Pending {
			delete(q.pending, key)
			continue
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out
}

// Len returns the number of undecided messages.
func (q *Queue) Len() int { return len(q.Pending()) }

// CancelAll cancels every undecided message and empties the queue. It returns
// how many messages were canceled.
func (q *Queue) CancelAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelAllLocked()
}

func (q *Queue) cancelAllLocked() int {
	n := 0
	for _, m := range q.pending {
		if m.Cancel() == nil {
			n++
		}
	}
	q.pending = make(map[string]*Message)
	q.items = nil
	q.broadcastLocked()
	return n
}

// Close cancels everything undecided and wakes blocked Next callers.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.cancelAllLocked()
}
