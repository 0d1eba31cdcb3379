package client

import (
	"context"
	"errors"
	"sync"

	"github.com/standardbeagle/mitmctl/internal/daemon"
	"github.com/standardbeagle/mitmctl/internal/intercept"
	"github.com/standardbeagle/mitmctl/internal/tasks"
)

// ErrNotQueued is returned by queue operations on a session that dispatches
// to a programmatic mangler.
var ErrNotQueued = errors.New("intercept session has no human queue")

// InterceptSession runs interception on a connection of its own. It can be
// restarted with a different mangler or different capabilities without
// touching the client's other connections.
type InterceptSession struct {
	c   *Client
	ctx context.Context

	mu     sync.Mutex
	mgr    intercept.Mangler
	queue  *intercept.Queue
	conn   *daemon.Conn
	task   *tasks.Task
	closed bool
}

// Intercept starts interception with mgr deciding every paused message. The
// session ends when ctx is done or Close is called.
func (c *Client) Intercept(ctx context.Context, mgr intercept.Mangler) (*InterceptSession, error) {
	s := &InterceptSession{c: c, ctx: ctx}
	if err := s.start(mgr, nil); err != nil {
		return nil, err
	}
	return s, nil
}

// InterceptQueue starts interception that parks paused messages in a human
// queue. Take them with Next and decide them on the returned messages.
func (c *Client) InterceptQueue(ctx context.Context, caps intercept.Capabilities) (*InterceptSession, error) {
	s := &InterceptSession{c: c, ctx: ctx}
	q := intercept.NewQueue(caps)
	if err := s.start(q, q); err != nil {
		q.Close()
		return nil, err
	}
	return s, nil
}

// start opens a connection for mgr. A mangler that wants nothing leaves the
// session idle without a connection.
func (s *InterceptSession) start(mgr intercept.Mangler, q *intercept.Queue) error {
	if err := s.c.usable(); err != nil {
		return err
	}
	var (
		conn *daemon.Conn
		task *tasks.Task
	)
	if mgr.Capabilities().Any() {
		var err error
		conn, err = s.c.NewConn(s.ctx)
		if err != nil {
			return err
		}
		serve, err := conn.StartIntercept(s.ctx, mgr)
		if err != nil {
			conn.Close()
			return err
		}
		task, err = s.c.rt.Go("intercept", serve)
		if err != nil {
			conn.Close()
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if conn != nil {
			conn.Close()
		}
		return ErrClosed
	}
	s.mgr, s.queue, s.conn, s.task = mgr, q, conn, task
	caps := mgr.Capabilities()
	s.c.log.Info().
		Bool("requests", caps.Requests).
		Bool("responses", caps.Responses).
		Bool("websocket", caps.Websocket).
		Bool("queue", q != nil).
		Msg("intercept session started")
	return nil
}

// stop closes the current connection and waits for its loop. Decisions
// still pending on it are canceled.
func (s *InterceptSession) stop() {
	s.mu.Lock()
	conn, task := s.conn, s.task
	s.conn, s.task = nil, nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if task != nil {
		_ = task.Wait()
	}
}

// Restart swaps in a new mangler. Messages paused under the old one are
// dropped.
func (s *InterceptSession) Restart(mgr intercept.Mangler) error {
	s.stop()
	s.mu.Lock()
	old := s.queue
	s.queue = nil
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return s.start(mgr, nil)
}

// SetCapabilities restarts a queue session with new capabilities. Messages
// waiting in the old queue are dropped.
func (s *InterceptSession) SetCapabilities(caps intercept.Capabilities) error {
	s.mu.Lock()
	old := s.queue
	s.mu.Unlock()
	if old == nil {
		return ErrNotQueued
	}
	s.stop()
	q := intercept.NewQueue(caps)
	s.mu.Lock()
	s.queue = q
	s.mu.Unlock()
	old.Close()
	return s.start(q, q)
}

// Capabilities returns what the session currently intercepts.
func (s *InterceptSession) Capabilities() intercept.Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mgr == nil {
		return intercept.Capabilities{}
	}
	return s.mgr.Capabilities()
}

// Active reports whether the session has a live intercepting connection.
func (s *InterceptSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil && !s.conn.Closed()
}

// Queue returns the human queue, or nil for a mangler session.
func (s *InterceptSession) Queue() *intercept.Queue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue
}

// Next blocks until a paused message is waiting in the human queue. It
// follows the session across SetCapabilities restarts.
func (s *InterceptSession) Next(ctx context.Context) (*intercept.Message, error) {
	for {
		q := s.Queue()
		if q == nil {
			return nil, ErrNotQueued
		}
		m, err := q.Next(ctx)
		if !errors.Is(err, intercept.ErrQueueClosed) {
			return m, err
		}
		s.mu.Lock()
		swapped := s.queue != q && !s.closed
		s.mu.Unlock()
		if !swapped {
			return nil, err
		}
	}
}

// CancelAll drops every message waiting in the human queue and returns how
// many there were.
func (s *InterceptSession) CancelAll() (int, error) {
	q := s.Queue()
	if q == nil {
		return 0, ErrNotQueued
	}
	return q.CancelAll(), nil
}

// Close ends interception. Waiting messages are dropped.
func (s *InterceptSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	q := s.queue
	s.mu.Unlock()

	s.stop()
	if q != nil {
		q.Close()
	}
	s.c.log.Info().Msg("intercept session closed")
	return nil
}
