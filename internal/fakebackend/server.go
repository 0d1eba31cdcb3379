// Package fakebackend is an in-process stand-in for the proxy backend. It
// speaks the same line protocol, keeps storages in memory, and lets tests
// pause messages and stream storage events.
package fakebackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/standardbeagle/mitmctl/internal/codec"
	"github.com/standardbeagle/mitmctl/internal/model"
	"github.com/standardbeagle/mitmctl/internal/protocol"
	"github.com/standardbeagle/mitmctl/internal/query"
)

// ErrNoInterceptor is returned by Pause when no connection intercepts the
// requested kind.
var ErrNoInterceptor = errors.New("no intercepting connection")

type storage struct {
	id      int
	desc    string
	reqs    []*model.Request
	queries map[string]query.Query
	plugin  map[string]string
}

// Server is a fake backend listening on a loopback TCP port.
type Server struct {
	ln  net.Listener
	log zerolog.Logger

	mu           sync.Mutex
	sessions     map[*session]struct{}
	storages     map[int]*storage
	nextStorage  int
	proxyStorage int
	nextDbID     int
	scope        query.Query
	listeners    map[int]string
	nextListener int
	certs        [2]string
	upstream     json.RawMessage
	nextPauseID  int

	wg     sync.WaitGroup
	closed bool
}

// Start listens on 127.0.0.1 and serves until Close.
func Start(log zerolog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:        ln,
		log:       log,
		sessions:  make(map[*session]struct{}),
		storages:  make(map[int]*storage),
		listeners: make(map[int]string),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

// Addr returns the "kind:addr" address clients dial.
func (s *Server) Addr() string { return "tcp:" + s.ln.Addr().String() }

// Close stops the listener and drops every connection.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	err := s.ln.Close()
	for _, sess := range sessions {
		sess.close()
	}
	s.wg.Wait()
	return err
}

// SessionCount returns the number of open client connections.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		sess := newSession(s, conn)
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[sess] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.serve()
			s.mu.Lock()
			delete(s.sessions, sess)
			s.mu.Unlock()
		}()
	}
}

// AddStorage creates a storage directly, bypassing the protocol.
func (s *Server) AddStorage(desc string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addStorageLocked(desc)
}

func (s *Server) addStorageLocked(desc string) int {
	s.nextStorage++
	s.storages[s.nextStorage] = &storage{
		id:      s.nextStorage,
		desc:    desc,
		queries: make(map[string]query.Query),
		plugin:  make(map[string]string),
	}
	return s.nextStorage
}

// Seed stores req, and first its unmangled predecessors, in storageID and
// returns the new database id.
func (s *Server) Seed(storageID int, req *model.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.storages[storageID]
	if !ok {
		return "", fmt.Errorf("no storage %d", storageID)
	}
	s.storeLocked(st, req)
	return req.DbID, nil
}

// Requests returns the requests saved in storageID, oldest first.
func (s *Server) Requests(storageID int) []*model.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.storages[storageID]
	if !ok {
		return nil
	}
	return append([]*model.Request(nil), st.reqs...)
}

// ProxyStorage returns the storage proxied traffic is saved to.
func (s *Server) ProxyStorage() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proxyStorage
}

// Scope returns the current scope query.
func (s *Server) Scope() query.Query {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scope.Clone()
}

// Upstream returns the last SetProxy command frame.
func (s *Server) Upstream() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upstream
}

// Certificates returns the PEM key and certificate set with SetCerts.
func (s *Server) Certificates() (key, cert string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.certs[0], s.certs[1]
}

func (s *Server) storeLocked(st *storage, req *model.Request) {
	if req.Unmangled != nil && req.Unmangled.DbID == "" {
		s.storeLocked(st, req.Unmangled)
	}
	s.nextDbID++
	req.DbID = strconv.Itoa(s.nextDbID)
	req.StorageID = st.id
	if req.Response != nil && req.Response.DbID == "" {
		s.nextDbID++
		req.Response.DbID = strconv.Itoa(s.nextDbID)
	}
	if req.StartTime.IsZero() {
		req.StartTime = time.Unix(0, int64(s.nextDbID)*int64(time.Millisecond))
	}
	st.reqs = append(st.reqs, req)
	s.broadcastLocked(protocol.ActionNewRequest, st.id, req)
}

func (s *Server) findLocked(storageID int, dbID string) (*storage, *model.Request, error) {
	st, ok := s.storages[storageID]
	if !ok {
		return nil, nil, fmt.Errorf("storage %d does not exist", storageID)
	}
	for _, r := range st.reqs {
		if r.DbID == dbID {
			return st, r, nil
		}
	}
	return st, nil, fmt.Errorf("request %s does not exist", dbID)
}

func (s *Server) broadcastLocked(action string, storageID int, req *model.Request) {
	for sess := range s.sessions {
		sess.notifyWatch(action, storageID, req)
	}
}

// Pause sends a paused-message notification to an intercepting connection
// and waits for its verdict.
func (s *Server) Pause(ctx context.Context, n codec.Notification) (codec.Verdict, error) {
	s.mu.Lock()
	var target *session
	for sess := range s.sessions {
		if sess.wantsType(n.Type) {
			target = sess
			break
		}
	}
	if len(n.ID) == 0 {
		s.nextPauseID++
		n.ID = json.RawMessage(strconv.Quote(strconv.Itoa(s.nextPauseID)))
	}
	s.mu.Unlock()
	if target == nil {
		return codec.Verdict{}, ErrNoInterceptor
	}
	return target.pause(ctx, n)
}

func (s *Server) queryLocked(st *storage, q query.Query, limit int) ([]*model.Request, error) {
	var out []*model.Request
	for i := len(st.reqs) - 1; i >= 0; i-- {
		ok, err := match(q, st.reqs[i])
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, st.reqs[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func commandName(frame []byte) string {
	return gjson.GetBytes(frame, "Command").String()
}
