// Package daemon speaks the control protocol of a running proxy backend: it
// dials the backend, issues request/response commands, and runs the two
// long-lived exchanges (interception and storage watching) that take over a
// connection once started.
package daemon

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/standardbeagle/mitmctl/internal/protocol"
)

// ErrConnectionClosed is returned when the peer is gone or the socket failed.
// Re-exported from the protocol package so callers need only one import.
var ErrConnectionClosed = protocol.ErrConnectionClosed

// Address kinds accepted by ParseAddr.
const (
	KindTCP  = "tcp"
	KindUnix = "unix"
)

// ParseAddr splits a backend address of the form "kind:addr", e.g.
// "tcp:127.0.0.1:8081" or "unix:/tmp/proxy.sock". An address with no
// recognised kind is treated as TCP.
func ParseAddr(maddr string) (kind, addr string, err error) {
	if maddr == "" {
		return "", "", fmt.Errorf("empty backend address")
	}
	k, rest, ok := strings.Cut(maddr, ":")
	switch strings.ToLower(k) {
	case KindTCP, KindUnix:
		if !ok || rest == "" {
			return "", "", fmt.Errorf("backend address %q has no target", maddr)
		}
		return strings.ToLower(k), rest, nil
	}
	if _, _, err := net.SplitHostPort(maddr); err != nil {
		return "", "", fmt.Errorf("invalid backend address %q: %w", maddr, err)
	}
	return KindTCP, maddr, nil
}

// SockBuffer frames a stream socket into newline-terminated lines.
// ReadLine must be called from one goroutine at a time; Send and Close are
// safe from any goroutine.
type SockBuffer struct {
	conn   net.Conn
	parser *protocol.Parser
	writer *protocol.Writer

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewSockBuffer wraps an established connection.
func NewSockBuffer(conn net.Conn) *SockBuffer {
	return &SockBuffer{
		conn:   conn,
		parser: protocol.NewParser(conn),
		writer: protocol.NewWriter(conn),
	}
}

// DialSock connects to a "kind:addr" backend address.
func DialSock(ctx context.Context, maddr string) (*SockBuffer, error) {
	kind, addr, err := ParseAddr(maddr)
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, kind, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to backend at %s: %w", maddr, err)
	}
	return NewSockBuffer(conn), nil
}

// ReadLine blocks for the next frame, without its terminator.
func (s *SockBuffer) ReadLine() ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrConnectionClosed
	}
	line, err := s.parser.ReadLine()
	if err != nil {
		return nil, err
	}
	return line, nil
}

// Send writes one frame.
func (s *SockBuffer) Send(frame []byte) error {
	if s.closed.Load() {
		return ErrConnectionClosed
	}
	return s.writer.WriteLine(frame)
}

// Close shuts the socket down in both directions. Safe to call repeatedly.
func (s *SockBuffer) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (s *SockBuffer) Closed() bool { return s.closed.Load() }

// RemoteAddr returns the peer address.
func (s *SockBuffer) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
