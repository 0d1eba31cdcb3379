package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/standardbeagle/mitmctl/internal/codec"
	"github.com/standardbeagle/mitmctl/internal/protocol"
	"github.com/standardbeagle/mitmctl/internal/tasks"
)

// ErrInteractive is returned for a command issued on a connection that has
// been handed over to an intercept or watch exchange.
var ErrInteractive = errors.New("connection is dedicated to an interactive session")

var nextConnID atomic.Uint64

// VerdictRecord describes a verdict after it was sent.
type VerdictRecord struct {
	ConnID    uint64
	MessageID string
	Kind      string
	Dropped   bool
	Edited    bool
	Canceled  bool
	SendErr   error
	DecidedAt time.Time
}

// Conn is one control connection to the backend.
//
// Commands are strictly request/response: at most one is in flight per Conn.
// Once Intercept or WatchStorage starts, the connection belongs to that
// exchange and further commands fail with ErrInteractive.
type Conn struct {
	id   uint64
	sock *SockBuffer
	log  zerolog.Logger
	rt   *tasks.Runtime

	onClose   func(*Conn)
	onVerdict func(VerdictRecord)

	// mu serializes the command path.
	mu sync.Mutex

	stateMu     sync.Mutex
	interactive bool
	closed      bool
	done        chan struct{}
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithLogger sets the connection logger. Frames are logged at debug level.
func WithLogger(log zerolog.Logger) ConnOption {
	return func(c *Conn) { c.log = log }
}

// WithRuntime sets the runtime that intercept dispatch tasks are spawned on.
func WithRuntime(rt *tasks.Runtime) ConnOption {
	return func(c *Conn) { c.rt = rt }
}

// WithCloseHook registers fn to run once when the connection closes.
func WithCloseHook(fn func(*Conn)) ConnOption {
	return func(c *Conn) { c.onClose = fn }
}

// WithVerdictHook registers fn to run after each intercept verdict is sent.
func WithVerdictHook(fn func(VerdictRecord)) ConnOption {
	return func(c *Conn) { c.onVerdict = fn }
}

// NewConn wraps an established socket.
func NewConn(sock *SockBuffer, opts ...ConnOption) *Conn {
	c := &Conn{
		id:   nextConnID.Add(1),
		sock: sock,
		log:  zerolog.Nop(),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With().Uint64("conn", c.id).Logger()
	if c.rt == nil {
		c.rt = tasks.New(c.log)
	}
	return c
}

// Dial connects to a backend at a "kind:addr" address.
func Dial(ctx context.Context, maddr string, opts ...ConnOption) (*Conn, error) {
	sock, err := DialSock(ctx, maddr)
	if err != nil {
		return nil, err
	}
	c := NewConn(sock, opts...)
	c.log.Debug().Str("addr", maddr).Msg("connected to backend")
	return c, nil
}

// ID returns the process-unique connection id.
func (c *Conn) ID() uint64 { return c.id }

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.closed
}

// Interactive reports whether an intercept or watch exchange owns the
// connection.
func (c *Conn) Interactive() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.interactive
}

// Close closes the socket, which unblocks any pending read with
// ErrConnectionClosed. Safe to call repeatedly.
func (c *Conn) Close() error {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.stateMu.Unlock()

	err := c.sock.Close()
	c.log.Debug().Msg("connection closed")
	if c.onClose != nil {
		c.onClose(c)
	}
	return err
}

func (c *Conn) usable() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.interactive {
		return ErrInteractive
	}
	return nil
}

func (c *Conn) enterInteractive() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	if c.interactive {
		return ErrInteractive
	}
	c.interactive = true
	return nil
}

func (c *Conn) leaveInteractive() {
	c.stateMu.Lock()
	c.interactive = false
	c.stateMu.Unlock()
}

// roundTrip issues one command and decodes its success reply into out,
// which may be nil.
func (c *Conn) roundTrip(name string, args, out any) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	// An interactive exchange may have started while we waited for the lock.
	if err := c.usable(); err != nil {
		return err
	}
	frame, err := c.exchange(name, args)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(frame, out); err != nil {
		return &codec.DecodeError{Entity: name + " reply", Err: err}
	}
	return nil
}

// exchange writes one command and reads one reply. The caller holds mu.
func (c *Conn) exchange(name string, args any) ([]byte, error) {
	cmd, err := protocol.FormatCommand(name, args)
	if err != nil {
		return nil, err
	}
	if err := c.send(cmd); err != nil {
		return nil, err
	}
	frame, err := c.read()
	if err != nil {
		return nil, err
	}
	if !protocol.IsValidJSON(frame) {
		return nil, &codec.DecodeError{Entity: name + " reply", Err: fmt.Errorf("malformed frame %.64q", frame)}
	}
	if err := protocol.CheckFailure(name, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *Conn) send(frame []byte) error {
	c.log.Debug().Str("dir", ">").Bytes("frame", truncate(frame)).Msg("send")
	if err := c.sock.Send(frame); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (c *Conn) read() ([]byte, error) {
	frame, err := c.sock.ReadLine()
	if err != nil {
		c.Close()
		return nil, err
	}
	c.log.Debug().Str("dir", "<").Bytes("frame", truncate(frame)).Msg("recv")
	return frame, nil
}

const maxLoggedFrame = 2048

func truncate(b []byte) []byte {
	if len(b) <= maxLoggedFrame {
		return b
	}
	return b[:maxLoggedFrame]
}
