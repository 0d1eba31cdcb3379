package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/standardbeagle/mitmctl/internal/codec"
	"github.com/standardbeagle/mitmctl/internal/intercept"
	"github.com/standardbeagle/mitmctl/internal/model"
	"github.com/standardbeagle/mitmctl/internal/protocol"
)

// Intercept hands the connection over to live interception. The backend
// pauses the message kinds mgr declares and the connection answers each one
// with a verdict once mgr decides.
//
// Every paused message is dispatched on its own task, so a slow decision
// never holds up the next notification. Intercept blocks until the
// connection closes and then returns nil; cancelling ctx closes the
// connection and returns ctx.Err(). Decisions still pending at close are
// canceled.
func (c *Conn) Intercept(ctx context.Context, mgr intercept.Mangler) error {
	serve, err := c.StartIntercept(ctx, mgr)
	if err != nil {
		return err
	}
	return serve()
}

// StartIntercept is Intercept split in two: it returns once the backend has
// accepted the intercept command, and the returned serve func runs the
// notification loop.
func (c *Conn) StartIntercept(ctx context.Context, mgr intercept.Mangler) (serve func() error, err error) {
	caps := mgr.Capabilities()
	if err := c.enterInteractive(); err != nil {
		return nil, err
	}
	args := struct {
		Requests  bool `json:"InterceptRequests"`
		Responses bool `json:"InterceptResponses"`
		Websocket bool `json:"InterceptWS"`
	}{caps.Requests, caps.Responses, caps.Websocket}

	c.mu.Lock()
	_, err = c.exchange(protocol.CmdIntercept, args)
	c.mu.Unlock()
	if err != nil {
		c.leaveInteractive()
		return nil, err
	}
	c.log.Info().
		Bool("requests", caps.Requests).
		Bool("responses", caps.Responses).
		Bool("websocket", caps.Websocket).
		Msg("interception started")

	return func() error {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()

		var inflight sync.Map // correlation id -> struct{}
		for {
			frame, err := c.read()
			if err != nil {
				c.log.Info().Msg("interception ended")
				return ctx.Err()
			}
			c.handleNotification(mgr, frame, &inflight)
		}
	}, nil
}

func (c *Conn) handleNotification(mgr intercept.Mangler, frame []byte, inflight *sync.Map) {
	var n codec.Notification
	if err := json.Unmarshal(frame, &n); err != nil {
		c.rejectNotification(protocol.FrameID(frame), err)
		return
	}
	msg, err := decodeNotification(&n)
	if err != nil {
		c.rejectNotification(n.ID, err)
		return
	}

	if _, dup := inflight.LoadOrStore(msg.ID, struct{}{}); dup {
		c.log.Warn().Str("id", msg.ID).Msg("ignoring notification for a message already awaiting a verdict")
		return
	}
	id := n.ID
	_, err = c.rt.Go("intercept "+msg.ID, func() error {
		defer inflight.Delete(msg.ID)
		c.decide(mgr, msg)
		c.respond(id, msg)
		return nil
	})
	if err != nil {
		inflight.Delete(msg.ID)
		_ = msg.Cancel()
		c.respond(id, msg)
	}
}

// rejectNotification drops a paused message that could not be decoded so
// the backend does not wait on it forever.
func (c *Conn) rejectNotification(id json.RawMessage, cause error) {
	c.log.Warn().Err(cause).Str("id", codec.IDString(id)).Msg("undecodable notification")
	if len(id) == 0 {
		return
	}
	if err := c.sendVerdict(codec.Verdict{ID: id, Dropped: true}); err != nil {
		c.log.Debug().Err(err).Msg("drop verdict not sent")
	}
}

// decide runs mgr on msg and waits for the decision or for the connection to
// close, whichever comes first.
func (c *Conn) decide(mgr intercept.Mangler, msg *intercept.Message) {
	if mgr.Capabilities().Allows(msg.Kind) {
		intercept.Dispatch(mgr, msg)
	} else {
		_ = msg.Forward()
	}
	select {
	case <-msg.Done():
	case <-c.done:
		_ = msg.Cancel()
	}
}

func (c *Conn) respond(id json.RawMessage, msg *intercept.Message) {
	v := buildVerdict(id, msg)
	err := c.sendVerdict(v)
	if err != nil {
		c.log.Debug().Err(err).Str("id", msg.ID).Msg("verdict not sent")
	} else {
		c.log.Debug().Str("id", msg.ID).Bool("dropped", v.Dropped).Msg("verdict sent")
	}
	if c.onVerdict != nil {
		o := msg.Decision().Outcome()
		c.onVerdict(VerdictRecord{
			ConnID:    c.id,
			MessageID: msg.ID,
			Kind:      msg.Kind.String(),
			Dropped:   v.Dropped,
			Edited:    !v.Dropped && edited(msg, o.Replacement),
			Canceled:  o.State == intercept.Canceled,
			SendErr:   err,
			DecidedAt: time.Now(),
		})
	}
}

func (c *Conn) sendVerdict(v codec.Verdict) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.send(b)
}

// buildVerdict turns a settled decision into the wire verdict. A forwarded
// request always keeps the original destination.
func buildVerdict(id json.RawMessage, msg *intercept.Message) codec.Verdict {
	o := msg.Decision().Outcome()
	v := codec.Verdict{ID: id}
	if o.Dropped() {
		v.Dropped = true
		return v
	}
	switch r := o.Replacement.(type) {
	case *model.Request:
		out := *r
		out.DestHost = msg.Request.DestHost
		out.DestPort = msg.Request.DestPort
		out.UseTLS = msg.Request.UseTLS
		v.Request = codec.EncodeRequest(&out, codec.Replacement)
	case *model.Response:
		v.Response = codec.EncodeResponse(r, codec.Replacement)
	case *model.WSMessage:
		v.WSMessage = codec.EncodeWSMessage(r, codec.Replacement)
	default:
		v.Dropped = true
	}
	return v
}

func edited(msg *intercept.Message, replacement any) bool {
	switch r := replacement.(type) {
	case *model.Request:
		return r != msg.Request
	case *model.Response:
		return r != msg.Response
	case *model.WSMessage:
		return r != msg.WSMessage
	}
	return false
}

func decodeNotification(n *codec.Notification) (*intercept.Message, error) {
	id := codec.IDString(n.ID)
	if id == "" {
		return nil, fmt.Errorf("notification has no id")
	}
	var opts codec.Options
	var (
		req *model.Request
		rsp *model.Response
		ws  *model.WSMessage
		err error
	)
	if n.Request != nil {
		if req, err = codec.DecodeRequest(n.Request, opts); err != nil {
			return nil, err
		}
	}
	if n.Response != nil {
		if rsp, err = codec.DecodeResponse(n.Response, opts); err != nil {
			return nil, err
		}
	}
	if n.WSMessage != nil {
		if ws, err = codec.DecodeWSMessage(n.WSMessage, opts); err != nil {
			return nil, err
		}
	}

	var kind intercept.Kind
	switch n.Type {
	case protocol.TypeHTTPRequest:
		kind = intercept.KindRequest
		if req == nil {
			return nil, &codec.DecodeError{Entity: "request", Err: fmt.Errorf("missing from %s notification", n.Type)}
		}
	case protocol.TypeHTTPResponse:
		kind = intercept.KindResponse
		if rsp == nil {
			return nil, &codec.DecodeError{Entity: "response", Err: fmt.Errorf("missing from %s notification", n.Type)}
		}
	case protocol.TypeWSToServer, protocol.TypeWSToClient:
		kind = intercept.KindWebsocket
		if ws == nil {
			return nil, &codec.DecodeError{Entity: "websocket message", Err: fmt.Errorf("missing from %s notification", n.Type)}
		}
		ws.ToServer = n.Type == protocol.TypeWSToServer
	default:
		return nil, fmt.Errorf("unknown notification type %q", n.Type)
	}
	return intercept.NewMessage(id, kind, req, rsp, ws), nil
}
