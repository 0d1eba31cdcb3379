package intercept

import (
	"errors"
	"fmt"
	"time"

	"github.com/standardbeagle/mitmctl/internal/model"
)

// Kind identifies what a paused message carries.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindWebsocket
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindWebsocket:
		return "websocket"
	}
	return "unknown"
}

// ErrWrongKind is returned when a replacement does not match the message kind.
var ErrWrongKind = errors.New("replacement does not match message kind")

// Message is a paused message awaiting a verdict.
//
// For KindRequest only Request is set. For KindResponse, Request is the
// request that produced Response. For KindWebsocket, Request and Response
// describe the upgraded connection when the backend supplies them.
type Message struct {
	ID         string
	Kind       Kind
	ReceivedAt time.Time

	Request   *model.Request
	Response  *model.Response
	WSMessage *model.WSMessage

	// QueueKey is assigned when the message enters a Queue.
	QueueKey string

	decision *Decision
}

// NewMessage wraps a paused entity with a fresh pending decision.
func NewMessage(id string, kind Kind, req *model.Request, rsp *model.Response, ws *model.WSMessage) *Message {
	return &Message{
		ID:         id,
		Kind:       kind,
		ReceivedAt: time.Now(),
		Request:    req,
		Response:   rsp,
		WSMessage:  ws,
		decision:   NewDecision(),
	}
}

// Decision returns the message's decision slot.
func (m *Message) Decision() *Decision { return m.decision }

// Forward passes the message on unchanged.
func (m *Message) Forward() error {
	switch m.Kind {
	case KindRequest:
		return m.decision.Resolve(m.Request)
	case KindResponse:
		return m.decision.Resolve(m.Response)
	default:
		return m.decision.Resolve(m.WSMessage)
	}
}

// ForwardRequest passes on an edited request. Destination fields of the
// original are restored when the verdict is sent.
func (m *Message) ForwardRequest(r *model.Request) error {
	if m.Kind != KindRequest || r == nil {
		return fmt.Errorf("%w: %s", ErrWrongKind, m.Kind)
	}
	return m.decision.Resolve(r)
}

// ForwardResponse passes on an edited response.
func (m *Message) ForwardResponse(r *model.Response) error {
	if m.Kind != KindResponse || r == nil {
		return fmt.Errorf("%w: %s", ErrWrongKind, m.Kind)
	}
	return m.decision.Resolve(r)
}

// ForwardWSMessage passes on an edited websocket frame.
func (m *Message) ForwardWSMessage(w *model.WSMessage) error {
	if m.Kind != KindWebsocket || w == nil {
		return fmt.Errorf("%w: %s", ErrWrongKind, m.Kind)
	}
	return m.decision.Resolve(w)
}

// Drop discards the message.
func (m *Message) Drop() error { return m.decision.Resolve(nil) }

// Cancel abandons the decision; the message is dropped.
func (m *Message) Cancel() error { return m.decision.Cancel() }

// State returns the decision state.
func (m *Message) State() State { return m.decision.State() }

// Done is closed once a decision is made.
func (m *Message) Done() <-chan struct{} { return m.decision.Done() }

// Raw returns the editable HTTP text of the paused entity, or the websocket
// payload.
func (m *Message) Raw() []byte {
	switch m.Kind {
	case KindRequest:
		return m.Request.FullMessage()
	case KindResponse:
		return m.Response.FullMessage()
	default:
		return m.WSMessage.Message
	}
}

// ForwardRaw parses edited text produced from Raw and forwards the result.
func (m *Message) ForwardRaw(raw []byte) error {
	switch m.Kind {
	case KindRequest:
		r, err := model.ParseRequest(raw, m.Request.DestHost, m.Request.DestPort, m.Request.UseTLS)
		if err != nil {
			return err
		}
		return m.ForwardRequest(r)
	case KindResponse:
		r, err := model.ParseResponse(raw)
		if err != nil {
			return err
		}
		return m.ForwardResponse(r)
	default:
		w := m.WSMessage.Copy()
		w.Message = raw
		return m.ForwardWSMessage(w)
	}
}
