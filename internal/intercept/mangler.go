package intercept

import "github.com/standardbeagle/mitmctl/internal/model"

// Capabilities declares which message kinds a decision-maker wants to see.
type Capabilities struct {
	Requests  bool
	Responses bool
	Websocket bool
}

// Any reports whether at least one kind is enabled.
func (c Capabilities) Any() bool { return c.Requests || c.Responses || c.Websocket }

// Allows reports whether kind is enabled.
func (c Capabilities) Allows(k Kind) bool {
	switch k {
	case KindRequest:
		return c.Requests
	case KindResponse:
		return c.Responses
	case KindWebsocket:
		return c.Websocket
	}
	return false
}

// Mangler is a decision-maker. It declares its capabilities and implements
// the matching per-kind interfaces below. A message whose kind the mangler
// does not implement is forwarded unchanged.
//
// Implementations must settle the message's decision eventually, possibly
// from another goroutine after the callback returns.
type Mangler interface {
	Capabilities() Capabilities
}

// RequestMangler handles paused requests.
type RequestMangler interface {
	Mangler
	MangleRequest(m *Message)
}

// ResponseMangler handles paused responses.
type ResponseMangler interface {
	Mangler
	MangleResponse(m *Message)
}

// WebsocketMangler handles paused websocket frames.
type WebsocketMangler interface {
	Mangler
	MangleWebsocket(m *Message)
}

// Dispatch invokes the handler of mgr matching m's kind, forwarding m
// unchanged when mgr has none. A panicking handler cancels the decision.
func Dispatch(mgr Mangler, m *Message) {
	defer func() {
		if p := recover(); p != nil {
			_ = m.Cancel()
		}
	}()
	switch m.Kind {
	case KindRequest:
		if rm, ok := mgr.(RequestMangler); ok {
			rm.MangleRequest(m)
			return
		}
	case KindResponse:
		if rm, ok := mgr.(ResponseMangler); ok {
			rm.MangleResponse(m)
			return
		}
	case KindWebsocket:
		if wm, ok := mgr.(WebsocketMangler); ok {
			wm.MangleWebsocket(m)
			return
		}
	}
	_ = m.Forward()
}

// Funcs adapts plain functions to a Mangler. Each function returns the
// replacement to forward or nil to drop. Capabilities follow which functions
// are set.
type Funcs struct {
	Request   func(req *model.Request) *model.Request
	Response  func(req *model.Request, rsp *model.Response) *model.Response
	Websocket func(req *model.Request, rsp *model.Response, ws *model.WSMessage) *model.WSMessage
}

// Capabilities implements Mangler.
func (f Funcs) Capabilities() Capabilities {
	return Capabilities{
		Requests:  f.Request != nil,
		Responses: f.Response != nil,
		Websocket: f.Websocket != nil,
	}
}

// MangleRequest implements RequestMangler.
func (f Funcs) MangleRequest(m *Message) {
	if f.Request == nil {
		_ = m.Forward()
		return
	}
	if r := f.Request(m.Request); r != nil {
		_ = m.ForwardRequest(r)
		return
	}
	_ = m.Drop()
}

// MangleResponse implements ResponseMangler.
func (f Funcs) MangleResponse(m *Message) {
	if f.Response == nil {
		_ = m.Forward()
		return
	}
	if r := f.Response(m.Request, m.Response); r != nil {
		_ = m.ForwardResponse(r)
		return
	}
	_ = m.Drop()
}

// MangleWebsocket implements WebsocketMangler.
func (f Funcs) MangleWebsocket(m *Message) {
	if f.Websocket == nil {
		_ = m.Forward()
		return
	}
	if w := f.Websocket(m.Request, m.Response, m.WSMessage); w != nil {
		_ = m.ForwardWSMessage(w)
		return
	}
	_ = m.Drop()
}
