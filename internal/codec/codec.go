// Package codec converts model entities to and from the backend's JSON wire
// shapes. Bodies travel as base64, timestamps as integer nanoseconds since the
// epoch, and pre-mangle versions nest under "Unmangled".
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/standardbeagle/mitmctl/internal/model"
)

// ErrBadBase64 is wrapped by DecodeError when a body cannot be decoded in any
// base64 alphabet.
var ErrBadBase64 = errors.New("invalid base64 payload")

// DecodeError reports a malformed entity.
type DecodeError struct {
	Entity string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Entity, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Request is the wire shape of an HTTP request.
type Request struct {
	DestHost   string              `json:"DestHost"`
	DestPort   int                 `json:"DestPort"`
	UseTLS     bool                `json:"UseTLS"`
	Method     string              `json:"Method"`
	Path       string              `json:"Path"`
	ProtoMajor int                 `json:"ProtoMajor"`
	ProtoMinor int                 `json:"ProtoMinor"`
	Headers    map[string][]string `json:"Headers"`
	Tags       []string            `json:"Tags"`
	Body       string              `json:"Body"`
	StartTime  *int64              `json:"StartTime,omitempty"`
	EndTime    *int64              `json:"EndTime,omitempty"`
	Unmangled  *Request            `json:"Unmangled,omitempty"`
	Response   *Response           `json:"Response,omitempty"`
	WSMessages []WSMessage         `json:"WSMessages,omitempty"`
	DbID       string              `json:"DbId,omitempty"`
}

// Response is the wire shape of an HTTP response.
type Response struct {
	ProtoMajor int                 `json:"ProtoMajor"`
	ProtoMinor int                 `json:"ProtoMinor"`
	StatusCode int                 `json:"StatusCode"`
	Reason     string              `json:"Reason"`
	Headers    map[string][]string `json:"Headers"`
	Body       string              `json:"Body"`
	Unmangled  *Response           `json:"Unmangled,omitempty"`
	DbID       string              `json:"DbId,omitempty"`
}

// WSMessage is the wire shape of a websocket frame.
type WSMessage struct {
	Message   string     `json:"Message"`
	IsBinary  bool       `json:"IsBinary"`
	ToServer  bool       `json:"ToServer"`
	Timestamp *int64     `json:"Timestamp,omitempty"`
	Unmangled *WSMessage `json:"Unmangled,omitempty"`
	DbID      string     `json:"DbId,omitempty"`
}

// Mode selects how much of an entity is encoded.
type Mode int

const (
	// Full encodes every field including nested session artifacts.
	Full Mode = iota
	// Replacement encodes only what the backend accepts as a replacement for a
	// paused message: no timestamps, ids, unmangled versions, nested
	// responses or websocket messages.
	Replacement
)

// EncodeRequest converts r to its wire form.
func EncodeRequest(r *model.Request, mode Mode) *Request {
	w := &Request{
		DestHost:   r.DestHost,
		DestPort:   r.DestPort,
		UseTLS:     r.UseTLS,
		Method:     r.Method,
		Path:       r.URL.String(),
		ProtoMajor: r.ProtoMajor,
		ProtoMinor: r.ProtoMinor,
		Headers:    headerMap(r.Headers),
		Tags:       r.Tags.List(),
		Body:       base64.StdEncoding.EncodeToString(r.Body()),
	}
	if mode == Replacement {
		return w
	}
	w.StartTime = nanos(r.StartTime)
	w.EndTime = nanos(r.EndTime)
	w.DbID = r.DbID
	if r.Unmangled != nil {
		w.Unmangled = EncodeRequest(r.Unmangled, Full)
	}
	if r.Response != nil {
		w.Response = EncodeResponse(r.Response, Full)
	}
	for _, m := range r.WSMessages {
		w.WSMessages = append(w.WSMessages, *EncodeWSMessage(m, Full))
	}
	return w
}

// EncodeResponse converts r to its wire form.
func EncodeResponse(r *model.Response, mode Mode) *Response {
	w := &Response{
		ProtoMajor: r.ProtoMajor,
		ProtoMinor: r.ProtoMinor,
		StatusCode: r.StatusCode,
		Reason:     r.Reason,
		Headers:    headerMap(r.Headers),
		Body:       base64.StdEncoding.EncodeToString(r.Body()),
	}
	if mode == Replacement {
		return w
	}
	w.DbID = r.DbID
	if r.Unmangled != nil {
		w.Unmangled = EncodeResponse(r.Unmangled, Full)
	}
	return w
}

// EncodeWSMessage converts m to its wire form.
func EncodeWSMessage(m *model.WSMessage, mode Mode) *WSMessage {
	w := &WSMessage{
		Message:  base64.StdEncoding.EncodeToString(m.Message),
		IsBinary: m.IsBinary,
		ToServer: m.ToServer,
	}
	if mode == Replacement {
		return w
	}
	w.Timestamp = nanos(m.Timestamp)
	w.DbID = m.DbID
	if m.Unmangled != nil {
		w.Unmangled = EncodeWSMessage(m.Unmangled, Full)
	}
	return w
}

// Options control decoding.
type Options struct {
	// StorageID is stamped on every decoded entity, nested ones included.
	StorageID int
	// HeadersOnly marks requests and responses as having no fetched body.
	HeadersOnly bool
}

// DecodeRequest converts a wire request to a model request.
func DecodeRequest(w *Request, opts Options) (*model.Request, error) {
	if w == nil {
		return nil, &DecodeError{Entity: "request", Err: errors.New("missing")}
	}
	r := model.NewRequest(w.Method, w.Path)
	r.ProtoMajor = w.ProtoMajor
	r.ProtoMinor = w.ProtoMinor
	r.Headers = model.HeadersFromMap(w.Headers)
	r.DestHost = w.DestHost
	r.DestPort = w.DestPort
	r.UseTLS = w.UseTLS
	r.StartTime = fromNanos(w.StartTime)
	r.EndTime = fromNanos(w.EndTime)
	r.Tags = model.NewTagSet(w.Tags...)
	r.DbID = w.DbID
	r.StorageID = opts.StorageID
	if err := setBody(w.Body, opts.HeadersOnly, "request", func(b []byte) {
		r.LoadBody(b)
	}); err != nil {
		return nil, err
	}
	r.HeadersOnly = opts.HeadersOnly
	if w.Unmangled != nil {
		u, err := DecodeRequest(w.Unmangled, opts)
		if err != nil {
			return nil, err
		}
		r.Unmangled = u
	}
	if w.Response != nil {
		rsp, err := DecodeResponse(w.Response, opts)
		if err != nil {
			return nil, err
		}
		r.Response = rsp
	}
	for i := range w.WSMessages {
		m, err := DecodeWSMessage(&w.WSMessages[i], opts)
		if err != nil {
			return nil, err
		}
		r.WSMessages = append(r.WSMessages, m)
	}
	return r, nil
}

// DecodeResponse converts a wire response to a model response.
func DecodeResponse(w *Response, opts Options) (*model.Response, error) {
	if w == nil {
		return nil, &DecodeError{Entity: "response", Err: errors.New("missing")}
	}
	r := model.NewResponse(w.StatusCode, w.Reason)
	r.ProtoMajor = w.ProtoMajor
	r.ProtoMinor = w.ProtoMinor
	r.Headers = model.HeadersFromMap(w.Headers)
	r.DbID = w.DbID
	r.StorageID = opts.StorageID
	if err := setBody(w.Body, opts.HeadersOnly, "response", func(b []byte) {
		r.LoadBody(b)
	}); err != nil {
		return nil, err
	}
	r.HeadersOnly = opts.HeadersOnly
	if w.Unmangled != nil {
		u, err := DecodeResponse(w.Unmangled, opts)
		if err != nil {
			return nil, err
		}
		r.Unmangled = u
	}
	return r, nil
}

// DecodeWSMessage converts a wire websocket message to a model message.
func DecodeWSMessage(w *WSMessage, opts Options) (*model.WSMessage, error) {
	if w == nil {
		return nil, &DecodeError{Entity: "websocket message", Err: errors.New("missing")}
	}
	payload, err := DecodeBase64(w.Message)
	if err != nil {
		return nil, &DecodeError{Entity: "websocket message", Err: err}
	}
	m := &model.WSMessage{
		IsBinary:  w.IsBinary,
		Message:   payload,
		ToServer:  w.ToServer,
		Timestamp: fromNanos(w.Timestamp),
		DbID:      w.DbID,
		StorageID: opts.StorageID,
	}
	if w.Unmangled != nil {
		u, err := DecodeWSMessage(w.Unmangled, opts)
		if err != nil {
			return nil, err
		}
		m.Unmangled = u
	}
	return m, nil
}

// UnmarshalRequest decodes a raw JSON request.
func UnmarshalRequest(data []byte, opts Options) (*model.Request, error) {
	var w Request
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Entity: "request", Err: err}
	}
	return DecodeRequest(&w, opts)
}

// UnmarshalResponse decodes a raw JSON response.
func UnmarshalResponse(data []byte, opts Options) (*model.Response, error) {
	var w Response
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Entity: "response", Err: err}
	}
	return DecodeResponse(&w, opts)
}

// UnmarshalWSMessage decodes a raw JSON websocket message.
func UnmarshalWSMessage(data []byte, opts Options) (*model.WSMessage, error) {
	var w WSMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Entity: "websocket message", Err: err}
	}
	return DecodeWSMessage(&w, opts)
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// DecodeBase64 decodes s trying the padded and unpadded standard and URL
// alphabets in turn.
func DecodeBase64(s string) ([]byte, error) {
	for _, enc := range base64Encodings {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("%w: %d bytes", ErrBadBase64, len(s))
}

func setBody(encoded string, headersOnly bool, entity string, set func([]byte)) error {
	if headersOnly {
		return nil
	}
	b, err := DecodeBase64(encoded)
	if err != nil {
		return &DecodeError{Entity: entity, Err: err}
	}
	set(b)
	return nil
}

func headerMap(h *model.Headers) map[string][]string {
	if h == nil {
		return map[string][]string{}
	}
	return h.Map()
}

func nanos(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromNanos(n *int64) time.Time {
	if n == nil || *n <= 0 {
		return time.Time{}
	}
	return time.Unix(0, *n).UTC()
}
