package model

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Response is an HTTP response attached to a Request.
type Response struct {
	StatusCode int
	Reason     string
	ProtoMajor int
	ProtoMinor int
	Headers    *Headers

	body        []byte
	HeadersOnly bool

	Unmangled *Response
	DbID      string
	StorageID int
}

// NewResponse returns an HTTP/1.1 response with an empty body.
func NewResponse(code int, reason string) *Response {
	return &Response{
		StatusCode: code,
		Reason:     reason,
		ProtoMajor: 1,
		ProtoMinor: 1,
		Headers:    NewHeaders(),
	}
}

// Body returns the response body.
func (r *Response) Body() []byte { return r.body }

// SetBody replaces the body and rewrites Content-Length to match.
func (r *Response) SetBody(b []byte) {
	r.HeadersOnly = false
	r.body = b
	if r.Headers == nil {
		r.Headers = NewHeaders()
	}
	r.Headers.Set("Content-Length", strconv.Itoa(len(b)))
}

// LoadBody stores b without touching the headers.
func (r *Response) LoadBody(b []byte) {
	r.HeadersOnly = false
	r.body = b
}

// ContentLength returns the declared Content-Length or the body size, or
// UnknownLength for a headers-only response that declares none.
func (r *Response) ContentLength() int {
	return contentLength(r.Headers, r.body, r.HeadersOnly)
}

// StatusLine returns e.g. "HTTP/1.1 200 OK".
func (r *Response) StatusLine() string {
	return fmt.Sprintf("HTTP/%d.%d %d %s", r.ProtoMajor, r.ProtoMinor, r.StatusCode, r.Reason)
}

// HeadersSection returns the status line and header block.
func (r *Response) HeadersSection() []byte {
	return headersSection(r.StatusLine(), r.Headers)
}

// FullMessage returns the raw HTTP message.
func (r *Response) FullMessage() []byte {
	return fullMessage(r.HeadersSection(), r.body)
}

// Cookies parses every Set-Cookie header. Malformed lines are skipped.
func (r *Response) Cookies() []*http.Cookie {
	var out []*http.Cookie
	for _, line := range r.Headers.Values("Set-Cookie") {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	return out
}

// SetCookie adds or replaces a Set-Cookie header for c.Name.
func (r *Response) SetCookie(c *http.Cookie) {
	cs := r.Cookies()
	replaced := false
	for i, old := range cs {
		if old.Name == c.Name {
			cs[i] = c
			replaced = true
		}
	}
	if !replaced {
		cs = append(cs, c)
	}
	r.setCookies(cs)
}

// DelCookie removes the Set-Cookie header for name.
func (r *Response) DelCookie(name string) {
	var keep []*http.Cookie
	for _, c := range r.Cookies() {
		if c.Name != name {
			keep = append(keep, c)
		}
	}
	r.setCookies(keep)
}

func (r *Response) setCookies(cs []*http.Cookie) {
	r.Headers.Del("Set-Cookie")
	for _, c := range cs {
		r.Headers.Add("Set-Cookie", c.String())
	}
}

// Copy returns an unsaved copy of the response.
func (r *Response) Copy() *Response {
	return &Response{
		StatusCode:  r.StatusCode,
		Reason:      r.Reason,
		ProtoMajor:  r.ProtoMajor,
		ProtoMinor:  r.ProtoMinor,
		Headers:     r.Headers.Clone(),
		body:        append([]byte(nil), r.body...),
		HeadersOnly: r.HeadersOnly,
	}
}

// WSMessage is a single websocket frame payload.
type WSMessage struct {
	IsBinary  bool
	Message   []byte
	ToServer  bool
	Timestamp time.Time

	Unmangled *WSMessage
	DbID      string
	StorageID int
}

// Copy returns an unsaved copy of the message.
func (m *WSMessage) Copy() *WSMessage {
	return &WSMessage{
		IsBinary:  m.IsBinary,
		Message:   append([]byte(nil), m.Message...),
		ToServer:  m.ToServer,
		Timestamp: m.Timestamp,
	}
}
