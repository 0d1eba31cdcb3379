package model

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Request is an HTTP request as stored or intercepted by the proxy.
//
// DestHost, DestPort and UseTLS are where the proxy dials, independent of the
// Host header. A request decoded with HeadersOnly set has no body and its
// Content-Length header is whatever the backend reported.
type Request struct {
	Method     string
	URL        URL
	ProtoMajor int
	ProtoMinor int
	Headers    *Headers

	body        []byte
	HeadersOnly bool

	DestHost string
	DestPort int
	UseTLS   bool

	StartTime time.Time
	EndTime   time.Time

	Response   *Response
	Unmangled  *Request
	WSMessages []*WSMessage

	Tags      TagSet
	DbID      string
	StorageID int
}

// NewRequest returns an HTTP/1.1 request for target with an empty body.
func NewRequest(method, target string) *Request {
	r := &Request{
		Method:     method,
		URL:        ParseURL(target),
		ProtoMajor: 1,
		ProtoMinor: 1,
		Headers:    NewHeaders(),
		DestPort:   80,
		Tags:       TagSet{},
	}
	return r
}

// Body returns the request body.
func (r *Request) Body() []byte { return r.body }

// SetBody replaces the body and rewrites Content-Length to match.
func (r *Request) SetBody(b []byte) {
	r.HeadersOnly = false
	r.body = b
	if r.Headers == nil {
		r.Headers = NewHeaders()
	}
	r.Headers.Set("Content-Length", strconv.Itoa(len(b)))
}

// LoadBody stores b without touching the headers. Decoders use it so stored
// messages keep the headers the backend recorded.
func (r *Request) LoadBody(b []byte) {
	r.HeadersOnly = false
	r.body = b
}

// ContentLength returns the declared Content-Length, falling back to the body
// size when the header is missing or unparseable. A headers-only request
// without a usable header reports UnknownLength.
func (r *Request) ContentLength() int {
	return contentLength(r.Headers, r.body, r.HeadersOnly)
}

// StatusLine returns the request line, e.g. "GET /x HTTP/1.1".
func (r *Request) StatusLine() string {
	return fmt.Sprintf("%s %s HTTP/%d.%d", r.Method, r.URL.String(), r.ProtoMajor, r.ProtoMinor)
}

// HeadersSection returns the request line and header block, without the
// blank separator line.
func (r *Request) HeadersSection() []byte {
	return headersSection(r.StatusLine(), r.Headers)
}

// FullMessage returns the raw HTTP message.
func (r *Request) FullMessage() []byte {
	return fullMessage(r.HeadersSection(), r.body)
}

// FullURL builds an absolute URL from the destination fields and the path.
// Default ports are omitted.
func (r *Request) FullURL() string {
	scheme, defPort := "http", 80
	if r.UseTLS {
		scheme, defPort = "https", 443
	}
	host := r.DestHost
	if r.DestPort != defPort {
		host = net.JoinHostPort(r.DestHost, strconv.Itoa(r.DestPort))
	}
	u := r.URL
	u.Scheme = scheme
	u.Host = host
	return u.String()
}

// IsForm reports whether the body is url-encoded form data.
func (r *Request) IsForm() bool {
	ct, ok := r.Headers.Get("Content-Type")
	return ok && strings.Contains(strings.ToLower(ct), "www-form-urlencoded")
}

// Params parses the body as url-encoded form data.
func (r *Request) Params() url.Values {
	v, _ := url.ParseQuery(string(r.body))
	return v
}

// SetParam replaces a form parameter in the body.
func (r *Request) SetParam(key, val string) {
	p := r.Params()
	p.Set(key, val)
	r.SetBody([]byte(p.Encode()))
}

// AddParam appends a form parameter to the body.
func (r *Request) AddParam(key, val string) {
	p := r.Params()
	p.Add(key, val)
	r.SetBody([]byte(p.Encode()))
}

// DelParam removes a form parameter from the body.
func (r *Request) DelParam(key string) {
	p := r.Params()
	p.Del(key)
	r.SetBody([]byte(p.Encode()))
}

// Cookies parses the Cookie header.
func (r *Request) Cookies() []*http.Cookie {
	line, ok := r.Headers.Get("Cookie")
	if !ok {
		return nil
	}
	cs, err := http.ParseCookie(line)
	if err != nil {
		return nil
	}
	return cs
}

// Cookie returns the value of the named cookie.
func (r *Request) Cookie(name string) (string, bool) {
	for _, c := range r.Cookies() {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

// SetCookie adds or replaces a cookie in the Cookie header.
func (r *Request) SetCookie(name, value string) {
	cs := r.Cookies()
	found := false
	for _, c := range cs {
		if c.Name == name {
			c.Value = value
			found = true
		}
	}
	if !found {
		cs = append(cs, &http.Cookie{Name: name, Value: value})
	}
	r.setCookies(cs)
}

// DelCookie removes a cookie from the Cookie header.
func (r *Request) DelCookie(name string) {
	var keep []*http.Cookie
	for _, c := range r.Cookies() {
		if c.Name != name {
			keep = append(keep, c)
		}
	}
	r.setCookies(keep)
}

func (r *Request) setCookies(cs []*http.Cookie) {
	if len(cs) == 0 {
		r.Headers.Del("Cookie")
		return
	}
	parts := make([]string, 0, len(cs))
	for _, c := range cs {
		parts = append(parts, c.Name+"="+c.Value)
	}
	r.Headers.Set("Cookie", strings.Join(parts, "; "))
}

// Copy returns an unsaved copy of the request: no response, unmangled
// version, websocket messages or ids.
func (r *Request) Copy() *Request {
	c := &Request{
		Method:      r.Method,
		URL:         r.URL,
		ProtoMajor:  r.ProtoMajor,
		ProtoMinor:  r.ProtoMinor,
		Headers:     r.Headers.Clone(),
		body:        append([]byte(nil), r.body...),
		HeadersOnly: r.HeadersOnly,
		DestHost:    r.DestHost,
		DestPort:    r.DestPort,
		UseTLS:      r.UseTLS,
		Tags:        r.Tags.Clone(),
	}
	return c
}

// TagSet is a set of request tags.
type TagSet map[string]struct{}

// NewTagSet builds a set from a list.
func NewTagSet(tags ...string) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Add inserts a tag.
func (s TagSet) Add(tag string) { s[tag] = struct{}{} }

// Remove deletes a tag.
func (s TagSet) Remove(tag string) { delete(s, tag) }

// Has reports whether tag is present.
func (s TagSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// List returns the tags sorted.
func (s TagSet) List() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Clone copies the set.
func (s TagSet) Clone() TagSet {
	c := make(TagSet, len(s))
	for t := range s {
		c[t] = struct{}{}
	}
	return c
}

// UnknownLength is the length of a headers-only entity that declares none.
const UnknownLength = -1

func contentLength(h *Headers, body []byte, headersOnly bool) int {
	if v, ok := h.Get("Content-Length"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			return n
		}
	}
	if headersOnly {
		return UnknownLength
	}
	return len(body)
}

func headersSection(statusLine string, h *Headers) []byte {
	var b strings.Builder
	b.WriteString(statusLine)
	b.WriteString("\r\n")
	for _, p := range h.Pairs() {
		b.WriteString(p.Name)
		b.WriteString(": ")
		b.WriteString(p.Value)
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

func fullMessage(section, body []byte) []byte {
	out := make([]byte, 0, len(section)+2+len(body))
	out = append(out, section...)
	out = append(out, '\r', '\n')
	return append(out, body...)
}
