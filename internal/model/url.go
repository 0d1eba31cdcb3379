package model

import (
	"net/url"
	"strings"
)

// URL is a request target decomposed into its parts. It accepts both
// origin-form paths ("/a?b=c") and absolute URLs.
type URL struct {
	Scheme   string
	Host     string
	Path     string
	Params   string // ";"-separated parameters on the last path segment
	RawQuery string
	Fragment string
}

// ParseURL splits s into its components. It never fails; unparseable input is
// kept verbatim as the path.
func ParseURL(s string) URL {
	if s == "" {
		return URL{Path: "/"}
	}
	u, err := url.Parse(s)
	if err != nil {
		return URL{Path: s}
	}
	out := URL{
		Scheme:   u.Scheme,
		Host:     u.Host,
		Path:     u.EscapedPath(),
		RawQuery: u.RawQuery,
		Fragment: u.EscapedFragment(),
	}
	if u.Opaque != "" {
		out.Path = u.Opaque
	}
	last := strings.LastIndex(out.Path, "/")
	if i := strings.Index(out.Path[last+1:], ";"); i >= 0 {
		cut := last + 1 + i
		out.Params = out.Path[cut+1:]
		out.Path = out.Path[:cut]
	}
	return out
}

// String reassembles the URL including params, query and fragment.
func (u URL) String() string {
	return u.format(true)
}

// Base reassembles the URL without params, query or fragment.
func (u URL) Base() string {
	return u.format(false)
}

func (u URL) format(full bool) string {
	var b strings.Builder
	if u.Scheme != "" {
		b.WriteString(u.Scheme)
		b.WriteString(":")
	}
	if u.Host != "" || u.Scheme != "" {
		b.WriteString("//")
		b.WriteString(u.Host)
	}
	b.WriteString(u.Path)
	if !full {
		return b.String()
	}
	if u.Params != "" {
		b.WriteString(";")
		b.WriteString(u.Params)
	}
	if u.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(u.RawQuery)
	}
	if u.Fragment != "" {
		b.WriteString("#")
		b.WriteString(u.Fragment)
	}
	return b.String()
}

// Query parses the query string. Blank values are kept; malformed pairs are
// skipped.
func (u URL) Query() url.Values {
	v, _ := url.ParseQuery(u.RawQuery)
	return v
}

// SetParam replaces every value of key with val.
func (u *URL) SetParam(key, val string) {
	q := u.Query()
	q.Set(key, val)
	u.RawQuery = q.Encode()
}

// AddParam appends val to key.
func (u *URL) AddParam(key, val string) {
	q := u.Query()
	q.Add(key, val)
	u.RawQuery = q.Encode()
}

// DelParam removes key from the query.
func (u *URL) DelParam(key string) {
	q := u.Query()
	q.Del(key)
	u.RawQuery = q.Encode()
}

// SetParams replaces the whole query.
func (u *URL) SetParams(v url.Values) {
	u.RawQuery = v.Encode()
}
