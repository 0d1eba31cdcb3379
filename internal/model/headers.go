// Package model defines the HTTP request, response and websocket message types
// exchanged with the proxy backend.
package model

import (
	"sort"
	"strings"
)

// Header is a single header line with its original name casing.
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered multimap of HTTP headers.
// Lookups are case-insensitive; storage keeps the original casing, order and
// duplicates so messages can be re-serialized faithfully.
type Headers struct {
	order  []string // lowercased names in first-insertion order
	values map[string][]Header
}

// NewHeaders returns an empty header set.
func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]Header)}
}

// HeadersFromMap builds a header set from the wire representation.
// Names are inserted in sorted order so the result is deterministic.
func HeadersFromMap(m map[string][]string) *Headers {
	h := NewHeaders()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, v := range m[name] {
			h.Add(name, v)
		}
	}
	return h
}

func (h *Headers) init() {
	if h.values == nil {
		h.values = make(map[string][]Header)
	}
}

// Add appends a value for name, keeping any existing values.
func (h *Headers) Add(name, value string) {
	h.init()
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = append(h.values[key], Header{Name: name, Value: value})
}

// Set replaces every value for name with a single value.
// An existing header keeps its position.
func (h *Headers) Set(name, value string) {
	h.init()
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		h.order = append(h.order, key)
	}
	h.values[key] = []Header{{Name: name, Value: value}}
}

// Get returns the first value for name.
func (h *Headers) Get(name string) (string, bool) {
	if h == nil {
		return "", false
	}
	vs := h.values[strings.ToLower(name)]
	if len(vs) == 0 {
		return "", false
	}
	return vs[0].Value, true
}

// Values returns every value for name in insertion order.
func (h *Headers) Values(name string) []string {
	if h == nil {
		return nil
	}
	vs := h.values[strings.ToLower(name)]
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Value)
	}
	return out
}

// Has reports whether at least one value exists for name.
func (h *Headers) Has(name string) bool {
	_, ok := h.Get(name)
	return ok
}

// Del removes every value for name.
func (h *Headers) Del(name string) {
	if h == nil {
		return
	}
	key := strings.ToLower(name)
	if _, ok := h.values[key]; !ok {
		return
	}
	delete(h.values, key)
	for i, k := range h.order {
		if k == key {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

// Pairs returns every header line in order.
func (h *Headers) Pairs() []Header {
	if h == nil {
		return nil
	}
	var out []Header
	for _, key := range h.order {
		out = append(out, h.values[key]...)
	}
	return out
}

// Len returns the number of header lines.
func (h *Headers) Len() int {
	n := 0
	if h == nil {
		return n
	}
	for _, vs := range h.values {
		n += len(vs)
	}
	return n
}

// Map flattens the headers to name -> values keyed by original casing.
func (h *Headers) Map() map[string][]string {
	out := make(map[string][]string)
	for _, p := range h.Pairs() {
		out[p.Name] = append(out[p.Name], p.Value)
	}
	return out
}

// Clone returns a deep copy.
func (h *Headers) Clone() *Headers {
	c := NewHeaders()
	for _, p := range h.Pairs() {
		c.Add(p.Name, p.Value)
	}
	return c
}
