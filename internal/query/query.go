// Package query models backend storage queries.
//
// A Query is a list of phrases that must all match. A Phrase is a list of
// filters of which at least one must match. A Filter is a token list:
// an optional "inv" marker, a field, a comparator and operands.
package query

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Text-form keywords.
const (
	KeywordOr  = "OR"
	KeywordAnd = "AND"
	Inverse    = "inv"
)

// ErrEmptyPhrase is returned when text contains no filters.
var ErrEmptyPhrase = errors.New("empty phrase")

// Filter is one condition, e.g. ["host", "ct", "example"].
type Filter []string

// Phrase is a set of alternative filters.
type Phrase []Filter

// Query is a conjunction of phrases. The empty query matches everything.
type Query []Phrase

// ByDbID returns the query selecting a single stored request.
func ByDbID(id string) Query {
	return Query{{{"dbid", "is", id}}}
}

// Clone returns a deep copy.
func (q Query) Clone() Query {
	if q == nil {
		return Query{}
	}
	out := make(Query, len(q))
	for i, p := range q {
		out[i] = p.Clone()
	}
	return out
}

// Clone returns a deep copy.
func (p Phrase) Clone() Phrase {
	out := make(Phrase, len(p))
	for i, f := range p {
		out[i] = append(Filter(nil), f...)
	}
	return out
}

// IsEmpty reports whether the query has no phrases.
func (q Query) IsEmpty() bool { return len(q) == 0 }

// MarshalJSON encodes nil slices at every level as [] rather than null.
func (q Query) MarshalJSON() ([]byte, error) {
	out := make([][][]string, len(q))
	for i, p := range q {
		out[i] = make([][]string, len(p))
		for j, f := range p {
			out[i][j] = append([]string{}, f...)
		}
	}
	return json.Marshal(out)
}

// String renders the query in text form; see Format.
func (q Query) String() string { return Format(q) }

// ParsePhrase splits text shell-style and groups tokens on OR.
//
//	host ct example.com OR path ct /api
func ParsePhrase(text string) (Phrase, error) {
	tokens, err := shellquote.Split(text)
	if err != nil {
		return nil, err
	}
	p := groupTokens(tokens, KeywordOr)
	if len(p) == 0 {
		return nil, ErrEmptyPhrase
	}
	return p, nil
}

// FormatPhrase renders a phrase with shell quoting where needed.
func FormatPhrase(p Phrase) string {
	parts := make([]string, 0, len(p))
	for _, f := range p {
		parts = append(parts, shellquote.Join(f...))
	}
	return strings.Join(parts, " "+KeywordOr+" ")
}

// Parse reads a whole query. Phrases are separated by AND, filters within a
// phrase by OR. Empty text is the empty query.
func Parse(text string) (Query, error) {
	tokens, err := shellquote.Split(text)
	if err != nil {
		return nil, err
	}
	q := Query{}
	for _, group := range splitOn(tokens, KeywordAnd) {
		if p := groupTokens(group, KeywordOr); len(p) > 0 {
			q = append(q, p)
		}
	}
	return q, nil
}

// Format renders q so that Parse(Format(q)) reproduces it.
func Format(q Query) string {
	parts := make([]string, 0, len(q))
	for _, p := range q {
		parts = append(parts, FormatPhrase(p))
	}
	return strings.Join(parts, " "+KeywordAnd+" ")
}

func groupTokens(tokens []string, sep string) Phrase {
	var p Phrase
	for _, g := range splitOn(tokens, sep) {
		if len(g) > 0 {
			p = append(p, Filter(g))
		}
	}
	return p
}

func splitOn(tokens []string, sep string) [][]string {
	var out [][]string
	cur := []string{}
	for _, t := range tokens {
		if t == sep {
			out = append(out, cur)
			cur = []string{}
			continue
		}
		cur = append(cur, t)
	}
	return append(out, cur)
}
