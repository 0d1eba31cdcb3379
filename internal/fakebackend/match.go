package fakebackend

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/standardbeagle/mitmctl/internal/model"
	"github.com/standardbeagle/mitmctl/internal/query"
)

// A filter is [inv] field comparer value. Phrases OR their filters and a
// query ANDs its phrases; the empty query matches everything.
var fields = map[string]func(*model.Request) []string{
	"all":    func(r *model.Request) []string { return []string{string(r.FullMessage())} },
	"method": func(r *model.Request) []string { return []string{r.Method} },
	"path":   func(r *model.Request) []string { return []string{r.URL.String()} },
	"host": func(r *model.Request) []string {
		h, _ := r.Headers.Get("Host")
		return []string{r.DestHost, h}
	},
	"body":  func(r *model.Request) []string { return []string{string(r.Body())} },
	"dbid":  func(r *model.Request) []string { return []string{r.DbID} },
	"tag":   func(r *model.Request) []string { return r.Tags.List() },
	"statuscode": func(r *model.Request) []string {
		if r.Response == nil {
			return nil
		}
		return []string{fmt.Sprint(r.Response.StatusCode)}
	},
}

var comparers = map[string]func(have, want string) bool{
	"is": func(have, want string) bool { return have == want },
	"ct": strings.Contains,
	"ctr": func(have, want string) bool {
		ok, _ := regexp.MatchString(want, have)
		return ok
	},
}

func validate(q query.Query) error {
	for _, p := range q {
		for _, f := range p {
			if _, _, _, _, err := splitFilter(f); err != nil {
				return err
			}
		}
	}
	return nil
}

func splitFilter(f query.Filter) (inv bool, field, cmp, value string, err error) {
	if len(f) > 0 && f[0] == query.Inverse {
		inv = true
		f = f[1:]
	}
	if len(f) < 1 {
		return false, "", "", "", fmt.Errorf("empty filter")
	}
	field = f[0]
	if _, ok := fields[field]; !ok {
		return false, "", "", "", fmt.Errorf("unknown field %q", field)
	}
	switch len(f) {
	case 1:
		return inv, field, "", "", nil
	case 3:
		if _, ok := comparers[f[1]]; !ok {
			return false, "", "", "", fmt.Errorf("unknown comparer %q", f[1])
		}
		if f[1] == "ctr" {
			if _, err := regexp.Compile(f[2]); err != nil {
				return false, "", "", "", fmt.Errorf("bad pattern %q: %w", f[2], err)
			}
		}
		return inv, field, f[1], f[2], nil
	}
	return false, "", "", "", fmt.Errorf("filter %q needs a comparer and a value", strings.Join(f, " "))
}

func match(q query.Query, r *model.Request) (bool, error) {
	for _, p := range q {
		ok, err := matchPhrase(p, r)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchPhrase(p query.Phrase, r *model.Request) (bool, error) {
	if len(p) == 0 {
		return true, nil
	}
	for _, f := range p {
		inv, field, cmp, value, err := splitFilter(f)
		if err != nil {
			return false, err
		}
		hit := false
		for _, have := range fields[field](r) {
			if cmp == "" {
				hit = have != ""
			} else {
				hit = comparers[cmp](have, value)
			}
			if hit {
				break
			}
		}
		if hit != inv {
			return true, nil
		}
	}
	return false, nil
}
