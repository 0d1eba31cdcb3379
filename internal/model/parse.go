package model

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedMessage is returned when raw HTTP text cannot be parsed.
var ErrMalformedMessage = errors.New("malformed http message")

// ParseRequest parses a raw HTTP request such as one edited by hand.
// Content-Length is recomputed from the body.
func ParseRequest(raw []byte, destHost string, destPort int, useTLS bool) (*Request, error) {
	sline, headers, body, err := splitMessage(raw)
	if err != nil {
		return nil, err
	}
	parts := strings.Split(sline, " ")
	var method, target, version string
	switch len(parts) {
	case 3:
		method, target, version = parts[0], parts[1], parts[2]
	case 2:
		method, version = parts[0], parts[1]
	default:
		return nil, fmt.Errorf("%w: request line %q", ErrMalformedMessage, sline)
	}
	major, minor, err := parseVersion(version)
	if err != nil {
		return nil, err
	}
	r := NewRequest(method, target)
	r.ProtoMajor, r.ProtoMinor = major, minor
	r.Headers = headers
	r.DestHost, r.DestPort, r.UseTLS = destHost, destPort, useTLS
	r.SetBody(body)
	return r, nil
}

// ParseResponse parses a raw HTTP response.
func ParseResponse(raw []byte) (*Response, error) {
	sline, headers, body, err := splitMessage(raw)
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(sline, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: status line %q", ErrMalformedMessage, sline)
	}
	major, minor, err := parseVersion(parts[0])
	if err != nil {
		return nil, err
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: status code %q", ErrMalformedMessage, parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	r := NewResponse(code, reason)
	r.ProtoMajor, r.ProtoMinor = major, minor
	r.Headers = headers
	r.SetBody(body)
	return r, nil
}

func splitMessage(raw []byte) (string, *Headers, []byte, error) {
	raw = bytes.TrimLeft(raw, "\r\n")
	head, body := raw, []byte(nil)
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		head, body = raw[:i], raw[i+4:]
	} else if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		head, body = raw[:i], raw[i+2:]
	}
	lines := strings.Split(strings.ReplaceAll(string(head), "\r\n", "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", nil, nil, fmt.Errorf("%w: missing start line", ErrMalformedMessage)
	}
	h := NewHeaders()
	for _, l := range lines[1:] {
		if l == "" {
			continue
		}
		name, value, ok := strings.Cut(l, ":")
		if !ok {
			return "", nil, nil, fmt.Errorf("%w: header %q", ErrMalformedMessage, l)
		}
		if strings.EqualFold(name, "Content-Length") {
			continue
		}
		h.Add(name, strings.TrimLeft(value, " "))
	}
	return lines[0], h, body, nil
}

func parseVersion(v string) (int, int, error) {
	rest, ok := strings.CutPrefix(v, "HTTP/")
	if !ok {
		return 0, 0, fmt.Errorf("%w: version %q", ErrMalformedMessage, v)
	}
	majStr, minStr, ok := strings.Cut(rest, ".")
	if !ok {
		return 0, 0, fmt.Errorf("%w: version %q", ErrMalformedMessage, v)
	}
	major, err1 := strconv.Atoi(majStr)
	minor, err2 := strconv.Atoi(minStr)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("%w: version %q", ErrMalformedMessage, v)
	}
	return major, minor, nil
}
