package http

import (
	"net/http"
	"strings"
)

// Header names the engine always owns. User-supplied values for these are
// dropped during normalization, either because the transports compute them
// or because they leak the caller's real network position.
var strippedHeaders = map[string]bool{
	"x-real-ip":         true,
	"true-client-ip":    true,
	"cdn-loop":          true,
	"host":              true,
	"connection":        true,
	"transfer-encoding": true,
	"keep-alive":        true,
	"upgrade":           true,
	"accept-encoding":   true,
	"content-length":    true,
}

func stripped(name string) bool {
	return strippedHeaders[name] ||
		strings.HasPrefix(name, "cf-") ||
		strings.HasPrefix(name, "x-forwarded-")
}

// NormalizeHeaders lowercases names, validates them, and removes every
// engine-owned or identity-revealing entry. The result maps lowercased
// names directly, bypassing textproto canonicalization, so transports
// emit them byte for byte. Idempotent.
func NormalizeHeaders(h http.Header) (http.Header, error) {
	out := make(http.Header, len(h))
	for k, vs := range h {
		name := strings.ToLower(k)
		if !validToken(name) {
			return nil, &ValidationError{"invalid header name", k}
		}
		if stripped(name) {
			continue
		}
		for _, v := range vs {
			if !validFieldValue(v) {
				return nil, &ValidationError{"invalid header value for " + name, v}
			}
			out[name] = append(out[name], v)
		}
	}
	return out, nil
}

// GetHeader returns the first value for a lowercase header name.
// [http.Header.Get] canonicalizes its key and would miss the
// lowercase-keyed maps the engine produces.
func GetHeader(h http.Header, name string) string {
	if vs := h[name]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// GetHeader is the lowercase-keyed lookup for response headers.
func (r *Response) GetHeader(name string) string {
	return GetHeader(r.Header, name)
}

// validToken reports whether s is a non-empty RFC 7230 token.
func validToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !tokenTable[s[i]] {
			return false
		}
	}
	return true
}

func validFieldValue(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' || s[i] == '\n' || s[i] == 0 {
			return false
		}
	}
	return true
}

// ValidRequestPath rejects request targets that could split the request
// line: whitespace and bare CR/LF.
func ValidRequestPath(p string) bool {
	for i := 0; i < len(p); i++ {
		switch p[i] {
		case ' ', '\t', '\r', '\n':
			return false
		}
	}
	return p != ""
}

var tokenTable = func() (t [256]bool) {
	for _, c := range "!#$%&'*+-.^_`|~" {
		t[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		t[c] = true
	}
	for c := 'a'; c <= 'z'; c++ {
		t[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		t[c] = true
	}
	return
}()

type ValidationError struct {
	Reason string
	Input  string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + e.Reason + ": " + e.Input
}
