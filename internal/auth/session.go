package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// Space identifies a protection space: (scheme, host, port, realm) plus
// the RFC 2617 domain URI list (spec GLOSSARY "Protection space").
type Space struct {
	Scheme, Host, Port, Realm string
	Domain                    []string
}

// Covers reports whether u falls inside the protection space by
// prefix-matching against the domain URIs (spec §4.3 "prefix-match
// against domain URIs").
func (s Space) Covers(u *url.URL) bool {
	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}
	if u.Hostname() != s.Host || port != s.Port {
		return false
	}
	if len(s.Domain) == 0 {
		return true // no explicit domain: whole origin is in scope
	}
	target := u.String()
	for _, d := range s.Domain {
		if strings.HasPrefix(target, d) {
			return true
		}
	}
	return false
}

// Session is the capability set described in spec §9 Design Notes:
// "{create_session, authenticate(call), invalidate(call) → bool,
// in_advance}". Concrete handlers (Basic, Digest) implement it.
type Session interface {
	Space() Space
	// Authenticate computes and attaches the auth header(s) for a Call.
	Authenticate(method, requestURI string, header http.Header) error
	// Invalidate is called on a subsequent 401/407 for a Call already
	// carrying this session's credentials. Returning true (Digest stale)
	// means a fresh round should proceed; false means the Call terminates
	// as client_error.
	Invalidate(respHeader http.Header) bool
	// InAdvance reports whether this session's headers should be
	// attached proactively to calls in its protection space, without
	// waiting for a fresh challenge (spec: "auth-in-advance").
	InAdvance() bool
}
