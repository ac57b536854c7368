package auth

import (
	"encoding/base64"
	"net/http"
)

// BasicSession implements single-round-trip, reusable Basic auth (spec
// §4.3 "Basic (single round-trip, reusable header)").
type BasicSession struct {
	space       Space
	key         Key
	proxy       bool
	enableAdvance bool
}

func NewBasicSession(space Space, key Key, proxy bool, enableAdvance bool) *BasicSession {
	return &BasicSession{space: space, key: key, proxy: proxy, enableAdvance: enableAdvance}
}

func (s *BasicSession) Space() Space { return s.space }

func (s *BasicSession) header() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(s.key.User+":"+s.key.Password))
}

func (s *BasicSession) Authenticate(method, requestURI string, header http.Header) error {
	name := "Authorization"
	if s.proxy {
		name = "Proxy-Authorization"
	}
	header.Set(name, s.header())
	return nil
}

// Invalidate: Basic has no notion of staleness, so a repeated 401/407
// always means the credentials themselves are wrong.
func (s *BasicSession) Invalidate(respHeader http.Header) bool { return false }

func (s *BasicSession) InAdvance() bool { return s.enableAdvance }

// BasicHandler is the registry entry for the Basic scheme (spec §4.3
// "handler registry for Basic/Digest").
type BasicHandler struct{ EnableInAdvance bool }

func (BasicHandler) Scheme() string { return "basic" }
func (BasicHandler) Strength() int  { return 1 }

func (h BasicHandler) CreateSession(space Space, challenge map[string]string, key Key, proxy bool) (Session, error) {
	return NewBasicSession(space, key, proxy, h.EnableInAdvance), nil
}
