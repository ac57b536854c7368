package auth

import (
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
)

// DigestSession implements RFC 2617 Digest auth ("auth" qop), staying
// compatible with RFC 2069 servers that send no qop at all, with MD5 and
// MD5-sess algorithms (spec §4.3). No example repo in the corpus
// implements HTTP Digest; MD5 hashing uses stdlib crypto/md5 because the
// algorithm is fixed by the RFC and no third-party digest-auth library
// appears anywhere in the retrieved pack (DESIGN.md).
type DigestSession struct {
	space Space
	key   Key
	proxy bool
	enableAdvance bool

	realm, nonce, opaque, qop, algorithm string
	nc                                   uint32
}

func NewDigestSession(space Space, key Key, proxy bool, enableAdvance bool, challenge map[string]string) *DigestSession {
	algo := challenge["algorithm"]
	if algo == "" {
		algo = "MD5"
	}
	return &DigestSession{
		space: space, key: key, proxy: proxy, enableAdvance: enableAdvance,
		realm: challenge["realm"], nonce: challenge["nonce"], opaque: challenge["opaque"],
		qop: pickQop(challenge["qop"]), algorithm: algo,
	}
}

func pickQop(offered string) string {
	for _, q := range strings.Split(offered, ",") {
		if strings.TrimSpace(q) == "auth" {
			return "auth"
		}
	}
	return ""
}

func (s *DigestSession) Space() Space { return s.space }

func md5hex(parts ...string) string {
	h := md5.New()
	h.Write([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(h.Sum(nil))
}

func newCnonce() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Authenticate computes the Digest response for one Call. nc increments
// per Call per session; cnonce is freshly generated per Call (spec §4.3).
func (s *DigestSession) Authenticate(method, requestURI string, header http.Header) error {
	nc := atomic.AddUint32(&s.nc, 1)
	ncStr := fmt.Sprintf("%08x", nc)
	cnonce := newCnonce()

	ha1 := md5hex(s.key.User, s.realm, s.key.Password)
	if s.algorithm == "MD5-sess" {
		ha1 = md5hex(ha1, s.nonce, cnonce)
	}
	ha2 := md5hex(method, requestURI)

	var response string
	if s.qop == "auth" {
		response = md5hex(ha1, s.nonce, ncStr, cnonce, s.qop, ha2)
	} else {
		response = md5hex(ha1, s.nonce, ha2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `Digest username="%s", realm="%s", nonce="%s", uri="%s", response="%s"`,
		s.key.User, s.realm, s.nonce, requestURI, response)
	if s.opaque != "" {
		fmt.Fprintf(&b, `, opaque="%s"`, s.opaque)
	}
	if s.algorithm != "" {
		fmt.Fprintf(&b, `, algorithm=%s`, s.algorithm)
	}
	if s.qop == "auth" {
		fmt.Fprintf(&b, `, qop=auth, nc=%s, cnonce="%s"`, ncStr, cnonce)
	}

	name := "Authorization"
	if s.proxy {
		name = "Proxy-Authorization"
	}
	header.Set(name, b.String())
	return nil
}

// Invalidate handles a repeated 401/407: if the new challenge sets
// stale=true, the nonce has simply expired and a fresh round should
// proceed with the same credentials; otherwise the password is wrong.
func (s *DigestSession) Invalidate(respHeader http.Header) bool {
	challenge := ParseChallenge(respHeader, s.proxy, "digest")
	if strings.EqualFold(challenge["stale"], "true") {
		s.nonce = challenge["nonce"]
		s.nc = 0
		return true
	}
	return false
}

func (s *DigestSession) InAdvance() bool { return s.enableAdvance }

// DigestHandler is the registry entry for the Digest scheme.
type DigestHandler struct{ EnableInAdvance bool }

func (DigestHandler) Scheme() string { return "digest" }
func (DigestHandler) Strength() int  { return 2 } // stronger than Basic

func (h DigestHandler) CreateSession(space Space, challenge map[string]string, key Key, proxy bool) (Session, error) {
	return NewDigestSession(space, key, proxy, h.EnableInAdvance, challenge), nil
}
