package auth

import (
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/NightBlues/go-httppipe/internal/message"
)

// Handler is a registered scheme capability (spec §9 Design Notes: "small
// capability set... Register instances in a per-Pipeline list; dispatch
// by offered scheme").
type Handler interface {
	Scheme() string
	Strength() int
	CreateSession(space Space, challenge map[string]string, key Key, proxy bool) (Session, error)
}

// Registry dispatches 401/407 challenges to the strongest handler whose
// scheme the server offered (spec §4.3 step 1).
type Registry struct {
	handlers []Handler
	Keys     *KeyRing

	sessions map[string]Session // keyed by scheme+host+port+realm
}

func NewRegistry(keys *KeyRing) *Registry {
	return &Registry{Keys: keys, sessions: map[string]Session{}}
}

func (r *Registry) Register(h Handler) { r.handlers = append(r.handlers, h) }

func sessionKey(scheme, host, port, realm string) string {
	return scheme + "\x00" + host + "\x00" + port + "\x00" + realm
}

// Challenge inspects the WWW-Authenticate/Proxy-Authenticate headers on a
// 401/407 response and starts (or continues) an auth session for call.
// Returns the session to authenticate the next attempt with, or a nil
// session and nil error when call already carried a session whose
// credentials were rejected (no retry).
func (r *Registry) Challenge(call *message.Call, respHeader http.Header, proxy bool) (Session, error) {
	headerName := "Www-Authenticate"
	if proxy {
		headerName = "Proxy-Authenticate"
	}
	offers := parseOffers(respHeader.Values(headerName))
	if len(offers) == 0 {
		return nil, &message.BadMessageError{Reason: "401/407 without a challenge header"}
	}

	// existing session for this Call already authenticated?
	if s, ok := call.AuthSession.(Session); ok {
		if s.Invalidate(respHeader) {
			return s, nil
		}
		return nil, nil // client_error: credentials rejected, no retry
	}

	best := strongestOffered(r.handlers, offers)
	if best == nil {
		return nil, &message.BadMessageError{Reason: "no registered handler for offered auth scheme"}
	}
	challenge := offers[best.Scheme()]

	realm := challenge["realm"]
	host, port := call.URI.Hostname(), call.URI.Port()
	if port == "" {
		port = defaultPort(call.URI.Scheme)
	}
	key := sessionKey(best.Scheme(), host, port, realm)
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}

	domain := parseDomain(challenge["domain"], call.URI)
	k, ok := r.Keys.Lookup(domain, []string{realm}, best.Scheme())
	if !ok {
		return nil, &message.BadMessageError{Reason: "no credentials available for realm " + realm}
	}
	space := Space{Scheme: best.Scheme(), Host: host, Port: port, Realm: realm, Domain: domain}
	s, err := best.CreateSession(space, challenge, k, proxy)
	if err != nil {
		return nil, err
	}
	r.sessions[key] = s
	return s, nil
}

// InAdvanceFor returns a session whose protection space covers u and
// which is configured to authenticate in advance (spec §4.3 step 4).
func (r *Registry) InAdvanceFor(u *url.URL) Session {
	for _, s := range r.sessions {
		if s.InAdvance() && s.Space().Covers(u) {
			return s
		}
	}
	return nil
}

func defaultPort(scheme string) string {
	if scheme == "https" {
		return "443"
	}
	return "80"
}

func parseDomain(raw string, base *url.URL) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Fields(raw) {
		u, err := base.Parse(part)
		if err == nil {
			out = append(out, u.String())
		}
	}
	return out
}

func strongestOffered(handlers []Handler, offers map[string]map[string]string) Handler {
	var candidates []Handler
	for _, h := range handlers {
		if _, ok := offers[h.Scheme()]; ok {
			candidates = append(candidates, h)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Strength() > candidates[j].Strength() })
	return candidates[0]
}

// ParseChallenge extracts one scheme's challenge parameters from
// WWW-Authenticate/Proxy-Authenticate headers.
func ParseChallenge(h http.Header, proxy bool, scheme string) map[string]string {
	headerName := "Www-Authenticate"
	if proxy {
		headerName = "Proxy-Authenticate"
	}
	offers := parseOffers(h.Values(headerName))
	return offers[scheme]
}

// parseOffers parses one or more challenge header values into
// scheme -> {param: value}.
func parseOffers(values []string) map[string]map[string]string {
	offers := map[string]map[string]string{}
	for _, v := range values {
		scheme, rest, ok := strings.Cut(v, " ")
		if !ok {
			continue
		}
		scheme = strings.ToLower(strings.TrimSpace(scheme))
		params := map[string]string{}
		for _, kv := range splitParams(rest) {
			k, val, ok := strings.Cut(kv, "=")
			if !ok {
				continue
			}
			k = strings.ToLower(strings.TrimSpace(k))
			val = strings.Trim(strings.TrimSpace(val), `"`)
			params[k] = val
		}
		offers[scheme] = params
	}
	return offers
}

// splitParams splits a comma-separated attribute list, honoring quoted
// commas (Digest params can contain commas inside quoted values, though
// rarely in practice).
func splitParams(s string) []string {
	var out []string
	inQuotes := false
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
		case ',':
			if !inQuotes {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}
