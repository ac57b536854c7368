// package auth implements the authentication orchestration described in
// spec §4.3: a key ring for credential lookup, protection-space-scoped
// sessions, and a Basic/Digest handler registry. New code — none of the
// retrieved example repos implements HTTP Basic/Digest client auth — but
// it follows the teacher's small-interface, value-object style (compare
// dialer.ResolveConfig/ProxyConfig).
package auth

// Key is a resolved credential (spec §4.3 "key ring").
type Key struct {
	User, Password string
	Realm          string
	Domain         []string // absolute URIs describing the protection space
}

// KeyHandler resolves credentials, consulted by the key ring on a miss
// (spec §6 "Key handler interface").
type KeyHandler interface {
	InquireKey(domain []string, realms []string, scheme string) (Key, bool)
	InvalidateKey(k Key)
}

// KeyRing caches Key objects and delegates misses to an optional uplink
// handler (spec §4.3 "The key ring caches key objects... and delegates
// misses to an optional uplink handler").
type KeyRing struct {
	Uplink KeyHandler

	cache map[string]Key // keyed by scheme+realm
}

func NewKeyRing(uplink KeyHandler) *KeyRing {
	return &KeyRing{Uplink: uplink, cache: map[string]Key{}}
}

func cacheKey(scheme, realm string) string { return scheme + "\x00" + realm }

func (r *KeyRing) Lookup(domain []string, realms []string, scheme string) (Key, bool) {
	for _, realm := range realms {
		if k, ok := r.cache[cacheKey(scheme, realm)]; ok {
			return k, true
		}
	}
	if r.Uplink == nil {
		return Key{}, false
	}
	k, ok := r.Uplink.InquireKey(domain, realms, scheme)
	if ok {
		r.cache[cacheKey(scheme, k.Realm)] = k
	}
	return k, ok
}

// Invalidate drops a cached Key and reports the failure upstream. "When a
// key handler reports failure for a Call, the Call terminates without
// retry" is enforced by the caller (session.Authenticate returning an
// error the Pipeline treats as terminal).
func (r *KeyRing) Invalidate(k Key, scheme string) {
	delete(r.cache, cacheKey(scheme, k.Realm))
	if r.Uplink != nil {
		r.Uplink.InvalidateKey(k)
	}
}
