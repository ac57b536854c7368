// package pool implements the connection cache (spec §4.5): a keyed pool
// of idle, already-opened connections, indexed by (host, port, transport).
// Grounded on the teacher's utils/netpool/{pool,group}.go key→pool map,
// generalized with the restrictive/aggressive lifecycle modes and
// reference counting spec.md's Open Questions section settles on.
package pool

import (
	"sync"
)

// Mode selects the cache's eviction discipline (spec §3 "Connection cache").
type Mode int

const (
	// Restrictive evicts an idle connection as soon as no Pipeline
	// currently references the cache (Open Questions: reference-counted
	// across every current holder, not just the creator).
	Restrictive Mode = iota
	// Aggressive retains idle connections until CloseAll, caller-owned
	// lifecycle.
	Aggressive
)

// Key identifies a pool of connections to one origin over one transport.
type Key struct {
	Host      string
	Port      string
	Transport string // "tcp" or "tls"
}

// Idle is anything the cache can park and later hand back out: the
// pipeline's *conn.Connection satisfies this without pool importing conn
// (which would cycle back through pool for eviction).
type Idle interface {
	Close() error
	// Reusable reports whether the connection is still eligible to be
	// handed back out (spec: "Idle connections retain their negotiated
	// protocol version and pipelining permission").
	Reusable() bool
}

// Cache is the collaborator described in spec §4.5.
type Cache struct {
	mode Mode

	mu    sync.Mutex
	idle  map[Key][]Idle
	refs  int // number of Pipelines currently holding a reference
}

func New(mode Mode) *Cache {
	return &Cache{mode: mode, idle: map[Key][]Idle{}}
}

// Acquire takes an eligible idle connection for key, if any.
func (c *Cache) Acquire(key Key) (Idle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := c.idle[key]
	for len(list) > 0 {
		conn := list[len(list)-1]
		list = list[:len(list)-1]
		c.idle[key] = list
		if conn.Reusable() {
			return conn, true
		}
		conn.Close()
	}
	return nil, false
}

// Release returns a Connection to the cache, or closes it immediately in
// restrictive mode with no current referents.
func (c *Cache) Release(key Key, conn Idle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == Restrictive && c.refs == 0 {
		c.mu.Unlock()
		conn.Close()
		c.mu.Lock()
		return
	}
	if !conn.Reusable() {
		c.mu.Unlock()
		conn.Close()
		c.mu.Lock()
		return
	}
	c.idle[key] = append(c.idle[key], conn)
}

// Acquired marks that a Pipeline now references this cache; released
// mirrors it. Restrictive-mode caches use the ref count to decide whether
// a Release should close instead of park: once no Pipeline references the
// cache, Release closes and Released evicts every parked connection.
func (c *Cache) Acquired() {
	c.mu.Lock()
	c.refs++
	c.mu.Unlock()
}

func (c *Cache) Released() {
	c.mu.Lock()
	c.refs--
	closeAll := c.mode == Restrictive && c.refs <= 0
	var toClose []Idle
	if closeAll {
		for k, list := range c.idle {
			toClose = append(toClose, list...)
			delete(c.idle, k)
		}
	}
	c.mu.Unlock()
	for _, conn := range toClose {
		conn.Close()
	}
}

// CloseAll tears down every idle connection regardless of mode (spec:
// "aggressive... retained until close_all()").
func (c *Cache) CloseAll() {
	c.mu.Lock()
	var all []Idle
	for k, list := range c.idle {
		all = append(all, list...)
		delete(c.idle, k)
	}
	c.mu.Unlock()
	for _, conn := range all {
		conn.Close()
	}
}
