package pipeline

import "sync/atomic"

// Counters are the monotonic/resettable connection statistics spec §4.1
// names: "new_connections, timed_out_connections, crashed_connections,
// server_eof_connections, successful_connections, failed_connections",
// with the invariant new == failed + successful holding once a
// connection's outcome is known.
type Counters struct {
	NewConnections        int64
	TimedOutConnections   int64
	CrashedConnections    int64
	ServerEOFConnections  int64
	SuccessfulConnections int64
	FailedConnections     int64
}

func (c *Counters) recordNew() { atomic.AddInt64(&c.NewConnections, 1) }

func (c *Counters) recordOutcome(failed bool, timedOut, crashed, serverEOF bool) {
	if timedOut {
		atomic.AddInt64(&c.TimedOutConnections, 1)
	}
	if crashed {
		atomic.AddInt64(&c.CrashedConnections, 1)
	}
	if serverEOF {
		atomic.AddInt64(&c.ServerEOFConnections, 1)
	}
	if failed {
		atomic.AddInt64(&c.FailedConnections, 1)
	} else {
		atomic.AddInt64(&c.SuccessfulConnections, 1)
	}
}

// Snapshot returns a copy safe to read without racing further updates.
func (c *Counters) Snapshot() Counters {
	return Counters{
		NewConnections:        atomic.LoadInt64(&c.NewConnections),
		TimedOutConnections:   atomic.LoadInt64(&c.TimedOutConnections),
		CrashedConnections:    atomic.LoadInt64(&c.CrashedConnections),
		ServerEOFConnections:  atomic.LoadInt64(&c.ServerEOFConnections),
		SuccessfulConnections: atomic.LoadInt64(&c.SuccessfulConnections),
		FailedConnections:     atomic.LoadInt64(&c.FailedConnections),
	}
}

// Reset zeroes every counter (spec §4.1: "Counters ... resettable").
func (c *Counters) Reset() {
	atomic.StoreInt64(&c.NewConnections, 0)
	atomic.StoreInt64(&c.TimedOutConnections, 0)
	atomic.StoreInt64(&c.CrashedConnections, 0)
	atomic.StoreInt64(&c.ServerEOFConnections, 0)
	atomic.StoreInt64(&c.SuccessfulConnections, 0)
	atomic.StoreInt64(&c.FailedConnections, 0)
}
