package peerswarm

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/opd-ai/peerswarm/crypto"
	"github.com/opd-ai/peerswarm/transport"
)

// PeerState is the connection state of one peer entry.
type PeerState uint8

const (
	// PeerIdle means no connection exists or is being formed. A pending
	// retry timer (backoff) is a sub-state of idle.
	PeerIdle PeerState = iota
	// PeerConnecting means an outbound dial is in flight.
	PeerConnecting
	// PeerConnected means the entry owns exactly one live connection.
	PeerConnected
)

// String returns the state name.
func (s PeerState) String() string {
	switch s {
	case PeerIdle:
		return "idle"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// peerEntry is the registry's per-identity state machine. All fields are
// guarded by mu; entries for different identities never contend on a
// shared lock.
type peerEntry struct {
	identity crypto.Identity

	mu    sync.Mutex
	state PeerState

	// Known addresses in first-sighting order; nextAddr rotates the
	// starting point of each connect attempt's round-robin.
	addrs    []transport.Addr
	nextAddr int

	// conn is non-nil exactly while state == PeerConnected.
	conn *transport.Conn

	// dialCancel aborts the in-flight outbound dial; set exactly while
	// state == PeerConnecting.
	dialCancel context.CancelFunc

	// Backoff bookkeeping. failures counts consecutive dial failures;
	// retryTimer is non-nil while a backoff retry is pending; passive
	// means the peer exceeded the failure threshold and is only retried
	// on fresh discovery sightings.
	failures     int
	lastFailure  time.Time
	backoffUntil time.Time
	retryTimer   *clock.Timer
	passive      bool

	// topics referencing this peer. The entry may only be removed when
	// this is empty, the state is idle, and no retry timer is pending.
	topics map[crypto.Topic]struct{}
}

func newPeerEntry(identity crypto.Identity) *peerEntry {
	return &peerEntry{
		identity: identity,
		topics:   make(map[crypto.Topic]struct{}),
	}
}

// addAddrLocked records an address if unseen. Caller holds mu.
func (e *peerEntry) addAddrLocked(addr transport.Addr) bool {
	for _, known := range e.addrs {
		if known == addr {
			return false
		}
	}
	e.addrs = append(e.addrs, addr)
	return true
}

// attemptAddrsLocked snapshots the known addresses rotated to the current
// round-robin cursor and advances the cursor. Caller holds mu.
func (e *peerEntry) attemptAddrsLocked() []transport.Addr {
	n := len(e.addrs)
	if n == 0 {
		return nil
	}
	start := e.nextAddr % n
	e.nextAddr = (start + 1) % n

	out := make([]transport.Addr, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, e.addrs[(start+i)%n])
	}
	return out
}

// stopRetryTimerLocked cancels a pending backoff retry. Caller holds mu.
func (e *peerEntry) stopRetryTimerLocked() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// removableLocked reports whether the entry can be destroyed: idle, no
// pending timer, and no topic referencing it. Caller holds mu.
func (e *peerEntry) removableLocked() bool {
	return e.state == PeerIdle && e.retryTimer == nil && len(e.topics) == 0
}
