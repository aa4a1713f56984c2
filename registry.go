package peerswarm

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerswarm/crypto"
	"github.com/opd-ai/peerswarm/transport"
)

// registry is the single source of truth for per-peer connection state.
// It owns dedup arbitration: begin-connect gating for outbound dials and
// the simultaneous-connect tie-break for inbound connections.
//
// Locking: the registry map has its own lock, held only to look entries
// up; every state transition happens under the entry's lock, so operations
// on different identities run fully in parallel while begin-connect and
// resolve-inbound for the same identity are mutually exclusive.
type registry struct {
	self crypto.Identity
	clk  clock.Clock

	// emit delivers an event to the application, blocking until the
	// event channel has room. Called under the entry lock, which is what
	// serializes events per identity.
	emit func(Event)

	mu    sync.RWMutex
	peers map[crypto.Identity]*peerEntry
}

func newRegistry(self crypto.Identity, clk clock.Clock, emit func(Event)) *registry {
	return &registry{
		self:  self,
		clk:   clk,
		emit:  emit,
		peers: make(map[crypto.Identity]*peerEntry),
	}
}

// entry returns the peer entry for identity, creating it idle on first
// sighting.
func (r *registry) entry(identity crypto.Identity) *peerEntry {
	r.mu.RLock()
	e, ok := r.peers[identity]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.peers[identity]; ok {
		return e
	}
	e = newPeerEntry(identity)
	r.peers[identity] = e
	return e
}

// observe records an address sighting for identity under topic and returns
// the entry.
func (r *registry) observe(identity crypto.Identity, addr transport.Addr, topic crypto.Topic) *peerEntry {
	e := r.entry(identity)

	e.mu.Lock()
	newAddr := e.addAddrLocked(addr)
	e.topics[topic] = struct{}{}
	e.mu.Unlock()

	if newAddr {
		logrus.WithFields(logrus.Fields{
			"peer": identity.String()[:16],
			"addr": addr.String(),
		}).Debug("Recorded peer address")
	}
	return e
}

// beginConnect atomically transitions idle -> connecting. It refuses when
// a connection already exists or is being formed; this is the primary
// dedup gate that keeps the dialer from racing itself. cancel aborts the
// outbound dial if the tie-break later discards it.
func (r *registry) beginConnect(identity crypto.Identity, cancel context.CancelFunc) bool {
	e := r.entry(identity)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != PeerIdle {
		return false
	}
	e.stopRetryTimerLocked()
	e.state = PeerConnecting
	e.dialCancel = cancel
	return true
}

// resolveInbound arbitrates an inbound connection against the entry's
// current state.
//
// Tie-break convention: when both sides dial each other simultaneously,
// the side with the numerically lower identity keeps its outbound attempt
// and drops the inbound duplicate; the higher side cancels its outbound
// and keeps the inbound. Both ends evaluate the same comparison, so
// exactly one connection survives with no coordination.
func (r *registry) resolveInbound(conn *transport.Conn) {
	identity := conn.RemoteIdentity()
	e := r.entry(identity)

	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case PeerConnected:
		// Already have the one allowed connection; the duplicate is
		// closed without ever surfacing.
		conn.Close()
		logrus.WithFields(logrus.Fields{
			"peer": identity.String()[:16],
		}).Debug("Dropped duplicate inbound connection")

	case PeerConnecting:
		if r.self.Less(identity) {
			// We are the lower side: our outbound wins.
			conn.Close()
			logrus.WithFields(logrus.Fields{
				"peer": identity.String()[:16],
			}).Debug("Simultaneous connect: kept outbound, dropped inbound")
			return
		}
		// We are the higher side: abandon the outbound, keep inbound.
		if e.dialCancel != nil {
			e.dialCancel()
			e.dialCancel = nil
		}
		logrus.WithFields(logrus.Fields{
			"peer": identity.String()[:16],
		}).Debug("Simultaneous connect: canceled outbound, kept inbound")
		r.adoptLocked(e, conn)

	case PeerIdle:
		e.stopRetryTimerLocked()
		r.adoptLocked(e, conn)
	}
}

// onConnectSuccess installs a completed outbound connection. It reports
// false when the attempt lost a race in the meantime (the tie-break
// adopted an inbound connection, or the swarm shut down) and the caller
// must discard the connection.
func (r *registry) onConnectSuccess(conn *transport.Conn) bool {
	identity := conn.RemoteIdentity()
	e := r.entry(identity)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != PeerConnecting {
		conn.Close()
		return false
	}
	e.dialCancel = nil
	r.adoptLocked(e, conn)
	return true
}

// adoptLocked makes conn the entry's one live connection, resets backoff,
// and emits PeerConnected. Caller holds e.mu.
func (r *registry) adoptLocked(e *peerEntry, conn *transport.Conn) {
	e.state = PeerConnected
	e.conn = conn
	e.failures = 0
	e.passive = false
	e.backoffUntil = time.Time{}

	conn.OnClose(func() {
		r.onConnectionClosed(e.identity, conn)
	})

	logrus.WithFields(logrus.Fields{
		"peer": e.identity.String()[:16],
		"kind": conn.Kind().String(),
	}).Info("Peer connected")

	r.emit(Event{Type: EventPeerConnected, Identity: e.identity, Conn: conn})
}

// onConnectionClosed transitions connected -> idle when the entry's
// current connection closes, emitting PeerDisconnected. Stale close
// notifications from connections that lost arbitration are ignored.
func (r *registry) onConnectionClosed(identity crypto.Identity, conn *transport.Conn) {
	e := r.entry(identity)

	e.mu.Lock()
	if e.state != PeerConnected || e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.state = PeerIdle
	e.conn = nil
	removable := e.removableLocked()

	logrus.WithFields(logrus.Fields{
		"peer": identity.String()[:16],
	}).Info("Peer disconnected")

	r.emit(Event{Type: EventPeerDisconnected, Identity: identity})
	e.mu.Unlock()

	if removable {
		r.remove(identity)
	}
}

// releaseTopic drops the topic reference from every entry and destroys
// entries left unreferenced, canceling their pending retry timers. Live or
// in-flight connections are never touched: closing is the application's
// call, and the peer may be wanted again under a re-joined topic.
func (r *registry) releaseTopic(topic crypto.Topic) {
	r.mu.RLock()
	entries := make([]*peerEntry, 0, len(r.peers))
	for _, e := range r.peers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		delete(e.topics, topic)
		if len(e.topics) == 0 {
			e.stopRetryTimerLocked()
		}
		removable := e.removableLocked()
		e.mu.Unlock()

		if removable {
			r.remove(e.identity)
		}
	}
}

// remove destroys the entry if it is still removable once the map lock is
// held.
func (r *registry) remove(identity crypto.Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.peers[identity]
	if !ok {
		return
	}
	e.mu.Lock()
	removable := e.removableLocked()
	e.mu.Unlock()
	if removable {
		delete(r.peers, identity)
		logrus.WithFields(logrus.Fields{
			"peer": identity.String()[:16],
		}).Debug("Removed unreferenced peer entry")
	}
}

// connections snapshots all live (identity, connection) pairs.
func (r *registry) connections() []PeerConnection {
	r.mu.RLock()
	entries := make([]*peerEntry, 0, len(r.peers))
	for _, e := range r.peers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]PeerConnection, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if e.state == PeerConnected {
			out = append(out, PeerConnection{Identity: e.identity, Conn: e.conn})
		}
		e.mu.Unlock()
	}
	return out
}

// liveConns snapshots the connection handles for shutdown.
func (r *registry) liveConns() []*transport.Conn {
	conns := r.connections()
	out := make([]*transport.Conn, 0, len(conns))
	for _, pc := range conns {
		out = append(out, pc.Conn)
	}
	return out
}

// peerState reports the entry's current state, for tests and diagnostics.
func (r *registry) peerState(identity crypto.Identity) (PeerState, bool) {
	r.mu.RLock()
	e, ok := r.peers[identity]
	r.mu.RUnlock()
	if !ok {
		return PeerIdle, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, true
}
