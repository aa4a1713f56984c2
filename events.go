package peerswarm

import (
	"github.com/opd-ai/peerswarm/crypto"
	"github.com/opd-ai/peerswarm/transport"
)

// EventType distinguishes connection lifecycle events.
type EventType uint8

const (
	// EventPeerConnected reports a new live connection. The event carries
	// the connection and transfers its ownership to the application.
	EventPeerConnected EventType = iota + 1
	// EventPeerDisconnected reports that the peer's connection closed.
	EventPeerDisconnected
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventPeerConnected:
		return "peer_connected"
	case EventPeerDisconnected:
		return "peer_disconnected"
	default:
		return "unknown"
	}
}

// Event is one connection lifecycle transition. For any single identity
// events alternate, starting with EventPeerConnected; no ordering holds
// across different identities.
type Event struct {
	Type     EventType
	Identity crypto.Identity
	// Conn is set for EventPeerConnected and nil otherwise.
	Conn *transport.Conn
}

// PeerConnection is one entry of a Connections snapshot.
type PeerConnection struct {
	Identity crypto.Identity
	Conn     *transport.Conn
}
