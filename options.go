package peerswarm

import (
	"time"

	"github.com/opd-ai/peerswarm/crypto"
	"github.com/opd-ai/peerswarm/discovery"
)

// Options contains configuration for creating a Swarm.
type Options struct {
	// StaticKey is the long-term key pair naming this peer. When nil a
	// fresh key pair is generated, giving the swarm a new identity.
	StaticKey *crypto.KeyPair

	// TCPEnabled and UDPEnabled select the transports to run. At least
	// one must be enabled.
	TCPEnabled bool
	UDPEnabled bool

	// TCPListenAddr and UDPListenAddr are the bind addresses of the
	// enabled transports. Port 0 picks a free port.
	TCPListenAddr string
	UDPListenAddr string

	// STUNServers are probed by the UDP transport to learn its public
	// reflexive address. Empty disables the probe.
	STUNServers []string

	// LANDiscoveryEnabled runs the local-network discovery source.
	LANDiscoveryEnabled bool
	// LANDiscoveryPort is the UDP port the LAN source broadcasts and
	// listens on.
	LANDiscoveryPort uint16

	// DHT, when non-nil, enables wide-area discovery through the given
	// client. Bootstrap node configuration belongs to the client.
	DHT discovery.DHTClient

	// BackoffFloor and BackoffCap bound the exponential retry delay after
	// consecutive dial failures.
	BackoffFloor time.Duration
	BackoffCap   time.Duration
	// MaxDialFailures is the consecutive-failure count after which a peer
	// is demoted to passive retry, reactivated only by fresh discovery
	// sightings.
	MaxDialFailures int

	// DialTimeout bounds a single dial attempt to one address.
	DialTimeout time.Duration
	// HandshakeTimeout bounds the identity handshake on every new
	// connection, inbound and outbound.
	HandshakeTimeout time.Duration

	// CoalesceWindow is the duration within which repeated sightings of
	// the same identity+address are dropped before reaching the dialer.
	CoalesceWindow time.Duration

	// EventBuffer is the capacity of the event channel. When it fills,
	// event producers block until the application drains; events are
	// never dropped while the swarm is running.
	EventBuffer int

	// CloseGrace bounds how long Close waits for in-flight work and
	// event delivery before forcing teardown.
	CloseGrace time.Duration
}

// NewOptions returns Options with production defaults.
func NewOptions() *Options {
	return &Options{
		TCPEnabled:          true,
		UDPEnabled:          true,
		TCPListenAddr:       ":33445",
		UDPListenAddr:       ":33445",
		LANDiscoveryEnabled: true,
		LANDiscoveryPort:    33446,
		BackoffFloor:        250 * time.Millisecond,
		BackoffCap:          30 * time.Second,
		MaxDialFailures:     8,
		DialTimeout:         10 * time.Second,
		HandshakeTimeout:    5 * time.Second,
		CoalesceWindow:      5 * time.Second,
		EventBuffer:         64,
		CloseGrace:          3 * time.Second,
	}
}
