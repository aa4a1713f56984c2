package discovery

import (
	"context"
	"errors"

	"github.com/opd-ai/peerswarm/crypto"
	"github.com/opd-ai/peerswarm/transport"
)

// Candidate is one sighting of a peer: an identity claimed reachable at an
// address. The claim is verified later by the transport handshake; a
// candidate is only an invitation to dial.
type Candidate struct {
	Identity crypto.Identity
	Addr     transport.Addr
	// Source names the discovery source that produced the sighting, for
	// logging only.
	Source string
}

// ErrTopicNotFound is returned when stopping a topic that was never
// announced on the source.
var ErrTopicNotFound = errors.New("topic not announced on this source")

// Source is the discovery capability the swarm consumes. Implementations
// retry their own internal failures; a lookup stream never terminates
// while subscribed and is restartable by calling Lookup again after
// StopTopic.
type Source interface {
	// Name identifies the source in logs.
	Name() string

	// Announce makes this peer discoverable under topic until StopTopic.
	Announce(ctx context.Context, topic crypto.Topic) error

	// Lookup returns a lazy, unbounded stream of candidates for topic.
	// The channel is closed when the context is canceled or the topic is
	// stopped.
	Lookup(ctx context.Context, topic crypto.Topic) (<-chan Candidate, error)

	// StopTopic ends the announce and any lookup for topic.
	StopTopic(topic crypto.Topic) error

	// Close stops all topics and releases the source's resources.
	Close() error
}
