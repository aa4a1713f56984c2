package discovery

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerswarm/crypto"
	"github.com/opd-ai/peerswarm/transport"
)

// DHTClient is the wide-area discovery collaborator. The DHT wire
// protocol, routing table, and bootstrap node list live behind this
// boundary and are configured on the client itself.
type DHTClient interface {
	// Announce publishes that the given addresses serve topic.
	Announce(ctx context.Context, topic crypto.Topic, addrs []transport.Addr) error

	// FindPeers streams candidates for topic until ctx is canceled. The
	// stream never terminates on its own while subscribed.
	FindPeers(ctx context.Context, topic crypto.Topic) (<-chan Candidate, error)

	// StopAnnounce withdraws the announce for topic.
	StopAnnounce(topic crypto.Topic) error

	// Close releases the client.
	Close() error
}

// DHTSource adapts a DHTClient to the Source interface, labeling its
// candidates and keeping per-topic subscription bookkeeping so Announce
// and StopTopic are idempotent from the swarm's point of view.
type DHTSource struct {
	client    DHTClient
	advertise []transport.Addr

	mu     sync.Mutex
	topics map[crypto.Topic]string // topic -> subscription id
	closed bool
}

// NewDHTSource wraps client. advertise lists the addresses announces will
// publish.
func NewDHTSource(client DHTClient, advertise []transport.Addr) *DHTSource {
	return &DHTSource{
		client:    client,
		advertise: advertise,
		topics:    make(map[crypto.Topic]string),
	}
}

// Name identifies the source in logs.
func (ds *DHTSource) Name() string { return "dht" }

// Announce publishes our advertised addresses under topic.
func (ds *DHTSource) Announce(ctx context.Context, topic crypto.Topic) error {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return errors.New("dht source closed")
	}
	if _, already := ds.topics[topic]; already {
		ds.mu.Unlock()
		return nil
	}
	subID := uuid.New().String()
	ds.topics[topic] = subID
	ds.mu.Unlock()

	if err := ds.client.Announce(ctx, topic, ds.advertise); err != nil {
		ds.mu.Lock()
		delete(ds.topics, topic)
		ds.mu.Unlock()
		return err
	}

	logrus.WithFields(logrus.Fields{
		"topic":        topic.String()[:16],
		"subscription": subID,
	}).Info("Announced topic on DHT")
	return nil
}

// Lookup streams candidates from the DHT, relabeled with this source's
// name.
func (ds *DHTSource) Lookup(ctx context.Context, topic crypto.Topic) (<-chan Candidate, error) {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return nil, errors.New("dht source closed")
	}
	ds.mu.Unlock()

	upstream, err := ds.client.FindPeers(ctx, topic)
	if err != nil {
		return nil, err
	}

	out := make(chan Candidate)
	go func() {
		defer close(out)
		for cand := range upstream {
			cand.Source = ds.Name()
			select {
			case out <- cand:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// StopTopic withdraws the announce for topic.
func (ds *DHTSource) StopTopic(topic crypto.Topic) error {
	ds.mu.Lock()
	subID, ok := ds.topics[topic]
	if !ok {
		ds.mu.Unlock()
		return ErrTopicNotFound
	}
	delete(ds.topics, topic)
	ds.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"topic":        topic.String()[:16],
		"subscription": subID,
	}).Debug("Stopping topic on DHT")
	return ds.client.StopAnnounce(topic)
}

// Close stops every announced topic and releases the client.
func (ds *DHTSource) Close() error {
	ds.mu.Lock()
	if ds.closed {
		ds.mu.Unlock()
		return nil
	}
	ds.closed = true
	topics := make([]crypto.Topic, 0, len(ds.topics))
	for topic := range ds.topics {
		topics = append(topics, topic)
	}
	ds.topics = make(map[crypto.Topic]string)
	ds.mu.Unlock()

	for _, topic := range topics {
		if err := ds.client.StopAnnounce(topic); err != nil {
			logrus.WithError(err).Warn("Failed to withdraw DHT announce during close")
		}
	}
	return ds.client.Close()
}
