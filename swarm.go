package peerswarm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerswarm/crypto"
	"github.com/opd-ai/peerswarm/discovery"
	"github.com/opd-ai/peerswarm/transport"
)

// Swarm orchestrates topic membership, discovery fan-in, dialing, and
// inbound arbitration behind one event stream. Multiple independent swarms
// can coexist in a process; nothing here is global.
type Swarm struct {
	opts    *Options
	keyPair *crypto.KeyPair

	transport *transport.CombinedTransport
	sources   []discovery.Source
	coalescer *discovery.Coalescer
	registry  *registry
	dialer    *dialer
	listener  *listener

	events chan Event
	// done is closed at the end of the close grace period; emit gives up
	// blocking on the event channel once it is closed.
	done chan struct{}

	mu     sync.Mutex
	topics map[crypto.Topic]context.CancelFunc
	closed bool

	ctx     context.Context
	cancel  context.CancelFunc
	topicWg sync.WaitGroup
}

// New builds a swarm from options: binds the enabled transports, starts
// the discovery sources, and begins accepting inbound connections.
// Transport bind failures are the only fatal startup errors; everything
// after this point is retried or absorbed internally.
func New(opts *Options) (*Swarm, error) {
	if opts == nil {
		opts = NewOptions()
	}

	keyPair := opts.StaticKey
	if keyPair == nil {
		var err error
		keyPair, err = crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate identity: %w", err)
		}
	}

	var transports []transport.Transport
	if opts.TCPEnabled {
		tcp, err := transport.NewTCPTransport(opts.TCPListenAddr, keyPair, opts.HandshakeTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to start tcp transport: %w", err)
		}
		transports = append(transports, tcp)
	}
	if opts.UDPEnabled {
		udp, err := transport.NewUDPTransport(opts.UDPListenAddr, keyPair, opts.HandshakeTimeout, opts.STUNServers)
		if err != nil {
			closeAll(transports)
			return nil, fmt.Errorf("failed to start udp transport: %w", err)
		}
		transports = append(transports, udp)
	}
	if len(transports) == 0 {
		return nil, ErrNoTransports
	}

	combined, err := transport.NewCombinedTransport(transports...)
	if err != nil {
		closeAll(transports)
		return nil, err
	}

	var sources []discovery.Source
	if opts.LANDiscoveryEnabled {
		lan, err := discovery.NewLANSource(keyPair.Identity(), combined.AdvertisedAddrs(), opts.LANDiscoveryPort)
		if err != nil {
			combined.Close()
			return nil, fmt.Errorf("failed to start lan discovery: %w", err)
		}
		sources = append(sources, lan)
	}
	if opts.DHT != nil {
		sources = append(sources, discovery.NewDHTSource(opts.DHT, combined.AdvertisedAddrs()))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Swarm{
		opts:      opts,
		keyPair:   keyPair,
		transport: combined,
		sources:   sources,
		coalescer: discovery.NewCoalescer(opts.CoalesceWindow, 0),
		events:    make(chan Event, opts.EventBuffer),
		done:      make(chan struct{}),
		topics:    make(map[crypto.Topic]context.CancelFunc),
		ctx:       ctx,
		cancel:    cancel,
	}

	clk := clock.New()
	s.registry = newRegistry(keyPair.Identity(), clk, s.emit)
	s.dialer = newDialer(combined, s.registry, clk, dialerConfig{
		backoffFloor:    opts.BackoffFloor,
		backoffCap:      opts.BackoffCap,
		maxDialFailures: opts.MaxDialFailures,
		dialTimeout:     opts.DialTimeout,
	})
	s.listener = newListener(combined, s.registry)
	s.listener.start()

	logrus.WithFields(logrus.Fields{
		"identity": keyPair.Identity().String()[:16],
		"addrs":    fmt.Sprintf("%v", combined.AdvertisedAddrs()),
	}).Info("Swarm started")

	return s, nil
}

// Identity returns this swarm's own peer identity.
func (s *Swarm) Identity() crypto.Identity {
	return s.keyPair.Identity()
}

// Addrs returns the addresses other peers can dial to reach this swarm.
func (s *Swarm) Addrs() []transport.Addr {
	return s.transport.AdvertisedAddrs()
}

// Events returns the connection lifecycle stream. Events for one identity
// are delivered in transition order and alternate between connected and
// disconnected. The channel is buffered; when the application stops
// draining it, producers block rather than drop events. The channel closes
// after Close finishes.
func (s *Swarm) Events() <-chan Event {
	return s.events
}

// Connections returns a snapshot of the current live connections.
func (s *Swarm) Connections() []PeerConnection {
	return s.registry.connections()
}

// Join starts announcing and looking up topic on every discovery source.
// It is idempotent: joining an already-joined topic is a no-op. Discovery
// source failures are logged and left to the source's own retry policy;
// they do not fail the join.
func (s *Swarm) Join(topic crypto.Topic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSwarmClosed
	}
	if _, joined := s.topics[topic]; joined {
		return nil
	}

	topicCtx, topicCancel := context.WithCancel(s.ctx)
	s.topics[topic] = topicCancel

	for _, source := range s.sources {
		if err := source.Announce(topicCtx, topic); err != nil {
			logrus.WithFields(logrus.Fields{
				"topic":  topic.String()[:16],
				"source": source.Name(),
			}).WithError(err).Warn("Topic announce failed")
		}

		stream, err := source.Lookup(topicCtx, topic)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"topic":  topic.String()[:16],
				"source": source.Name(),
			}).WithError(err).Warn("Topic lookup failed")
			continue
		}

		s.topicWg.Add(1)
		go s.pumpCandidates(topic, stream)
	}

	logrus.WithFields(logrus.Fields{
		"topic": topic.String()[:16],
	}).Info("Joined topic")
	return nil
}

// Leave stops discovery for topic and releases its peer references. It is
// idempotent. Live connections to peers that were only referenced by this
// topic are NOT closed: a connection may still be wanted under a topic the
// application re-joins moments later, so closing is left to the
// application.
func (s *Swarm) Leave(topic crypto.Topic) error {
	s.mu.Lock()
	cancelTopic, joined := s.topics[topic]
	if joined {
		delete(s.topics, topic)
	}
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrSwarmClosed
	}
	if !joined {
		return nil
	}

	cancelTopic()
	for _, source := range s.sources {
		if err := source.StopTopic(topic); err != nil && !errors.Is(err, discovery.ErrTopicNotFound) {
			logrus.WithFields(logrus.Fields{
				"topic":  topic.String()[:16],
				"source": source.Name(),
			}).WithError(err).Warn("Topic stop failed")
		}
	}

	s.registry.releaseTopic(topic)

	logrus.WithFields(logrus.Fields{
		"topic": topic.String()[:16],
	}).Info("Left topic")
	return nil
}

// Close tears the swarm down: stops discovery, cancels in-flight dials,
// closes the transports and every live connection exactly once, then
// closes the event channel. Event delivery during teardown is given the
// configured grace period before being abandoned.
func (s *Swarm) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	topics := make([]crypto.Topic, 0, len(s.topics))
	for topic := range s.topics {
		topics = append(topics, topic)
	}
	s.topics = make(map[crypto.Topic]context.CancelFunc)
	s.mu.Unlock()

	// Cancel discovery pumps and pending dials first so nothing feeds
	// the registry while connections are being torn down.
	s.cancel()
	for _, source := range s.sources {
		for _, topic := range topics {
			source.StopTopic(topic)
		}
		if err := source.Close(); err != nil {
			logrus.WithError(err).Warn("Discovery source close failed")
		}
	}
	s.topicWg.Wait()
	s.dialer.halt()

	err := s.transport.Close()

	// Drain the dial and accept paths and close every live connection
	// exactly once. Any of these can be blocked delivering an event to an
	// application that stopped reading, so the whole drain is bounded by
	// the grace period; closing s.done afterwards releases stuck emits
	// and lets the drain finish.
	drained := make(chan struct{})
	go func() {
		s.dialer.wait()
		s.listener.wait()
		for _, conn := range s.registry.liveConns() {
			conn.Close()
		}
		close(drained)
	}()

	graceTimer := time.NewTimer(s.opts.CloseGrace)
	defer graceTimer.Stop()
	select {
	case <-drained:
	case <-graceTimer.C:
		logrus.Warn("Close grace period expired with undelivered events")
	}

	close(s.done)
	<-drained
	close(s.events)

	logrus.WithFields(logrus.Fields{
		"identity": s.Identity().String()[:16],
	}).Info("Swarm closed")
	return err
}

// pumpCandidates feeds one source's lookup stream through the coalescing
// window into the dialer.
func (s *Swarm) pumpCandidates(topic crypto.Topic, stream <-chan discovery.Candidate) {
	defer s.topicWg.Done()

	for cand := range stream {
		if !s.coalescer.Allow(cand) {
			continue
		}
		s.dialer.offer(cand, topic)
	}
}

// emit delivers an event, blocking until the application drains the
// channel or the swarm's close grace period expires.
func (s *Swarm) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func closeAll(transports []transport.Transport) {
	for _, t := range transports {
		t.Close()
	}
}
