package discovery

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerswarm/crypto"
	"github.com/opd-ai/peerswarm/transport"
)

const (
	// lanBeaconInterval is how often announced topics are re-broadcast.
	lanBeaconInterval = 10 * time.Second
	// lanReadTimeout bounds each read so the receive loop can observe
	// shutdown.
	lanReadTimeout = 1 * time.Second
	// lanSubscriberBacklog bounds buffered candidates per lookup stream;
	// beacons repeat, so dropping under pressure loses nothing durable.
	lanSubscriberBacklog = 16
)

// Beacon layout: magic(4) version(1) kind(1) topic(32) identity(32) port(2).
var lanMagic = [4]byte{'P', 'S', 'W', 'M'}

const (
	lanVersion    = 0x01
	lanBeaconSize = 4 + 1 + 1 + crypto.TopicSize + crypto.IdentitySize + 2
)

// LANSource discovers peers on the local network by broadcasting UDP
// beacons for every announced topic and listening for beacons from others.
type LANSource struct {
	identity      crypto.Identity
	advertise     []transport.Addr
	discoveryPort uint16
	conn          net.PacketConn

	mu     sync.Mutex
	topics map[crypto.Topic]*lanTopic
	closed bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

type lanTopic struct {
	announced   bool
	subscribers []chan Candidate
}

// NewLANSource binds the discovery port and starts the broadcast and
// receive loops. advertise lists the addresses beacons should claim; only
// their ports are carried on the wire, the receiver substitutes the
// sender's LAN IP.
func NewLANSource(identity crypto.Identity, advertise []transport.Addr, discoveryPort uint16) (*LANSource, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", discoveryPort))
	if err != nil {
		return nil, fmt.Errorf("failed to bind LAN discovery socket: %w", err)
	}

	ls := &LANSource{
		identity:      identity,
		advertise:     advertise,
		discoveryPort: discoveryPort,
		conn:          conn,
		topics:        make(map[crypto.Topic]*lanTopic),
		stopChan:      make(chan struct{}),
	}

	ls.wg.Add(2)
	go ls.broadcastLoop()
	go ls.receiveLoop()

	logrus.WithFields(logrus.Fields{
		"port": discoveryPort,
	}).Info("LAN discovery started")

	return ls, nil
}

// Name identifies the source in logs.
func (ls *LANSource) Name() string { return "lan" }

// Announce starts broadcasting beacons for topic.
func (ls *LANSource) Announce(_ context.Context, topic crypto.Topic) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return errors.New("lan source closed")
	}

	ls.topicLocked(topic).announced = true
	logrus.WithFields(logrus.Fields{
		"topic": topic.String()[:16],
	}).Debug("Announcing topic on LAN")
	return nil
}

// Lookup subscribes to beacons for topic. The stream closes when ctx is
// canceled or the topic is stopped.
func (ls *LANSource) Lookup(ctx context.Context, topic crypto.Topic) (<-chan Candidate, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return nil, errors.New("lan source closed")
	}

	ch := make(chan Candidate, lanSubscriberBacklog)
	entry := ls.topicLocked(topic)
	entry.subscribers = append(entry.subscribers, ch)

	go func() {
		<-ctx.Done()
		ls.removeSubscriber(topic, ch)
	}()

	return ch, nil
}

// StopTopic ends the announce and closes all lookup streams for topic.
func (ls *LANSource) StopTopic(topic crypto.Topic) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	entry, ok := ls.topics[topic]
	if !ok {
		return ErrTopicNotFound
	}
	for _, ch := range entry.subscribers {
		close(ch)
	}
	delete(ls.topics, topic)
	return nil
}

// Close stops all topics and the discovery loops.
func (ls *LANSource) Close() error {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return nil
	}
	ls.closed = true
	for _, entry := range ls.topics {
		for _, ch := range entry.subscribers {
			close(ch)
		}
	}
	ls.topics = make(map[crypto.Topic]*lanTopic)
	ls.mu.Unlock()

	close(ls.stopChan)
	err := ls.conn.Close()
	ls.wg.Wait()
	return err
}

// topicLocked returns the entry for topic, creating it if needed. Caller
// holds ls.mu.
func (ls *LANSource) topicLocked(topic crypto.Topic) *lanTopic {
	entry, ok := ls.topics[topic]
	if !ok {
		entry = &lanTopic{}
		ls.topics[topic] = entry
	}
	return entry
}

func (ls *LANSource) removeSubscriber(topic crypto.Topic, ch chan Candidate) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	entry, ok := ls.topics[topic]
	if !ok {
		return
	}
	for i, sub := range entry.subscribers {
		if sub == ch {
			entry.subscribers = append(entry.subscribers[:i], entry.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

func (ls *LANSource) broadcastLoop() {
	defer ls.wg.Done()

	ticker := time.NewTicker(lanBeaconInterval)
	defer ticker.Stop()

	ls.broadcast()
	for {
		select {
		case <-ticker.C:
			ls.broadcast()
		case <-ls.stopChan:
			return
		}
	}
}

// broadcast sends one beacon per announced topic per advertised address.
func (ls *LANSource) broadcast() {
	ls.mu.Lock()
	announced := make([]crypto.Topic, 0, len(ls.topics))
	for topic, entry := range ls.topics {
		if entry.announced {
			announced = append(announced, topic)
		}
	}
	ls.mu.Unlock()

	if len(announced) == 0 {
		return
	}

	targets := []*net.UDPAddr{
		{IP: net.IPv4bcast, Port: int(ls.discoveryPort)},
		{IP: net.IPv4(127, 255, 255, 255), Port: int(ls.discoveryPort)},
	}

	for _, topic := range announced {
		for _, addr := range ls.advertise {
			beacon, err := buildBeacon(topic, ls.identity, addr)
			if err != nil {
				logrus.WithError(err).Debug("Skipping unadvertisable address")
				continue
			}
			for _, target := range targets {
				if _, err := ls.conn.WriteTo(beacon, target); err != nil {
					logrus.WithError(err).Debug("Failed to send LAN discovery beacon")
				}
			}
		}
	}
}

func (ls *LANSource) receiveLoop() {
	defer ls.wg.Done()

	buffer := make([]byte, 256)
	for {
		select {
		case <-ls.stopChan:
			return
		default:
		}

		ls.conn.SetReadDeadline(time.Now().Add(lanReadTimeout))
		n, from, err := ls.conn.ReadFrom(buffer)
		if err != nil {
			select {
			case <-ls.stopChan:
				return
			default:
				continue
			}
		}

		ls.handleBeacon(buffer[:n], from)
	}
}

// handleBeacon parses one received beacon and fans the candidate out to
// the topic's subscribers. Beacons from ourselves are ignored.
func (ls *LANSource) handleBeacon(data []byte, from net.Addr) {
	topic, candidate, err := parseBeacon(data, from)
	if err != nil {
		return
	}
	if candidate.Identity.Equal(ls.identity) {
		return
	}

	ls.mu.Lock()
	entry, ok := ls.topics[topic]
	var subs []chan Candidate
	if ok {
		subs = append(subs, entry.subscribers...)
	}
	ls.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- candidate:
		default:
			// Beacons repeat every interval; a full subscriber loses
			// nothing durable.
		}
	}
}

// buildBeacon encodes a beacon advertising addr's port for topic.
func buildBeacon(topic crypto.Topic, identity crypto.Identity, addr transport.Addr) ([]byte, error) {
	_, portStr, err := net.SplitHostPort(addr.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("advertised address %q has no port: %w", addr.Endpoint, err)
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return nil, fmt.Errorf("advertised address %q has invalid port: %w", addr.Endpoint, err)
	}

	beacon := make([]byte, lanBeaconSize)
	copy(beacon[0:4], lanMagic[:])
	beacon[4] = lanVersion
	beacon[5] = byte(addr.Kind)
	copy(beacon[6:6+crypto.TopicSize], topic[:])
	copy(beacon[6+crypto.TopicSize:6+crypto.TopicSize+crypto.IdentitySize], identity[:])
	binary.BigEndian.PutUint16(beacon[lanBeaconSize-2:], port)
	return beacon, nil
}

// parseBeacon decodes a beacon, substituting the sender's IP for the
// advertised endpoint.
func parseBeacon(data []byte, from net.Addr) (crypto.Topic, Candidate, error) {
	var topic crypto.Topic
	if len(data) != lanBeaconSize {
		return topic, Candidate{}, fmt.Errorf("beacon must be %d bytes, got %d", lanBeaconSize, len(data))
	}
	if [4]byte(data[0:4]) != lanMagic {
		return topic, Candidate{}, errors.New("bad beacon magic")
	}
	if data[4] != lanVersion {
		return topic, Candidate{}, fmt.Errorf("unsupported beacon version %d", data[4])
	}
	kind := transport.Kind(data[5])
	if kind != transport.KindTCP && kind != transport.KindUDP {
		return topic, Candidate{}, fmt.Errorf("unknown beacon transport kind %d", data[5])
	}

	copy(topic[:], data[6:6+crypto.TopicSize])
	var identity crypto.Identity
	copy(identity[:], data[6+crypto.TopicSize:6+crypto.TopicSize+crypto.IdentitySize])
	port := binary.BigEndian.Uint16(data[lanBeaconSize-2:])

	udpFrom, ok := from.(*net.UDPAddr)
	if !ok {
		return topic, Candidate{}, fmt.Errorf("unexpected sender address type %T", from)
	}

	return topic, Candidate{
		Identity: identity,
		Addr: transport.Addr{
			Kind:     kind,
			Endpoint: net.JoinHostPort(udpFrom.IP.String(), fmt.Sprintf("%d", port)),
		},
		Source: "lan",
	}, nil
}
