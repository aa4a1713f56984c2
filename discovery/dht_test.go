package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerswarm/crypto"
	"github.com/opd-ai/peerswarm/transport"
)

// fakeDHTClient records calls and replays canned candidates.
type fakeDHTClient struct {
	mu         sync.Mutex
	announced  map[crypto.Topic][]transport.Addr
	stopped    map[crypto.Topic]int
	candidates []Candidate
	closed     bool
}

func newFakeDHTClient(candidates ...Candidate) *fakeDHTClient {
	return &fakeDHTClient{
		announced:  make(map[crypto.Topic][]transport.Addr),
		stopped:    make(map[crypto.Topic]int),
		candidates: candidates,
	}
}

func (f *fakeDHTClient) Announce(_ context.Context, topic crypto.Topic, addrs []transport.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announced[topic] = addrs
	return nil
}

func (f *fakeDHTClient) FindPeers(ctx context.Context, _ crypto.Topic) (<-chan Candidate, error) {
	ch := make(chan Candidate)
	go func() {
		defer close(ch)
		for _, cand := range f.candidates {
			select {
			case ch <- cand:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch, nil
}

func (f *fakeDHTClient) StopAnnounce(topic crypto.Topic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped[topic]++
	return nil
}

func (f *fakeDHTClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestDHTSourceAnnouncePublishesAdvertisedAddrs(t *testing.T) {
	client := newFakeDHTClient()
	advertise := []transport.Addr{{Kind: transport.KindTCP, Endpoint: "1.2.3.4:33445"}}
	source := NewDHTSource(client, advertise)

	topic := crypto.NewTopic("announce")
	require.NoError(t, source.Announce(context.Background(), topic))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Equal(t, advertise, client.announced[topic])
}

func TestDHTSourceAnnounceIdempotent(t *testing.T) {
	client := newFakeDHTClient()
	source := NewDHTSource(client, nil)

	topic := crypto.NewTopic("idempotent")
	require.NoError(t, source.Announce(context.Background(), topic))
	require.NoError(t, source.Announce(context.Background(), topic))

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.announced, 1)
}

func TestDHTSourceLookupRelabelsCandidates(t *testing.T) {
	want := Candidate{
		Identity: testIdentity(0x33),
		Addr:     transport.Addr{Kind: transport.KindUDP, Endpoint: "5.6.7.8:9000"},
		Source:   "something-else",
	}
	client := newFakeDHTClient(want)
	source := NewDHTSource(client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := source.Lookup(ctx, crypto.NewTopic("lookup"))
	require.NoError(t, err)

	select {
	case got := <-stream:
		require.Equal(t, want.Identity, got.Identity)
		require.Equal(t, want.Addr, got.Addr)
		require.Equal(t, "dht", got.Source)
	case <-time.After(time.Second):
		t.Fatal("candidate not delivered")
	}
}

func TestDHTSourceStopTopic(t *testing.T) {
	client := newFakeDHTClient()
	source := NewDHTSource(client, nil)

	topic := crypto.NewTopic("stop")
	require.NoError(t, source.Announce(context.Background(), topic))
	require.NoError(t, source.StopTopic(topic))

	client.mu.Lock()
	require.Equal(t, 1, client.stopped[topic])
	client.mu.Unlock()

	require.ErrorIs(t, source.StopTopic(topic), ErrTopicNotFound)
}

func TestDHTSourceCloseWithdrawsAnnounces(t *testing.T) {
	client := newFakeDHTClient()
	source := NewDHTSource(client, nil)

	topicA := crypto.NewTopic("a")
	topicB := crypto.NewTopic("b")
	require.NoError(t, source.Announce(context.Background(), topicA))
	require.NoError(t, source.Announce(context.Background(), topicB))

	require.NoError(t, source.Close())

	client.mu.Lock()
	defer client.mu.Unlock()
	require.True(t, client.closed)
	require.Equal(t, 1, client.stopped[topicA])
	require.Equal(t, 1, client.stopped[topicB])
}
