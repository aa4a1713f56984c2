package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerswarm/crypto"
	"github.com/opd-ai/peerswarm/transport"
)

func testIdentity(seed byte) crypto.Identity {
	var id crypto.Identity
	for i := range id {
		id[i] = seed
	}
	return id
}

func newTestLANSource(t *testing.T, identity crypto.Identity) *LANSource {
	t.Helper()
	ls, err := NewLANSource(identity, []transport.Addr{
		{Kind: transport.KindTCP, Endpoint: "0.0.0.0:33445"},
	}, 0) // port 0: the OS picks, broadcasts go nowhere useful, which the tests don't rely on
	require.NoError(t, err)
	t.Cleanup(func() { ls.Close() })
	return ls
}

func TestBeaconRoundTrip(t *testing.T) {
	topic := crypto.NewTopic("lan-test")
	identity := testIdentity(0x42)
	addr := transport.Addr{Kind: transport.KindUDP, Endpoint: "0.0.0.0:9000"}

	beacon, err := buildBeacon(topic, identity, addr)
	require.NoError(t, err)
	require.Len(t, beacon, lanBeaconSize)

	from := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 7), Port: 5555}
	gotTopic, cand, err := parseBeacon(beacon, from)
	require.NoError(t, err)
	require.Equal(t, topic, gotTopic)
	require.Equal(t, identity, cand.Identity)
	require.Equal(t, transport.KindUDP, cand.Addr.Kind)
	// The advertised port is kept but the sender's IP replaces the host.
	require.Equal(t, "192.168.1.7:9000", cand.Addr.Endpoint)
}

func TestParseBeaconRejectsMalformed(t *testing.T) {
	topic := crypto.NewTopic("lan-test")
	valid, err := buildBeacon(topic, testIdentity(1), transport.Addr{Kind: transport.KindTCP, Endpoint: "0.0.0.0:1"})
	require.NoError(t, err)
	from := &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 1}

	testCases := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"Truncated", valid[:lanBeaconSize-1]},
		{"Bad magic", append([]byte{'X', 'X', 'X', 'X'}, valid[4:]...)},
		{"Bad version", append(append([]byte{}, valid[:4]...), append([]byte{0xFF}, valid[5:]...)...)},
		{"Bad kind", append(append([]byte{}, valid[:5]...), append([]byte{0x7F}, valid[6:]...)...)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := parseBeacon(tc.data, from)
			require.Error(t, err)
		})
	}
}

func TestBuildBeaconRejectsPortlessAddr(t *testing.T) {
	_, err := buildBeacon(crypto.NewTopic("x"), testIdentity(1), transport.Addr{Kind: transport.KindTCP, Endpoint: "10.0.0.1"})
	require.Error(t, err)
}

func TestLANSourceDeliversToSubscribers(t *testing.T) {
	self := testIdentity(0x01)
	ls := newTestLANSource(t, self)

	topic := crypto.NewTopic("deliver")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := ls.Lookup(ctx, topic)
	require.NoError(t, err)

	remote := testIdentity(0x02)
	beacon, err := buildBeacon(topic, remote, transport.Addr{Kind: transport.KindTCP, Endpoint: "0.0.0.0:7000"})
	require.NoError(t, err)
	ls.handleBeacon(beacon, &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 9})

	select {
	case cand := <-stream:
		require.Equal(t, remote, cand.Identity)
		require.Equal(t, "10.1.2.3:7000", cand.Addr.Endpoint)
		require.Equal(t, "lan", cand.Source)
	case <-time.After(time.Second):
		t.Fatal("candidate not delivered")
	}
}

func TestLANSourceIgnoresOwnBeacons(t *testing.T) {
	self := testIdentity(0x01)
	ls := newTestLANSource(t, self)

	topic := crypto.NewTopic("self")
	stream, err := ls.Lookup(context.Background(), topic)
	require.NoError(t, err)

	beacon, err := buildBeacon(topic, self, transport.Addr{Kind: transport.KindTCP, Endpoint: "0.0.0.0:7000"})
	require.NoError(t, err)
	ls.handleBeacon(beacon, &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 9})

	select {
	case <-stream:
		t.Fatal("own beacon must not produce a candidate")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLANSourceIgnoresUnsubscribedTopic(t *testing.T) {
	ls := newTestLANSource(t, testIdentity(0x01))

	subscribed := crypto.NewTopic("subscribed")
	other := crypto.NewTopic("other")

	stream, err := ls.Lookup(context.Background(), subscribed)
	require.NoError(t, err)

	beacon, err := buildBeacon(other, testIdentity(0x02), transport.Addr{Kind: transport.KindTCP, Endpoint: "0.0.0.0:7000"})
	require.NoError(t, err)
	ls.handleBeacon(beacon, &net.UDPAddr{IP: net.IPv4(10, 1, 2, 3), Port: 9})

	select {
	case <-stream:
		t.Fatal("beacon for another topic must not be delivered")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLANSourceStopTopicClosesStreams(t *testing.T) {
	ls := newTestLANSource(t, testIdentity(0x01))

	topic := crypto.NewTopic("stop")
	require.NoError(t, ls.Announce(context.Background(), topic))
	stream, err := ls.Lookup(context.Background(), topic)
	require.NoError(t, err)

	require.NoError(t, ls.StopTopic(topic))

	select {
	case _, open := <-stream:
		require.False(t, open, "stream must be closed after StopTopic")
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}

	require.ErrorIs(t, ls.StopTopic(topic), ErrTopicNotFound)
}

func TestLANSourceLookupCanceledByContext(t *testing.T) {
	ls := newTestLANSource(t, testIdentity(0x01))

	topic := crypto.NewTopic("cancel")
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := ls.Lookup(ctx, topic)
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-stream:
			return !open
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond, "stream must close after context cancel")
}
