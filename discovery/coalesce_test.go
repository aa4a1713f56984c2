package discovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerswarm/transport"
)

func TestCoalescerDropsDuplicatesWithinWindow(t *testing.T) {
	c := NewCoalescer(time.Minute, 0)

	cand := Candidate{
		Identity: testIdentity(0x11),
		Addr:     transport.Addr{Kind: transport.KindTCP, Endpoint: "10.0.0.1:1"},
	}

	require.True(t, c.Allow(cand))
	require.False(t, c.Allow(cand))
	require.False(t, c.Allow(cand))
}

func TestCoalescerDistinguishesAddrAndIdentity(t *testing.T) {
	c := NewCoalescer(time.Minute, 0)

	base := Candidate{
		Identity: testIdentity(0x11),
		Addr:     transport.Addr{Kind: transport.KindTCP, Endpoint: "10.0.0.1:1"},
	}
	otherAddr := base
	otherAddr.Addr.Endpoint = "10.0.0.2:1"
	otherKind := base
	otherKind.Addr.Kind = transport.KindUDP
	otherIdentity := base
	otherIdentity.Identity = testIdentity(0x22)

	require.True(t, c.Allow(base))
	require.True(t, c.Allow(otherAddr))
	require.True(t, c.Allow(otherKind))
	require.True(t, c.Allow(otherIdentity))
}

func TestCoalescerExpiresAfterWindow(t *testing.T) {
	c := NewCoalescer(50*time.Millisecond, 0)

	cand := Candidate{
		Identity: testIdentity(0x11),
		Addr:     transport.Addr{Kind: transport.KindTCP, Endpoint: "10.0.0.1:1"},
	}

	require.True(t, c.Allow(cand))
	require.False(t, c.Allow(cand))

	require.Eventually(t, func() bool {
		return c.Allow(cand)
	}, time.Second, 10*time.Millisecond, "sighting must be allowed again after the window")
}
