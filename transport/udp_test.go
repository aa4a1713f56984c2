package transport

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opd-ai/peerswarm/crypto"
)

func newTestUDPTransport(t *testing.T, kp *crypto.KeyPair) *UDPTransport {
	t.Helper()
	tr, err := NewUDPTransport("127.0.0.1:0", kp, testHandshakeTimeout, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestUDPDialAcceptIdentities(t *testing.T) {
	serverKey := newTestKeyPair(t)
	clientKey := newTestKeyPair(t)

	server := newTestUDPTransport(t, serverKey)
	client := newTestUDPTransport(t, clientKey)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptedCh := make(chan *Conn, 1)
	go func() {
		conn, err := server.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	out, err := client.Dial(ctx, server.Addr().String())
	require.NoError(t, err)
	defer out.Close()

	var in *Conn
	select {
	case in = <-acceptedCh:
	case <-ctx.Done():
		t.Fatal("accept timed out")
	}
	defer in.Close()

	require.Equal(t, serverKey.Identity(), out.RemoteIdentity())
	require.Equal(t, clientKey.Identity(), in.RemoteIdentity())
	require.Equal(t, KindUDP, out.Kind())
}

func TestUDPDataRoundTrip(t *testing.T) {
	server := newTestUDPTransport(t, newTestKeyPair(t))
	client := newTestUDPTransport(t, newTestKeyPair(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptedCh := make(chan *Conn, 1)
	go func() {
		conn, err := server.Accept()
		if err == nil {
			acceptedCh <- conn
		}
	}()

	out, err := client.Dial(ctx, server.Addr().String())
	require.NoError(t, err)
	defer out.Close()
	in := <-acceptedCh
	defer in.Close()

	payload := []byte("datagram payload")
	_, err = out.Write(payload)
	require.NoError(t, err)

	got := make([]byte, len(payload))
	n, err := in.Read(got)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.True(t, bytes.Equal(payload, got))
}

func TestUDPHandshakeTimeoutForSilentRemote(t *testing.T) {
	client, err := NewUDPTransport("127.0.0.1:0", newTestKeyPair(t), 200*time.Millisecond, nil)
	require.NoError(t, err)
	defer client.Close()

	// A plain UDP socket that never answers the handshake.
	silent := newTestUDPTransport(t, newTestKeyPair(t))
	silent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	_, err = client.Dial(ctx, silent.Addr().String())
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestUDPAdvertisedAddrsWithoutSTUN(t *testing.T) {
	server := newTestUDPTransport(t, newTestKeyPair(t))
	addrs := server.AdvertisedAddrs()
	require.Len(t, addrs, 1)
	require.Equal(t, KindUDP, addrs[0].Kind)
}

func TestUDPAcceptAfterClose(t *testing.T) {
	server := newTestUDPTransport(t, newTestKeyPair(t))
	require.NoError(t, server.Close())

	_, err := server.Accept()
	require.ErrorIs(t, err, ErrTransportClosed)
}
