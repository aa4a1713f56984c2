package transport

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerswarm/crypto"
)

// The Noise-XX pattern authenticates both static keys without either side
// knowing the other's key in advance, which is exactly the situation on an
// inbound connection: the listener learns who dialed it from the handshake
// itself.

// handshakeBufSize comfortably holds the largest XX handshake message.
const handshakeBufSize = 512

func newHandshakeState(keyPair *crypto.KeyPair, initiator bool) (*noise.HandshakeState, error) {
	staticKey := noise.DHKey{
		Private: make([]byte, 32),
		Public:  make([]byte, 32),
	}
	copy(staticKey.Private, keyPair.Private[:])
	copy(staticKey.Public, keyPair.Public[:])

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	return noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: staticKey,
	})
}

// runHandshake drives the three XX messages over fc and wraps the socket
// into an identity-tagged Conn. The deadline bounds the whole exchange.
func runHandshake(fc frameConn, kind Kind, keyPair *crypto.KeyPair, initiator bool, deadline time.Time) (*Conn, error) {
	hs, err := newHandshakeState(keyPair, initiator)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	if err := fc.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	var send, recv *noise.CipherState
	buf := make([]byte, handshakeBufSize)

	// XX message flow: initiator writes 1 and 3, responder writes 2. The
	// final message yields the cipher states on both sides.
	writeTurn := initiator
	for send == nil {
		if writeTurn {
			msg, cs1, cs2, err := hs.WriteMessage(nil, nil)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
			}
			if err := fc.WriteFrame(msg); err != nil {
				return nil, handshakeIOError(err)
			}
			send, recv = cs1, cs2
		} else {
			n, err := fc.ReadFrame(buf)
			if err != nil {
				return nil, handshakeIOError(err)
			}
			_, cs1, cs2, err := hs.ReadMessage(nil, buf[:n])
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
			}
			send, recv = cs1, cs2
		}
		writeTurn = !writeTurn
	}

	remoteStatic := hs.PeerStatic()
	if len(remoteStatic) != crypto.IdentitySize {
		return nil, fmt.Errorf("%w: remote static key is %d bytes", ErrHandshakeFailed, len(remoteStatic))
	}
	var remote crypto.Identity
	copy(remote[:], remoteStatic)

	if remote.Equal(keyPair.Identity()) {
		return nil, fmt.Errorf("%w: connected to self", ErrHandshakeFailed)
	}

	if err := fc.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}

	logrus.WithFields(logrus.Fields{
		"remote":    remote.String()[:16],
		"kind":      kind.String(),
		"initiator": initiator,
	}).Debug("Identity handshake complete")

	return newConn(fc, kind, keyPair.Identity(), remote, send, recv), nil
}

func handshakeIOError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
}

// handshakeDeadline picks the earlier of the context deadline and the
// transport's configured handshake timeout.
func handshakeDeadline(ctxDeadline time.Time, hasCtxDeadline bool, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if hasCtxDeadline && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}
