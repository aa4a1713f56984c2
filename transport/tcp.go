package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerswarm/crypto"
)

// TCPTransport implements the stream-socket transport. It satisfies the
// Transport interface.
type TCPTransport struct {
	listener         net.Listener
	keyPair          *crypto.KeyPair
	handshakeTimeout time.Duration
	accepted         chan *Conn
	ctx              context.Context
	cancel           context.CancelFunc
	closeOnce        sync.Once
	wg               sync.WaitGroup
}

// NewTCPTransport binds a TCP listener and starts accepting connections.
// Inbound connections complete the identity handshake before they are
// visible through Accept; connections that fail to yield an identity
// within handshakeTimeout are closed and discarded.
func NewTCPTransport(listenAddr string, keyPair *crypto.KeyPair, handshakeTimeout time.Duration) (*TCPTransport, error) {
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &TCPTransport{
		listener:         listener,
		keyPair:          keyPair,
		handshakeTimeout: handshakeTimeout,
		accepted:         make(chan *Conn),
		ctx:              ctx,
		cancel:           cancel,
	}

	t.wg.Add(1)
	go t.acceptLoop()

	logrus.WithFields(logrus.Fields{
		"addr": listener.Addr().String(),
	}).Info("TCP transport listening")

	return t, nil
}

// Kind returns KindTCP.
func (t *TCPTransport) Kind() Kind { return KindTCP }

// Addr returns the bound listener address.
func (t *TCPTransport) Addr() net.Addr { return t.listener.Addr() }

// AdvertisedAddrs returns the listener address as the sole dialable
// endpoint.
func (t *TCPTransport) AdvertisedAddrs() []Addr {
	return []Addr{{Kind: KindTCP, Endpoint: t.listener.Addr().String()}}
}

// Dial connects to endpoint and runs the identity handshake as initiator.
func (t *TCPTransport) Dial(ctx context.Context, endpoint string) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", endpoint)
	if err != nil {
		return nil, &DialError{Addr: Addr{Kind: KindTCP, Endpoint: endpoint}, Cause: err}
	}

	ctxDeadline, ok := ctx.Deadline()
	deadline := handshakeDeadline(ctxDeadline, ok, t.handshakeTimeout)

	conn, err := runHandshake(&streamFramer{c: raw}, KindTCP, t.keyPair, true, deadline)
	if err != nil {
		raw.Close()
		return nil, &DialError{Addr: Addr{Kind: KindTCP, Endpoint: endpoint}, Cause: err}
	}
	return conn, nil
}

// Accept returns the next inbound connection that completed its identity
// handshake.
func (t *TCPTransport) Accept() (*Conn, error) {
	select {
	case conn, ok := <-t.accepted:
		if !ok {
			return nil, ErrTransportClosed
		}
		return conn, nil
	case <-t.ctx.Done():
		return nil, ErrTransportClosed
	}
}

// Close stops the listener and unblocks pending Accept calls.
func (t *TCPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.listener.Close()
		t.wg.Wait()
	})
	return err
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		raw, err := t.listener.Accept()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithError(err).Warn("TCP accept failed")
			continue
		}

		t.wg.Add(1)
		go t.handshakeInbound(raw)
	}
}

// handshakeInbound runs the responder handshake off the accept loop so a
// slow or silent remote cannot stall other inbound connections.
func (t *TCPTransport) handshakeInbound(raw net.Conn) {
	defer t.wg.Done()

	deadline := time.Now().Add(t.handshakeTimeout)
	conn, err := runHandshake(&streamFramer{c: raw}, KindTCP, t.keyPair, false, deadline)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"remote_addr": raw.RemoteAddr().String(),
		}).WithError(err).Debug("Inbound TCP handshake failed, dropping connection")
		raw.Close()
		return
	}

	select {
	case t.accepted <- conn:
	case <-t.ctx.Done():
		conn.Close()
	}
}
