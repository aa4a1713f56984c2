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

const (
	// udpSessionBacklog bounds buffered datagrams per inbound session.
	udpSessionBacklog = 64
	// punchProbeCount is how many NAT-priming datagrams a dial fires
	// before the handshake. Each probe opens or refreshes the local NAT
	// mapping toward the target.
	punchProbeCount = 3
	// punchProbeInterval spaces the priming datagrams.
	punchProbeInterval = 20 * time.Millisecond
)

// UDPTransport implements the NAT-friendly datagram transport. One shared
// socket serves the listening side; inbound datagrams are demultiplexed
// into per-remote sessions. Dials use a dedicated connected socket, primed
// with hole-punch probes. Reliability and congestion control on top of the
// datagrams are a collaborator concern, not handled here.
type UDPTransport struct {
	conn             *net.UDPConn
	keyPair          *crypto.KeyPair
	handshakeTimeout time.Duration
	advertised       []Addr

	mu       sync.Mutex
	sessions map[string]*udpSession

	accepted  chan *Conn
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewUDPTransport binds the shared datagram socket. If stunServers is
// non-empty the transport probes them (first success wins) and adds the
// reflexive address to its advertised addresses; probe failures are logged
// and ignored since a LAN-only deployment has no STUN reachability.
func NewUDPTransport(listenAddr string, keyPair *crypto.KeyPair, handshakeTimeout time.Duration, stunServers []string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &UDPTransport{
		conn:             conn,
		keyPair:          keyPair,
		handshakeTimeout: handshakeTimeout,
		sessions:         make(map[string]*udpSession),
		accepted:         make(chan *Conn),
		ctx:              ctx,
		cancel:           cancel,
	}

	t.advertised = []Addr{{Kind: KindUDP, Endpoint: conn.LocalAddr().String()}}
	if len(stunServers) > 0 {
		// The probe runs on the shared socket before the demux loop
		// starts, so the mapping reflects the real listening port.
		if reflexive, err := reflexiveAddr(conn, stunServers, handshakeTimeout); err != nil {
			logrus.WithError(err).Warn("STUN public address detection failed")
		} else if reflexive.String() != conn.LocalAddr().String() {
			t.advertised = append(t.advertised, Addr{Kind: KindUDP, Endpoint: reflexive.String()})
			logrus.WithFields(logrus.Fields{
				"local":     conn.LocalAddr().String(),
				"reflexive": reflexive.String(),
			}).Info("Detected public address via STUN")
		}
	}

	t.wg.Add(1)
	go t.readLoop()

	logrus.WithFields(logrus.Fields{
		"addr": conn.LocalAddr().String(),
	}).Info("UDP transport listening")

	return t, nil
}

// Kind returns KindUDP.
func (t *UDPTransport) Kind() Kind { return KindUDP }

// Addr returns the bound socket address.
func (t *UDPTransport) Addr() net.Addr { return t.conn.LocalAddr() }

// AdvertisedAddrs returns the local address plus any STUN-detected
// reflexive address.
func (t *UDPTransport) AdvertisedAddrs() []Addr {
	out := make([]Addr, len(t.advertised))
	copy(out, t.advertised)
	return out
}

// Dial connects to endpoint over a dedicated socket, fires hole-punch
// probes, and runs the identity handshake as initiator.
func (t *UDPTransport) Dial(ctx context.Context, endpoint string) (*Conn, error) {
	raddr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, &DialError{Addr: Addr{Kind: KindUDP, Endpoint: endpoint}, Cause: err}
	}
	raw, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, &DialError{Addr: Addr{Kind: KindUDP, Endpoint: endpoint}, Cause: err}
	}

	for i := 0; i < punchProbeCount; i++ {
		if _, err := raw.Write([]byte{packetPunch}); err != nil {
			break
		}
		if i < punchProbeCount-1 {
			select {
			case <-time.After(punchProbeInterval):
			case <-ctx.Done():
				raw.Close()
				return nil, &DialError{Addr: Addr{Kind: KindUDP, Endpoint: endpoint}, Cause: ctx.Err()}
			}
		}
	}

	ctxDeadline, ok := ctx.Deadline()
	deadline := handshakeDeadline(ctxDeadline, ok, t.handshakeTimeout)

	conn, err := runHandshake(&datagramFramer{c: raw}, KindUDP, t.keyPair, true, deadline)
	if err != nil {
		raw.Close()
		return nil, &DialError{Addr: Addr{Kind: KindUDP, Endpoint: endpoint}, Cause: err}
	}
	return conn, nil
}

// Accept returns the next inbound connection that completed its identity
// handshake.
func (t *UDPTransport) Accept() (*Conn, error) {
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

// Close shuts the shared socket and all live sessions down.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.conn.Close()

		t.mu.Lock()
		sessions := make([]*udpSession, 0, len(t.sessions))
		for _, s := range t.sessions {
			sessions = append(sessions, s)
		}
		t.mu.Unlock()
		for _, s := range sessions {
			s.Close()
		}

		t.wg.Wait()
	})
	return err
}

// readLoop demultiplexes inbound datagrams into per-remote sessions. A
// datagram from an unknown remote starts a new session and a responder
// handshake for it.
func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, maxFrameSize+1)
	for {
		n, raddr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithError(err).Warn("UDP read failed")
			continue
		}
		if n < 1 || buf[0] == packetPunch {
			// Punch probes only open mappings; nothing to deliver.
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		t.route(raddr, datagram)
	}
}

func (t *UDPTransport) route(raddr *net.UDPAddr, datagram []byte) {
	key := raddr.String()

	t.mu.Lock()
	sess, exists := t.sessions[key]
	if !exists {
		sess = newUDPSession(t, raddr)
		t.sessions[key] = sess
		t.wg.Add(1)
		go t.handshakeInbound(sess)
	}
	t.mu.Unlock()

	sess.deliver(datagram)
}

func (t *UDPTransport) handshakeInbound(sess *udpSession) {
	defer t.wg.Done()

	deadline := time.Now().Add(t.handshakeTimeout)
	conn, err := runHandshake(&datagramFramer{c: sess}, KindUDP, t.keyPair, false, deadline)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"remote_addr": sess.raddr.String(),
		}).WithError(err).Debug("Inbound UDP handshake failed, dropping session")
		sess.Close()
		return
	}

	select {
	case t.accepted <- conn:
	case <-t.ctx.Done():
		conn.Close()
	}
}

func (t *UDPTransport) dropSession(key string) {
	t.mu.Lock()
	delete(t.sessions, key)
	t.mu.Unlock()
}

// udpSession presents one remote's datagram flow over the shared socket as
// a net.Conn so the common framer and handshake code apply unchanged.
type udpSession struct {
	transport *UDPTransport
	raddr     *net.UDPAddr
	in        chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu           sync.Mutex
	readDeadline time.Time
}

func newUDPSession(t *UDPTransport, raddr *net.UDPAddr) *udpSession {
	return &udpSession{
		transport: t,
		raddr:     raddr,
		in:        make(chan []byte, udpSessionBacklog),
		done:      make(chan struct{}),
	}
}

// deliver hands an inbound datagram to the session. Datagrams beyond the
// backlog are dropped, matching UDP semantics.
func (s *udpSession) deliver(datagram []byte) {
	select {
	case s.in <- datagram:
	case <-s.done:
	default:
		logrus.WithFields(logrus.Fields{
			"remote_addr": s.raddr.String(),
		}).Debug("UDP session backlog full, dropping datagram")
	}
}

func (s *udpSession) Read(b []byte) (int, error) {
	var timeout <-chan time.Time
	s.mu.Lock()
	deadline := s.readDeadline
	s.mu.Unlock()
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, &timeoutError{}
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case datagram := <-s.in:
		n := copy(b, datagram)
		return n, nil
	case <-timeout:
		return 0, &timeoutError{}
	case <-s.done:
		return 0, net.ErrClosed
	}
}

func (s *udpSession) Write(b []byte) (int, error) {
	select {
	case <-s.done:
		return 0, net.ErrClosed
	default:
	}
	return s.transport.conn.WriteToUDP(b, s.raddr)
}

func (s *udpSession) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.transport.dropSession(s.raddr.String())
	})
	return nil
}

func (s *udpSession) LocalAddr() net.Addr  { return s.transport.conn.LocalAddr() }
func (s *udpSession) RemoteAddr() net.Addr { return s.raddr }

func (s *udpSession) SetDeadline(t time.Time) error {
	return s.SetReadDeadline(t)
}

func (s *udpSession) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op: datagram writes on the shared socket do not
// block meaningfully.
func (s *udpSession) SetWriteDeadline(time.Time) error { return nil }

type timeoutError struct{}

func (e *timeoutError) Error() string { return "i/o timeout" }
func (e *timeoutError) Timeout() bool { return true }

// Temporary reports true so retry loops treat deadline expiry as
// recoverable.
func (e *timeoutError) Temporary() bool { return true }

var _ net.Conn = (*udpSession)(nil)
