package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind identifies a transport protocol.
type Kind uint8

const (
	// KindTCP is the stream-socket transport.
	KindTCP Kind = iota + 1
	// KindUDP is the NAT-friendly datagram transport.
	KindUDP
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	default:
		return "unknown"
	}
}

// ParseKind parses a wire name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "tcp":
		return KindTCP, nil
	case "udp":
		return KindUDP, nil
	default:
		return 0, fmt.Errorf("unknown transport kind %q", s)
	}
}

// Addr is a transport-specific reachable endpoint: a network address plus
// the transport kind it is reachable over.
type Addr struct {
	Kind     Kind
	Endpoint string // host:port
}

// String renders the address as kind://endpoint.
func (a Addr) String() string {
	return a.Kind.String() + "://" + a.Endpoint
}

// ParseAddr parses the kind://endpoint form produced by String.
func ParseAddr(s string) (Addr, error) {
	for _, k := range []Kind{KindTCP, KindUDP} {
		prefix := k.String() + "://"
		if len(s) > len(prefix) && s[:len(prefix)] == prefix {
			return Addr{Kind: k, Endpoint: s[len(prefix):]}, nil
		}
	}
	return Addr{}, fmt.Errorf("invalid transport address %q", s)
}

var (
	// ErrTransportClosed is returned by Accept and Dial after Close.
	ErrTransportClosed = errors.New("transport closed")
	// ErrHandshakeFailed indicates the identity handshake on a new
	// connection failed.
	ErrHandshakeFailed = errors.New("identity handshake failed")
	// ErrHandshakeTimeout indicates the remote did not complete the
	// identity handshake within the configured bound.
	ErrHandshakeTimeout = errors.New("identity handshake timed out")
)

// DialError reports a failed dial attempt. It drives the swarm's backoff
// machinery and is never surfaced to the application as a hard failure.
type DialError struct {
	Addr  Addr
	Cause error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s failed: %v", e.Addr, e.Cause)
}

func (e *DialError) Unwrap() error {
	return e.Cause
}

// Transport is the capability the swarm core consumes: dial out to an
// endpoint, accept inbound connections, both yielding identity-tagged
// Conns.
type Transport interface {
	// Kind reports which protocol this transport speaks.
	Kind() Kind

	// Dial connects to endpoint and runs the identity handshake as
	// initiator. The context bounds the whole attempt.
	Dial(ctx context.Context, endpoint string) (*Conn, error)

	// Accept returns the next inbound connection that completed its
	// identity handshake. It returns ErrTransportClosed after Close.
	Accept() (*Conn, error)

	// Addr returns the local listening address.
	Addr() net.Addr

	// AdvertisedAddrs returns the addresses other peers should dial to
	// reach this transport, including any externally visible address
	// learned through NAT detection.
	AdvertisedAddrs() []Addr

	// Close shuts the transport down. Pending Accept calls unblock.
	Close() error
}
