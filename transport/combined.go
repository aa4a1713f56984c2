package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// CombinedTransport multiplexes several transports behind one dial/accept
// surface. Dials are routed by the address kind; accept streams are
// merged. Duplicate connections across kinds are not arbitrated here; the
// swarm's peer registry deduplicates by identity regardless of which
// transport a connection arrived over.
type CombinedTransport struct {
	transports map[Kind]Transport
	accepted   chan *Conn
	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	wg         sync.WaitGroup
}

// NewCombinedTransport merges the given transports. At least one is
// required; at most one per kind.
func NewCombinedTransport(transports ...Transport) (*CombinedTransport, error) {
	if len(transports) == 0 {
		return nil, errors.New("combined transport requires at least one transport")
	}

	byKind := make(map[Kind]Transport, len(transports))
	for _, t := range transports {
		if _, dup := byKind[t.Kind()]; dup {
			return nil, fmt.Errorf("duplicate transport for kind %s", t.Kind())
		}
		byKind[t.Kind()] = t
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &CombinedTransport{
		transports: byKind,
		accepted:   make(chan *Conn),
		ctx:        ctx,
		cancel:     cancel,
	}

	for _, t := range transports {
		c.wg.Add(1)
		go c.forwardAccepts(t)
	}

	return c, nil
}

// Dial routes the dial to the transport matching the address kind.
func (c *CombinedTransport) Dial(ctx context.Context, addr Addr) (*Conn, error) {
	t, ok := c.transports[addr.Kind]
	if !ok {
		return nil, &DialError{Addr: addr, Cause: fmt.Errorf("no transport for kind %s", addr.Kind)}
	}
	return t.Dial(ctx, addr.Endpoint)
}

// Accept returns the next inbound connection from any member transport.
func (c *CombinedTransport) Accept() (*Conn, error) {
	select {
	case conn, ok := <-c.accepted:
		if !ok {
			return nil, ErrTransportClosed
		}
		return conn, nil
	case <-c.ctx.Done():
		return nil, ErrTransportClosed
	}
}

// Addrs returns the local listening address of every member transport.
func (c *CombinedTransport) Addrs() []net.Addr {
	out := make([]net.Addr, 0, len(c.transports))
	for _, t := range c.transports {
		out = append(out, t.Addr())
	}
	return out
}

// AdvertisedAddrs merges the advertised addresses of every member
// transport.
func (c *CombinedTransport) AdvertisedAddrs() []Addr {
	var out []Addr
	for _, t := range c.transports {
		out = append(out, t.AdvertisedAddrs()...)
	}
	return out
}

// Kinds returns the set of transport kinds behind this combined transport.
func (c *CombinedTransport) Kinds() []Kind {
	out := make([]Kind, 0, len(c.transports))
	for k := range c.transports {
		out = append(out, k)
	}
	return out
}

// Close shuts every member transport down.
func (c *CombinedTransport) Close() error {
	var firstErr error
	c.closeOnce.Do(func() {
		c.cancel()
		for kind, t := range c.transports {
			if err := t.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close %s transport: %w", kind, err)
			}
		}
		c.wg.Wait()
	})
	return firstErr
}

func (c *CombinedTransport) forwardAccepts(t Transport) {
	defer c.wg.Done()

	for {
		conn, err := t.Accept()
		if err != nil {
			if !errors.Is(err, ErrTransportClosed) {
				logrus.WithFields(logrus.Fields{
					"kind": t.Kind().String(),
				}).WithError(err).Warn("Transport accept failed")
			}
			return
		}

		select {
		case c.accepted <- conn:
		case <-c.ctx.Done():
			conn.Close()
			return
		}
	}
}
