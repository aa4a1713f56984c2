package peerswarm

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerswarm/transport"
)

// listener pumps inbound connections from the combined transport into the
// registry for dedup arbitration. Identity extraction already happened
// inside the transport's accept path; connections that failed to yield an
// identity in time never reach this loop.
type listener struct {
	transport *transport.CombinedTransport
	registry  *registry
	wg        sync.WaitGroup
}

func newListener(tr *transport.CombinedTransport, reg *registry) *listener {
	return &listener{transport: tr, registry: reg}
}

func (l *listener) start() {
	l.wg.Add(1)
	go l.run()
}

func (l *listener) run() {
	defer l.wg.Done()

	for {
		conn, err := l.transport.Accept()
		if err != nil {
			if !errors.Is(err, transport.ErrTransportClosed) {
				logrus.WithError(err).Warn("Listener accept failed")
			}
			return
		}

		logrus.WithFields(logrus.Fields{
			"peer": conn.RemoteIdentity().String()[:16],
			"kind": conn.Kind().String(),
		}).Debug("Inbound connection accepted")

		l.registry.resolveInbound(conn)
	}
}

// wait blocks until the accept loop exits; the transport must already be
// closed.
func (l *listener) wait() {
	l.wg.Wait()
}
