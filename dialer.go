package peerswarm

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerswarm/crypto"
	"github.com/opd-ai/peerswarm/discovery"
	"github.com/opd-ai/peerswarm/transport"
)

// dialerConfig is the retry policy slice of the swarm options.
type dialerConfig struct {
	backoffFloor    time.Duration
	backoffCap      time.Duration
	maxDialFailures int
	dialTimeout     time.Duration
}

// dialer turns discovery candidates into outbound connections. It owns the
// per-peer backoff timers: exponential delay with positive jitter from the
// configured floor to the cap, reset on any success, and demotion to
// passive mode after the failure threshold. Backoff is per identity, not
// per address; one connect attempt round-robins through all known
// addresses before counting as a failure.
type dialer struct {
	transport *transport.CombinedTransport
	registry  *registry
	clk       clock.Clock
	cfg       dialerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDialer(tr *transport.CombinedTransport, reg *registry, clk clock.Clock, cfg dialerConfig) *dialer {
	ctx, cancel := context.WithCancel(context.Background())
	return &dialer{
		transport: tr,
		registry:  reg,
		clk:       clk,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// offer feeds one discovery sighting into the dialer. Sightings of
// ourselves are dropped; sightings of passive peers reactivate them.
func (d *dialer) offer(cand discovery.Candidate, topic crypto.Topic) {
	if cand.Identity.Equal(d.registry.self) {
		return
	}

	e := d.registry.observe(cand.Identity, cand.Addr, topic)

	e.mu.Lock()
	if e.passive {
		// Fresh sighting is the only thing that wakes a passive peer.
		e.passive = false
		e.backoffUntil = time.Time{}
		logrus.WithFields(logrus.Fields{
			"peer":   cand.Identity.String()[:16],
			"source": cand.Source,
		}).Info("Passive peer reactivated by discovery sighting")
	}
	shouldDial := e.state == PeerIdle &&
		e.retryTimer == nil &&
		!d.clk.Now().Before(e.backoffUntil)
	e.mu.Unlock()

	if shouldDial {
		d.startConnect(e)
	}
}

// startConnect claims the entry through the registry's dedup gate and, if
// granted, runs one connect attempt in its own goroutine.
func (d *dialer) startConnect(e *peerEntry) {
	if d.ctx.Err() != nil {
		return
	}

	dialCtx, cancel := context.WithCancel(d.ctx)
	if !d.registry.beginConnect(e.identity, cancel) {
		// Lost to a concurrent attempt or an existing connection.
		cancel()
		return
	}

	d.wg.Add(1)
	go d.connect(dialCtx, cancel, e)
}

// connect tries every known address once, in round-robin order. The first
// success wins; exhausting all addresses counts as one failure toward
// backoff.
func (d *dialer) connect(ctx context.Context, cancel context.CancelFunc, e *peerEntry) {
	defer d.wg.Done()
	defer cancel()

	e.mu.Lock()
	addrs := e.attemptAddrsLocked()
	e.mu.Unlock()

	for _, addr := range addrs {
		if ctx.Err() != nil {
			// Canceled: either the tie-break adopted an inbound
			// connection or the swarm is shutting down. Either way the
			// entry is no longer ours to transition.
			return
		}

		attemptCtx, attemptCancel := context.WithTimeout(ctx, d.cfg.dialTimeout)
		conn, err := d.transport.Dial(attemptCtx, addr)
		attemptCancel()

		if err != nil {
			logrus.WithFields(logrus.Fields{
				"peer": e.identity.String()[:16],
				"addr": addr.String(),
			}).WithError(err).Debug("Dial attempt failed")
			continue
		}

		if !conn.RemoteIdentity().Equal(e.identity) {
			// The address now belongs to a different peer; treat it as a
			// failed attempt against the identity we wanted.
			logrus.WithFields(logrus.Fields{
				"peer":   e.identity.String()[:16],
				"addr":   addr.String(),
				"actual": conn.RemoteIdentity().String()[:16],
			}).Warn("Dialed address answered with unexpected identity")
			conn.Close()
			continue
		}

		// The registry may refuse if an inbound connection won the race
		// between our dial completing and the cancel landing; it closes
		// the connection itself in that case.
		d.registry.onConnectSuccess(conn)
		return
	}

	if ctx.Err() != nil {
		return
	}
	d.onAttemptFailed(e)
}

// onAttemptFailed transitions connecting -> idle, advances the backoff
// counter, and either schedules the retry timer or demotes the peer to
// passive mode.
func (d *dialer) onAttemptFailed(e *peerEntry) {
	e.mu.Lock()

	if e.state != PeerConnecting {
		// An inbound connection was adopted while we were failing; the
		// failure is moot.
		e.mu.Unlock()
		return
	}
	e.state = PeerIdle
	e.dialCancel = nil
	e.failures++
	e.lastFailure = d.clk.Now()

	if len(e.topics) == 0 {
		// The last referencing topic was left while the attempt was in
		// flight; nothing wants this peer anymore.
		removable := e.removableLocked()
		e.mu.Unlock()
		if removable {
			d.registry.remove(e.identity)
		}
		return
	}
	defer e.mu.Unlock()

	if e.failures >= d.cfg.maxDialFailures {
		e.passive = true
		e.backoffUntil = time.Time{}
		logrus.WithFields(logrus.Fields{
			"peer":     e.identity.String()[:16],
			"failures": e.failures,
		}).Info("Peer demoted to passive retry")
		return
	}

	delay := d.computeBackoff(e.failures)
	e.backoffUntil = d.clk.Now().Add(delay)
	e.retryTimer = d.clk.AfterFunc(delay, func() {
		d.onRetryTimer(e)
	})

	logrus.WithFields(logrus.Fields{
		"peer":     e.identity.String()[:16],
		"failures": e.failures,
		"delay":    delay.String(),
	}).Debug("Scheduled reconnect")
}

// onRetryTimer fires when a backoff delay elapses.
func (d *dialer) onRetryTimer(e *peerEntry) {
	e.mu.Lock()
	e.retryTimer = nil
	referenced := len(e.topics) > 0
	shouldDial := referenced && e.state == PeerIdle
	removable := e.removableLocked()
	e.mu.Unlock()

	if removable {
		d.registry.remove(e.identity)
		return
	}
	if shouldDial {
		d.startConnect(e)
	}
}

// computeBackoff returns the delay before retry number `failures`. The
// base doubles from the floor and the jitter is positive, so consecutive
// delays never shrink until both sides clamp at the cap.
func (d *dialer) computeBackoff(failures int) time.Duration {
	base := d.cfg.backoffFloor
	for i := 1; i < failures; i++ {
		base *= 2
		if base >= d.cfg.backoffCap {
			base = d.cfg.backoffCap
			break
		}
	}

	jitter := time.Duration(0)
	if base < d.cfg.backoffCap {
		jitter = time.Duration(rand.Int63n(int64(base)/4 + 1))
	}

	delay := base + jitter
	if delay > d.cfg.backoffCap {
		delay = d.cfg.backoffCap
	}
	return delay
}

// halt cancels all in-flight dials and prevents new ones.
func (d *dialer) halt() {
	d.cancel()
}

// wait blocks until every connect goroutine has exited.
func (d *dialer) wait() {
	d.wg.Wait()
}
