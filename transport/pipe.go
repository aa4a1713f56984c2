package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/opd-ai/peerswarm/crypto"
)

// Pipe returns a connected pair of Conns over an in-memory stream,
// handshaken with the given key pairs: the first Conn authenticates as a,
// sees b's identity as remote, and vice versa. Like net.Pipe it exists for
// tests and in-process wiring; no network is involved.
func Pipe(a, b *crypto.KeyPair) (*Conn, *Conn, error) {
	rawA, rawB := net.Pipe()
	deadline := time.Now().Add(5 * time.Second)

	type result struct {
		conn *Conn
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conn, err := runHandshake(&streamFramer{c: rawB}, KindTCP, b, false, deadline)
		resCh <- result{conn, err}
	}()

	connA, err := runHandshake(&streamFramer{c: rawA}, KindTCP, a, true, deadline)
	res := <-resCh
	if err != nil || res.err != nil {
		rawA.Close()
		rawB.Close()
		if err == nil {
			err = res.err
		}
		return nil, nil, fmt.Errorf("pipe handshake failed: %w", err)
	}
	return connA, res.conn, nil
}
