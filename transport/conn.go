package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/opd-ai/peerswarm/crypto"
)

const (
	// maxFrameSize is the largest encrypted frame either framer will
	// carry; it matches the Noise protocol message size limit.
	maxFrameSize = 65535
	// maxPlaintext leaves room for the AEAD tag within one frame.
	maxPlaintext = maxFrameSize - 16
)

// frameConn moves discrete frames over an underlying socket. Stream
// sockets get length-prefix framing; datagram sockets map one datagram to
// one frame.
type frameConn interface {
	ReadFrame(buf []byte) (int, error)
	WriteFrame(p []byte) error
	SetDeadline(t time.Time) error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// streamFramer frames a stream socket with a 2-byte big-endian length
// prefix.
type streamFramer struct {
	c net.Conn
}

func (f *streamFramer) ReadFrame(buf []byte) (int, error) {
	var header [2]byte
	if _, err := io.ReadFull(f.c, header[:]); err != nil {
		return 0, err
	}
	n := int(binary.BigEndian.Uint16(header[:]))
	if n > len(buf) {
		return 0, fmt.Errorf("frame of %d bytes exceeds buffer", n)
	}
	if _, err := io.ReadFull(f.c, buf[:n]); err != nil {
		return 0, err
	}
	return n, nil
}

func (f *streamFramer) WriteFrame(p []byte) error {
	if len(p) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(p))
	}
	// Single write so concurrent callers holding the write lock cannot
	// interleave header and body.
	out := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(out[:2], uint16(len(p)))
	copy(out[2:], p)
	_, err := f.c.Write(out)
	return err
}

func (f *streamFramer) SetDeadline(t time.Time) error { return f.c.SetDeadline(t) }
func (f *streamFramer) LocalAddr() net.Addr           { return f.c.LocalAddr() }
func (f *streamFramer) RemoteAddr() net.Addr          { return f.c.RemoteAddr() }
func (f *streamFramer) Close() error                  { return f.c.Close() }

// Datagram packet type prefixes. Punch probes open NAT mappings ahead of a
// dial and carry no payload.
const (
	packetPunch byte = 0x01
	packetData  byte = 0x02
)

// datagramFramer frames a datagram socket: one datagram per frame, with a
// one-byte packet type prefix. Punch probes are consumed silently.
type datagramFramer struct {
	c net.Conn
}

func (f *datagramFramer) ReadFrame(buf []byte) (int, error) {
	scratch := make([]byte, 1+len(buf))
	for {
		n, err := f.c.Read(scratch)
		if err != nil {
			return 0, err
		}
		if n < 1 {
			continue
		}
		switch scratch[0] {
		case packetPunch:
			continue
		case packetData:
			copy(buf, scratch[1:n])
			return n - 1, nil
		default:
			continue
		}
	}
}

func (f *datagramFramer) WriteFrame(p []byte) error {
	if len(p) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", len(p))
	}
	out := make([]byte, 1+len(p))
	out[0] = packetData
	copy(out[1:], p)
	_, err := f.c.Write(out)
	return err
}

func (f *datagramFramer) SetDeadline(t time.Time) error { return f.c.SetDeadline(t) }
func (f *datagramFramer) LocalAddr() net.Addr           { return f.c.LocalAddr() }
func (f *datagramFramer) RemoteAddr() net.Addr          { return f.c.RemoteAddr() }
func (f *datagramFramer) Close() error                  { return f.c.Close() }

// Conn is an established, encrypted, identity-tagged byte stream. Reads
// and writes are safe for one concurrent reader and one concurrent writer;
// the Noise cipher states serialize the rest.
//
// Ownership transfers to the application once the swarm emits the
// connection on its event stream; the swarm only retains the right to
// close it during shutdown.
type Conn struct {
	fc     frameConn
	kind   Kind
	local  crypto.Identity
	remote crypto.Identity

	writeMu sync.Mutex
	send    *noise.CipherState

	readMu  sync.Mutex
	recv    *noise.CipherState
	readBuf []byte
	pending []byte

	closeOnce sync.Once
	closeErr  error

	hookMu    sync.Mutex
	closeHook func()
}

func newConn(fc frameConn, kind Kind, local, remote crypto.Identity, send, recv *noise.CipherState) *Conn {
	return &Conn{
		fc:      fc,
		kind:    kind,
		local:   local,
		remote:  remote,
		send:    send,
		recv:    recv,
		readBuf: make([]byte, maxFrameSize),
	}
}

// RemoteIdentity returns the authenticated identity of the remote peer.
func (c *Conn) RemoteIdentity() crypto.Identity { return c.remote }

// LocalIdentity returns the identity this end authenticated as.
func (c *Conn) LocalIdentity() crypto.Identity { return c.local }

// Kind reports the transport that produced this connection.
func (c *Conn) Kind() Kind { return c.kind }

// LocalAddr returns the local socket address.
func (c *Conn) LocalAddr() net.Addr { return c.fc.LocalAddr() }

// RemoteAddr returns the remote socket address.
func (c *Conn) RemoteAddr() net.Addr { return c.fc.RemoteAddr() }

// SetDeadline sets the read and write deadlines on the underlying socket.
func (c *Conn) SetDeadline(t time.Time) error { return c.fc.SetDeadline(t) }

// Read decrypts the next frame and copies plaintext into p. Short reads
// leave the remainder buffered for the next call.
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) == 0 {
		n, err := c.fc.ReadFrame(c.readBuf)
		if err != nil {
			return 0, err
		}
		plain, err := c.recv.Decrypt(nil, nil, c.readBuf[:n])
		if err != nil {
			return 0, fmt.Errorf("frame decrypt failed: %w", err)
		}
		c.pending = plain
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write encrypts p and sends it, splitting into multiple frames if needed.
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlaintext {
			chunk = chunk[:maxPlaintext]
		}
		frame, err := c.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return written, fmt.Errorf("frame encrypt failed: %w", err)
		}
		if err := c.fc.WriteFrame(frame); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// OnClose registers a hook invoked exactly once after the connection is
// closed, whether by this end or by error teardown. At most one hook is
// supported; the swarm uses it to observe connection loss.
func (c *Conn) OnClose(fn func()) {
	c.hookMu.Lock()
	c.closeHook = fn
	c.hookMu.Unlock()
}

// Close tears down the connection. Safe to call multiple times.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.fc.Close()
		c.hookMu.Lock()
		hook := c.closeHook
		c.hookMu.Unlock()
		if hook != nil {
			hook()
		}
	})
	return c.closeErr
}
