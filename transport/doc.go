// Package transport provides the connection-oriented transports the swarm
// dials and listens on.
//
// Every transport produces the same thing: a Conn, an established
// bidirectional byte stream that has already completed a Noise-XX handshake
// and is therefore tagged with the authenticated identity of the remote
// peer. The swarm core never sees raw sockets; it sees Conns and the
// Transport interface.
//
// Two concrete transports are provided: a TCP stream transport and a
// NAT-friendly UDP datagram transport with hole-punch priming and
// STUN-based public address detection. CombinedTransport multiplexes any
// set of transports behind a single dial/accept surface.
package transport
