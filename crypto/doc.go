// Package crypto implements the identity primitives used by the swarm.
//
// A peer is named by the public half of a long-term Curve25519 key pair;
// the key pair also serves as the static key for the transport handshake.
// Topics are opaque 32-byte identifiers, typically derived by hashing an
// application-level name.
package crypto
