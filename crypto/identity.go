package crypto

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// IdentitySize is the length in bytes of a peer identity.
const IdentitySize = 32

// TopicSize is the length in bytes of a topic identifier.
const TopicSize = 32

// Identity is the stable name of a remote endpoint: the peer's long-term
// public key. It is independent of the peer's network address, which may
// change across reconnects.
type Identity [IdentitySize]byte

// IdentityFromString parses a hex-encoded identity.
func IdentityFromString(s string) (Identity, error) {
	var id Identity
	data, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid identity encoding: %w", err)
	}
	if len(data) != IdentitySize {
		return id, fmt.Errorf("identity must be %d bytes, got %d", IdentitySize, len(data))
	}
	copy(id[:], data)
	return id, nil
}

// String returns the hex encoding of the identity.
func (id Identity) String() string {
	return hex.EncodeToString(id[:])
}

// Equal reports whether two identities are the same.
func (id Identity) Equal(other Identity) bool {
	return id == other
}

// Less imposes a total order on identities. The swarm uses this order to
// break simultaneous-connect ties deterministically on both ends.
func (id Identity) Less(other Identity) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// IsZero reports whether the identity is the all-zero value.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// Topic is an opaque identifier peers use to find each other. Two peers
// that announce the same topic on the same discovery sources will be
// offered each other as connection candidates.
type Topic [TopicSize]byte

// NewTopic derives a topic from an application-level name by hashing it.
func NewTopic(name string) Topic {
	return Topic(sha256.Sum256([]byte(name)))
}

// TopicFromString parses a hex-encoded topic.
func TopicFromString(s string) (Topic, error) {
	var t Topic
	data, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("invalid topic encoding: %w", err)
	}
	if len(data) != TopicSize {
		return t, fmt.Errorf("topic must be %d bytes, got %d", TopicSize, len(data))
	}
	copy(t[:], data)
	return t, nil
}

// String returns the hex encoding of the topic.
func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}
