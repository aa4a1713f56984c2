package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair represents a long-term Curve25519 key pair. The public key is the
// peer's swarm identity; the private key is the static key for transport
// handshakes.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}, nil
}

// FromSecretKey reconstructs a key pair from an existing private key by
// deriving the matching public key.
func FromSecretKey(secretKey [32]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	publicSlice, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	var publicKey [32]byte
	copy(publicKey[:], publicSlice)

	return &KeyPair{
		Public:  publicKey,
		Private: secretKey,
	}, nil
}

// Identity returns the identity named by this key pair.
func (kp *KeyPair) Identity() Identity {
	return Identity(kp.Public)
}

// ZeroBytes overwrites the given slice with zeros. Use it to wipe private
// key material once it is no longer needed.
func ZeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
