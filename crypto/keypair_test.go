package crypto

import (
	"bytes"
	"testing"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	if isZeroKey(kp.Public) {
		t.Error("generated public key is all zeros")
	}
	if isZeroKey(kp.Private) {
		t.Error("generated private key is all zeros")
	}
	if kp.Identity() != Identity(kp.Public) {
		t.Error("identity must be the public key")
	}

	other, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	if kp.Public == other.Public {
		t.Error("two generated key pairs share a public key")
	}
}

func TestFromSecretKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}

	derived, err := FromSecretKey(kp.Private)
	if err != nil {
		t.Fatalf("FromSecretKey failed: %v", err)
	}
	if !bytes.Equal(derived.Public[:], kp.Public[:]) {
		t.Errorf("derived public key %x does not match original %x", derived.Public, kp.Public)
	}
}

func TestFromSecretKeyRejectsZero(t *testing.T) {
	var zero [32]byte
	if _, err := FromSecretKey(zero); err == nil {
		t.Error("expected error for all-zero secret key")
	}
}

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	ZeroBytes(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d not wiped: %d", i, b)
		}
	}
}
