package crypto

import (
	"strings"
	"testing"
)

func TestIdentityFromString(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		expectErr bool
	}{
		{"Valid identity", strings.Repeat("ab", 32), false},
		{"Too short", strings.Repeat("ab", 16), true},
		{"Too long", strings.Repeat("ab", 33), true},
		{"Not hex", strings.Repeat("zz", 32), true},
		{"Empty", "", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := IdentityFromString(tc.input)
			if tc.expectErr {
				if err == nil {
					t.Errorf("expected error for input %q, got none", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if id.String() != tc.input {
				t.Errorf("round-trip mismatch: got %q, want %q", id.String(), tc.input)
			}
		})
	}
}

func TestIdentityOrdering(t *testing.T) {
	var low, high Identity
	low[0] = 0x11
	high[0] = 0xAA

	if !low.Less(high) {
		t.Error("expected 0x11.. < 0xAA..")
	}
	if high.Less(low) {
		t.Error("expected 0xAA.. not < 0x11..")
	}
	if low.Less(low) {
		t.Error("Less must be irreflexive")
	}
	if !low.Equal(low) {
		t.Error("identity must equal itself")
	}
	if low.Equal(high) {
		t.Error("distinct identities must not be equal")
	}
}

func TestIdentityIsZero(t *testing.T) {
	var zero Identity
	if !zero.IsZero() {
		t.Error("zero value should report IsZero")
	}
	zero[31] = 1
	if zero.IsZero() {
		t.Error("non-zero identity should not report IsZero")
	}
}

func TestNewTopicDeterministic(t *testing.T) {
	a := NewTopic("swarm-test")
	b := NewTopic("swarm-test")
	c := NewTopic("swarm-test-2")

	if a != b {
		t.Error("same name must derive the same topic")
	}
	if a == c {
		t.Error("different names must derive different topics")
	}
}

func TestTopicFromString(t *testing.T) {
	orig := NewTopic("round-trip")
	parsed, err := TopicFromString(orig.String())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed != orig {
		t.Errorf("round-trip mismatch: got %v, want %v", parsed, orig)
	}

	if _, err := TopicFromString("abcd"); err == nil {
		t.Error("expected error for short topic")
	}
}
