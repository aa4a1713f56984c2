package transport

import (
	"errors"
	"testing"
)

func TestParseKind(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		expected  Kind
		expectErr bool
	}{
		{"TCP", "tcp", KindTCP, false},
		{"UDP", "udp", KindUDP, false},
		{"Unknown", "quic", 0, true},
		{"Empty", "", 0, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			kind, err := ParseKind(tc.input)
			if tc.expectErr {
				if err == nil {
					t.Errorf("expected error for %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if kind != tc.expected {
				t.Errorf("got kind %v, want %v", kind, tc.expected)
			}
		})
	}
}

func TestAddrRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		addr Addr
	}{
		{"TCP address", Addr{Kind: KindTCP, Endpoint: "192.168.1.5:33445"}},
		{"UDP address", Addr{Kind: KindUDP, Endpoint: "[::1]:9000"}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := ParseAddr(tc.addr.String())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if parsed != tc.addr {
				t.Errorf("round-trip mismatch: got %v, want %v", parsed, tc.addr)
			}
		})
	}
}

func TestParseAddrRejectsGarbage(t *testing.T) {
	for _, input := range []string{"", "tcp://", "1.2.3.4:80", "quic://1.2.3.4:80"} {
		if _, err := ParseAddr(input); err == nil {
			t.Errorf("expected error for %q", input)
		}
	}
}

func TestDialErrorUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := &DialError{Addr: Addr{Kind: KindTCP, Endpoint: "127.0.0.1:1"}, Cause: cause}

	if !errors.Is(err, cause) {
		t.Error("DialError must unwrap to its cause")
	}
	if err.Error() == "" {
		t.Error("DialError must render a message")
	}
}
