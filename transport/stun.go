package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// reflexiveAddr asks the given STUN servers what public address the shared
// socket maps to, returning the first answer. It must run before the demux
// loop takes over the socket, since the binding response arrives on the
// same socket the transport listens on.
func reflexiveAddr(conn *net.UDPConn, servers []string, timeout time.Duration) (*net.UDPAddr, error) {
	if len(servers) == 0 {
		return nil, errors.New("no stun servers configured")
	}

	var lastErr error
	for _, server := range servers {
		addr, err := queryReflexive(conn, server, timeout)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"server": server,
			}).WithError(err).Debug("STUN binding request failed")
			lastErr = err
			continue
		}
		return addr, nil
	}
	return nil, fmt.Errorf("all stun servers failed: %w", lastErr)
}

func queryReflexive(conn *net.UDPConn, server string, timeout time.Duration) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve stun server: %w", err)
	}

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("build binding request: %w", err)
	}

	if _, err := conn.WriteToUDP(request.Raw, serverAddr); err != nil {
		return nil, fmt.Errorf("send binding request: %w", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return nil, fmt.Errorf("read binding response: %w", err)
		}
		// Anything that is not the server's response is discarded; the
		// demux loop has not started yet so nothing else expects traffic.
		if from.String() != serverAddr.String() {
			continue
		}

		response := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := response.Decode(); err != nil {
			return nil, fmt.Errorf("decode binding response: %w", err)
		}
		if response.Type != stun.BindingSuccess {
			return nil, fmt.Errorf("unexpected stun response type %s", response.Type)
		}

		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(response); err != nil {
			return nil, fmt.Errorf("missing xor-mapped-address: %w", err)
		}
		return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
	}
}
