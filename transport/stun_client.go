// This file implements STUN (Session Traversal Utilities for NAT) address
// discovery. The binding request leaves from the listener's own socket so the
// reported mapping is the one peers must use to reach it.

package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/sirupsen/logrus"
)

// ErrAddressDiscovery is returned when no public address could be determined.
var ErrAddressDiscovery = errors.New("address discovery failed")

// STUNClient discovers the public address of a UDP socket.
type STUNClient struct {
	servers []string
	timeout time.Duration
}

// NewSTUNClient creates a new STUN client with default public STUN servers
func NewSTUNClient() *STUNClient {
	return &STUNClient{
		servers: []string{
			"stun.l.google.com:19302",
			"stun1.l.google.com:19302",
			"stun.stunprotocol.org:3478",
			"stun.cloudflare.com:3478",
		},
		timeout: 5 * time.Second,
	}
}

// DiscoverPublicAddress asks each server in turn for the mapped address of conn.
// It must be called before conn is handed to a read loop.
func (sc *STUNClient) DiscoverPublicAddress(ctx context.Context, conn net.PacketConn) (*net.UDPAddr, error) {
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}
	if len(sc.servers) == 0 {
		return nil, fmt.Errorf("%w: no STUN servers configured", ErrAddressDiscovery)
	}

	var lastErr error
	for _, server := range sc.servers {
		addr, err := sc.querySTUNServer(ctx, server, conn)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "DiscoverPublicAddress",
				"server":   server,
				"address":  addr.String(),
			}).Info("Discovered public address")
			return addr, nil
		}
		lastErr = err

		logrus.WithFields(logrus.Fields{
			"function": "DiscoverPublicAddress",
			"server":   server,
			"error":    err.Error(),
		}).Warn("STUN server failed")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrAddressDiscovery, ctx.Err())
		default:
		}
	}

	return nil, fmt.Errorf("%w: all STUN servers failed, last error: %v", ErrAddressDiscovery, lastErr)
}

func (sc *STUNClient) querySTUNServer(ctx context.Context, server string, conn net.PacketConn) (*net.UDPAddr, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", server, err)
	}

	request, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, fmt.Errorf("build binding request: %w", err)
	}

	if _, err := conn.WriteTo(request.Raw, serverAddr); err != nil {
		return nil, fmt.Errorf("send binding request: %w", err)
	}

	deadline := time.Now().Add(sc.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	return sc.receiveBindingResponse(conn, request.TransactionID)
}

// receiveBindingResponse skips datagrams that are not the answer to our request.
func (sc *STUNClient) receiveBindingResponse(conn net.PacketConn, transactionID [stun.TransactionIDSize]byte) (*net.UDPAddr, error) {
	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return nil, fmt.Errorf("read binding response: %w", err)
		}
		if !stun.IsMessage(buf[:n]) {
			continue
		}

		response := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := response.Decode(); err != nil {
			continue
		}
		if response.TransactionID != transactionID {
			continue
		}
		if response.Type == stun.BindingError {
			var code stun.ErrorCodeAttribute
			if err := code.GetFrom(response); err == nil {
				return nil, fmt.Errorf("binding error %d: %s", code.Code, code.Reason)
			}
			return nil, errors.New("binding error")
		}
		return mappedAddress(response)
	}
}

func mappedAddress(response *stun.Message) (*net.UDPAddr, error) {
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(response); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}

	var addr stun.MappedAddress
	if err := addr.GetFrom(response); err == nil {
		return &net.UDPAddr{IP: addr.IP, Port: addr.Port}, nil
	}

	return nil, errors.New("binding response carries no mapped address")
}

// SetServers replaces the list of STUN servers ("host:port").
func (sc *STUNClient) SetServers(servers []string) {
	sc.servers = append([]string(nil), servers...)
}

// SetTimeout sets how long to wait for each server.
func (sc *STUNClient) SetTimeout(timeout time.Duration) {
	sc.timeout = timeout
}

// StaticDiscoverer reports a configured address instead of asking a server.
// With no address configured it reports the socket's own address, replacing
// an unspecified IP with loopback.
type StaticDiscoverer struct {
	Addr *net.UDPAddr
}

// DiscoverPublicAddress implements AddressDiscoverer.
func (d StaticDiscoverer) DiscoverPublicAddress(_ context.Context, conn net.PacketConn) (*net.UDPAddr, error) {
	if d.Addr != nil {
		return d.Addr, nil
	}
	if conn == nil {
		return nil, errors.New("connection cannot be nil")
	}

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return nil, fmt.Errorf("%w: local address %v is not UDP", ErrAddressDiscovery, conn.LocalAddr())
	}

	addr := &net.UDPAddr{IP: local.IP, Port: local.Port, Zone: local.Zone}
	if addr.IP == nil || addr.IP.IsUnspecified() {
		addr.IP = net.IPv4(127, 0, 0, 1)
	}
	return addr, nil
}
