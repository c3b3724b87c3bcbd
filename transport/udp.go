package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/comm/limits"
)

// ReadBufferSize is the largest datagram the server accepts.
const ReadBufferSize = limits.MaxDatagram

const readTimeout = 100 * time.Millisecond

// UDPServer is a UDP socket that is both a Listener and a PacketSender.
type UDPServer struct {
	conn net.PacketConn

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// ParseListenURL turns "udp://host:port" into "host:port".
func ParseListenURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid listen url %q: %w", raw, err)
	}
	if u.Scheme != "udp" {
		return "", fmt.Errorf("unsupported listen scheme %q in %q", u.Scheme, raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("listen url %q has no host", raw)
	}
	return u.Host, nil
}

// NewUDPServer binds a UDP socket on listenAddr ("host:port").
func NewUDPServer(listenAddr string) (*UDPServer, error) {
	conn, err := net.ListenPacket("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", listenAddr, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewUDPServer",
		"address":  conn.LocalAddr().String(),
	}).Info("UDP server bound")

	return &UDPServer{
		conn: conn,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}, nil
}

// Conn exposes the underlying socket, used for address discovery before Start.
func (s *UDPServer) Conn() net.PacketConn {
	return s.conn
}

// LocalAddr returns the local address the server is bound to.
func (s *UDPServer) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Start launches the read loop. Every datagram is copied and pushed into sink.
func (s *UDPServer) Start(sink chan<- []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("udp server already started")
	}
	select {
	case <-s.stop:
		return errors.New("udp server already stopped")
	default:
	}
	s.started = true

	go s.processPackets(sink)
	return nil
}

// Stop ends the read loop. The returned channel closes when the loop has exited.
func (s *UDPServer) Stop() <-chan struct{} {
	s.once.Do(func() {
		close(s.stop)
		s.mu.Lock()
		started := s.started
		s.mu.Unlock()
		if !started {
			close(s.done)
		}
	})
	return s.done
}

// SendTo writes one datagram to addr.
func (s *UDPServer) SendTo(data []byte, addr net.Addr) error {
	if addr == nil {
		return errors.New("nil destination address")
	}
	_, err := s.conn.WriteTo(data, addr)
	return err
}

// Close stops the server and releases the socket.
func (s *UDPServer) Close() error {
	<-s.Stop()
	return s.conn.Close()
}

func (s *UDPServer) processPackets(sink chan<- []byte) {
	defer close(s.done)

	buffer := make([]byte, ReadBufferSize)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		data, err := s.readPacketData(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		select {
		case sink <- data:
		case <-s.stop:
			return
		}
	}
}

func (s *UDPServer) readPacketData(buffer []byte) ([]byte, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(readTimeout))

	n, addr, err := s.conn.ReadFrom(buffer)
	if err != nil {
		return nil, s.handleReadError(err)
	}

	data := make([]byte, n)
	copy(data, buffer[:n])

	logrus.WithFields(logrus.Fields{
		"function": "readPacketData",
		"from":     addr.String(),
		"bytes":    n,
	}).Debug("Received datagram")

	return data, nil
}

func (s *UDPServer) handleReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return err
	}
	if errors.Is(err, net.ErrClosed) {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"function": "handleReadError",
		"address":  s.conn.LocalAddr().String(),
		"error":    err.Error(),
	}).Warn("UDP read failed")
	return err
}
