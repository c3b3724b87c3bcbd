// Package limits provides the datagram size limits shared by the codec, the
// sealing layer and the UDP server.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxDatagram is the largest datagram a node sends or reads. The UDP
	// server sizes its read buffer to it.
	MaxDatagram = 4096

	// SealOverhead is what sealing adds to a datagram: a 24 byte nonce and
	// the 16 byte Poly1305 tag (golang.org/x/crypto/nacl/secretbox.Overhead).
	SealOverhead = 24 + 16

	// MaxSealedPlaintext is the largest encoded envelope that still fits in a
	// datagram once sealed.
	MaxSealedPlaintext = MaxDatagram - SealOverhead

	// MaxPacketPayload is the largest PACKET payload. The remainder of the
	// datagram holds the envelope header, the origin descriptor and the seal.
	MaxPacketPayload = MaxDatagram - 512
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize validates a message against the specified maximum size.
// Returns an error with context including the actual and maximum sizes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidateDatagram checks an outgoing datagram against MaxDatagram.
func ValidateDatagram(datagram []byte) error {
	if len(datagram) == 0 {
		return ErrMessageEmpty
	}
	if len(datagram) > MaxDatagram {
		return fmt.Errorf("%w: datagram size %d exceeds limit %d", ErrMessageTooLarge, len(datagram), MaxDatagram)
	}
	return nil
}

// ValidatePacketPayload checks a PACKET payload against MaxPacketPayload.
// Empty payloads are allowed.
func ValidatePacketPayload(payload []byte) error {
	if len(payload) > MaxPacketPayload {
		return fmt.Errorf("%w: packet payload size %d exceeds limit %d", ErrMessageTooLarge, len(payload), MaxPacketPayload)
	}
	return nil
}
