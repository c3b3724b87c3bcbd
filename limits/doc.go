// Package limits provides the size constants and checks that keep every
// message inside one UDP datagram.
//
// # Size Hierarchy
//
//   - MaxDatagram (4096 bytes): the largest datagram sent or read.
//   - MaxSealedPlaintext (4056 bytes): the largest encoded envelope that can
//     be sealed, MaxDatagram minus the nonce and Poly1305 tag.
//   - MaxPacketPayload (3584 bytes): the largest PACKET payload, leaving room
//     for the envelope header, the origin descriptor and the seal.
//
// # Validation Functions
//
//	err := limits.ValidatePacketPayload(payload)
//	if errors.Is(err, limits.ErrMessageTooLarge) {
//	    // reject before it reaches the wire
//	}
//
// For custom size limits, use the generic ValidateMessageSize function:
//
//	err := limits.ValidateMessageSize(data, 1024)
package limits
