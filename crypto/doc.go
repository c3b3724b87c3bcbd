// Package crypto implements the address space and datagram sealing used by
// the comm overlay.
//
// # Addresses
//
// An [Address] is a 160-bit big-endian unsigned integer. Peers and content
// share the same space, and proximity is measured with XOR:
//
//	a := crypto.ForContent("alice")
//	b := crypto.ForContent("bob")
//	d := a.DistanceFrom(b) // *big.Int, symmetric, zero only when a == b
//
// Addresses print and parse as 40 lowercase hex characters:
//
//	addr, err := crypto.FromHex("8b45e4bd1c6acb88bebf6407d16205f567e62a3e")
//
// [Null] is the all-zero address. Bootstrap routers are tracked under it until
// they answer and reveal their real address.
//
// # Sealing
//
// Overlays that should not interoperate with strangers share a [NetworkKey].
// [Seal] and [Open] wrap NaCl secretbox with a random nonce prefix:
//
//	key, _ := crypto.ParseNetworkKey(hexKey)
//	sealed, _ := crypto.Seal(datagram, key)
//	plain, err := crypto.Open(sealed, key)
package crypto
