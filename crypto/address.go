package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// Length is the width of the address space in bits.
const Length = 160

// AddressSize is the size of an Address in bytes.
const AddressSize = Length / 8

// ErrInvalidAddress is returned when text cannot be parsed as an Address.
var ErrInvalidAddress = errors.New("invalid address")

// Address identifies a peer or a piece of content in the overlay.
// Addresses are big-endian unsigned integers in [0, 2^160).
type Address [AddressSize]byte

// ForContent derives the address of arbitrary content with SHA-1.
// Nodes started from the same secret always land on the same address.
func ForContent(content string) Address {
	return Address(sha1.Sum([]byte(content)))
}

// FromNumeric converts an integer to an Address, keeping the low 160 bits.
// Negative values are treated as zero.
func FromNumeric(n *big.Int) Address {
	var a Address
	if n == nil || n.Sign() <= 0 {
		return a
	}
	b := n.Bytes()
	if len(b) > AddressSize {
		b = b[len(b)-AddressSize:]
	}
	copy(a[AddressSize-len(b):], b)
	return a
}

// FromHex parses the 40 character hexadecimal form of an Address.
func FromHex(s string) (Address, error) {
	if len(s) != AddressSize*2 {
		return Address{}, fmt.Errorf("%w: expected %d hex characters, got %d", ErrInvalidAddress, AddressSize*2, len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	var a Address
	copy(a[:], raw)
	return a, nil
}

// MustFromHex is like FromHex but panics on malformed input.
// It is intended for constants and tests.
func MustFromHex(s string) Address {
	a, err := FromHex(s)
	if err != nil {
		panic(err)
	}
	return a
}

// Null returns the all-zero address. Routers are known by it until they answer.
func Null() Address {
	return Address{}
}

// SpaceSize returns 2^160, one past the largest address.
func SpaceSize() *big.Int {
	return new(big.Int).Lsh(big.NewInt(1), Length)
}

// Random returns a uniformly distributed address in [min, max).
func Random(min, max *big.Int) (Address, error) {
	span := new(big.Int).Sub(max, min)
	if span.Sign() <= 0 {
		return Address{}, fmt.Errorf("empty address range [%s, %s)", min, max)
	}
	offset, err := rand.Int(rand.Reader, span)
	if err != nil {
		return Address{}, fmt.Errorf("failed to draw random address: %w", err)
	}
	return FromNumeric(offset.Add(offset, min)), nil
}

// RandomAddress returns an address drawn from the whole space.
func RandomAddress() (Address, error) {
	return Random(big.NewInt(0), SpaceSize())
}

// Numeric returns the address as an integer.
func (a Address) Numeric() *big.Int {
	return new(big.Int).SetBytes(a[:])
}

// Xor returns the bitwise exclusive or of two addresses.
func (a Address) Xor(other Address) Address {
	var out Address
	for i := range a {
		out[i] = a[i] ^ other[i]
	}
	return out
}

// DistanceFrom returns the XOR distance between two addresses.
func (a Address) DistanceFrom(other Address) *big.Int {
	return a.Xor(other).Numeric()
}

// CloserTo reports whether a is strictly closer to target than other is.
func (a Address) CloserTo(target, other Address) bool {
	da := a.Xor(target)
	do := other.Xor(target)
	return bytes.Compare(da[:], do[:]) < 0
}

// IsNull reports whether a is the all-zero address.
func (a Address) IsNull() bool {
	return a == Address{}
}

// String returns the lowercase hexadecimal form of the address.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
