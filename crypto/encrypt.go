package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/opd-ai/comm/limits"
)

// NonceSize is the size of a secretbox nonce in bytes.
const NonceSize = 24

// KeySize is the size of a NetworkKey in bytes.
const KeySize = 32

// Nonce is a 24-byte value used for encryption.
type Nonce [NonceSize]byte

// NetworkKey is a pre-shared key that every peer of one overlay holds.
// Datagrams sealed under a different key are rejected as malformed.
type NetworkKey [KeySize]byte

// GenerateNonce creates a cryptographically secure random nonce.
func GenerateNonce() (Nonce, error) {
	var nonce Nonce
	_, err := rand.Read(nonce[:])
	if err != nil {
		return Nonce{}, err
	}
	return nonce, nil
}

// ParseNetworkKey decodes a 64 character hexadecimal network key.
func ParseNetworkKey(s string) (NetworkKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return NetworkKey{}, fmt.Errorf("network key is not hex: %w", err)
	}
	if len(raw) != KeySize {
		return NetworkKey{}, fmt.Errorf("network key must be %d bytes, got %d", KeySize, len(raw))
	}
	var key NetworkKey
	copy(key[:], raw)
	return key, nil
}

// Seal encrypts and authenticates message under key.
// The output is the random nonce followed by the secretbox ciphertext.
func Seal(message []byte, key NetworkKey) ([]byte, error) {
	if err := limits.ValidateMessageSize(message, limits.MaxSealedPlaintext); err != nil {
		return nil, err
	}

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, NonceSize, NonceSize+len(message)+secretbox.Overhead)
	copy(out, nonce[:])
	return secretbox.Seal(out, message, (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&key)), nil
}
