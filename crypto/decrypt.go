package crypto

import (
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// ErrOpenFailed is returned when a sealed message does not authenticate.
var ErrOpenFailed = errors.New("decryption failed: message authentication failed")

// Open reverses Seal.
func Open(sealed []byte, key NetworkKey) ([]byte, error) {
	if len(sealed) < NonceSize+secretbox.Overhead {
		return nil, errors.New("sealed message too short")
	}

	var nonce Nonce
	copy(nonce[:], sealed[:NonceSize])

	out, ok := secretbox.Open(nil, sealed[NonceSize:], (*[NonceSize]byte)(&nonce), (*[KeySize]byte)(&key))
	if !ok {
		return nil, ErrOpenFailed
	}

	return out, nil
}
