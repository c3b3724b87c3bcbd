package limits

import (
	"crypto/rand"
	"errors"
	"testing"

	"golang.org/x/crypto/nacl/secretbox"
)

// TestSealOverheadMatchesSecretbox verifies that sealing a message adds exactly
// SealOverhead bytes once the nonce is prepended.
func TestSealOverheadMatchesSecretbox(t *testing.T) {
	var key [32]byte
	var nonce [24]byte
	if _, err := rand.Read(key[:]); err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}

	for _, size := range []int{1, 100, MaxSealedPlaintext} {
		message := make([]byte, size)
		sealed := secretbox.Seal(nonce[:], message, &nonce, &key)

		if got := len(sealed) - size; got != SealOverhead {
			t.Errorf("For message size %d: overhead = %d bytes, want %d", size, got, SealOverhead)
		}
		if size == MaxSealedPlaintext && len(sealed) != MaxDatagram {
			t.Errorf("Sealed max-size message is %d bytes, want %d", len(sealed), MaxDatagram)
		}
	}
}

func TestConstantConsistency(t *testing.T) {
	if MaxPacketPayload >= MaxSealedPlaintext {
		t.Errorf("MaxPacketPayload (%d) leaves no room for the envelope within %d",
			MaxPacketPayload, MaxSealedPlaintext)
	}
	if MaxSealedPlaintext+SealOverhead != MaxDatagram {
		t.Errorf("MaxSealedPlaintext + SealOverhead = %d, want %d", MaxSealedPlaintext+SealOverhead, MaxDatagram)
	}
}

func TestValidateMessageSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		maxSize int
		wantErr error
	}{
		{"empty", 0, 10, ErrMessageEmpty},
		{"at limit", 10, 10, nil},
		{"over limit", 11, 10, ErrMessageTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessageSize(make([]byte, tt.size), tt.maxSize)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateMessageSize(%d, %d) = %v, want %v", tt.size, tt.maxSize, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDatagram(t *testing.T) {
	if err := ValidateDatagram(nil); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("ValidateDatagram(nil) = %v, want ErrMessageEmpty", err)
	}
	if err := ValidateDatagram(make([]byte, MaxDatagram)); err != nil {
		t.Errorf("ValidateDatagram(max) = %v, want nil", err)
	}
	if err := ValidateDatagram(make([]byte, MaxDatagram+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("ValidateDatagram(max+1) = %v, want ErrMessageTooLarge", err)
	}
}

func TestValidatePacketPayload(t *testing.T) {
	if err := ValidatePacketPayload(nil); err != nil {
		t.Errorf("ValidatePacketPayload(nil) = %v, want nil", err)
	}
	if err := ValidatePacketPayload(make([]byte, MaxPacketPayload)); err != nil {
		t.Errorf("ValidatePacketPayload(max) = %v, want nil", err)
	}
	if err := ValidatePacketPayload(make([]byte, MaxPacketPayload+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("ValidatePacketPayload(max+1) = %v, want ErrMessageTooLarge", err)
	}
}

func BenchmarkValidatePacketPayload(b *testing.B) {
	payload := make([]byte, MaxPacketPayload)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = ValidatePacketPayload(payload)
	}
}
