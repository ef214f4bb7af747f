package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"veilchat/internal/domain"
)

// SharedKeyBytes is the length of derived chat and session keys (AES-256).
const SharedKeyBytes = 32

// DeriveKey derives length bytes from material with a SHA-256 counter
// construction. It is a pure function of material: both handshake sides
// must obtain identical output from identical input.
//
// For length <= 32 a single hash is truncated; longer outputs append
// hash(material || counter) blocks until enough bytes exist.
func DeriveKey(material []byte, length int) []byte {
	if length <= 0 {
		length = SharedKeyBytes
	}
	if length <= sha256.Size {
		sum := sha256.Sum256(material)
		return sum[:length]
	}

	out := make([]byte, 0, length+sha256.Size)
	for counter := byte(0); len(out) < length; counter++ {
		h := sha256.New()
		h.Write(material)
		h.Write([]byte{counter})
		out = h.Sum(out)
	}
	return out[:length]
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyGeneration, err)
	}
	return b, nil
}
