package cipher

import (
	"fmt"

	"veilchat/internal/crypto"
	"veilchat/internal/domain"
)

// Service encrypts and decrypts message payloads using per-chat keys.
// Ciphertext crosses the wire base64-encoded; the encoding happens here
// so callers never handle raw blobs.
type Service struct{}

// New returns a message cipher service.
func New() *Service { return &Service{} }

// Seal encrypts plaintext under the chat's shared key. The key must be
// complete; callers queue the plaintext otherwise.
func (s *Service) Seal(key domain.ChatKey, plaintext []byte) (string, error) {
	if !key.IsComplete() {
		return "", fmt.Errorf("%w: chat %s is %s", domain.ErrKeysNotReady, key.ChatID, key.State)
	}
	blob, err := crypto.EncryptAES(key.SharedKey, plaintext)
	if err != nil {
		return "", err
	}
	return crypto.B64(blob), nil
}

// Open decrypts a sealed payload. On cipher failure the caller must keep
// the message with an undecryptable marker rather than dropping it; the
// returned error wraps ErrDecryptionFailed so that decision is typed.
func (s *Service) Open(key domain.ChatKey, encoded string) ([]byte, error) {
	if !key.IsComplete() {
		return nil, fmt.Errorf("%w: chat %s is %s", domain.ErrKeysNotReady, key.ChatID, key.State)
	}
	blob, err := crypto.B64Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCiphertext, err)
	}
	return crypto.DecryptAES(key.SharedKey, blob)
}
