package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"veilchat/internal/domain"
)

// IVSize is the length of the random IV prepended to every ciphertext.
const IVSize = aes.BlockSize

// EncryptAES encrypts plaintext with AES-CBC and PKCS#7 padding.
// The output is iv || ciphertext.
func EncryptAES(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}

	iv, err := RandomBytes(IVSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)

	out := make([]byte, IVSize+len(padded))
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[IVSize:], padded)
	return out, nil
}

// DecryptAES reverses EncryptAES. The first IVSize bytes of blob are the
// IV. There is no integrity tag; a padding mismatch is the only failure
// signal and is surfaced as ErrDecryptionFailed.
func DecryptAES(key, blob []byte) ([]byte, error) {
	if len(blob) < IVSize || (len(blob)-IVSize)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: bad length %d", domain.ErrMalformedCiphertext, len(blob))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
	}

	iv, ct := blob[:IVSize], blob[IVSize:]
	if len(ct) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", domain.ErrMalformedCiphertext)
	}
	padded := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ct)

	plaintext, err := pkcs7Unpad(padded, aes.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte(nil), b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("bad padded length %d", len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size {
		return nil, fmt.Errorf("bad padding byte %d", n)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return b[:len(b)-n], nil
}
