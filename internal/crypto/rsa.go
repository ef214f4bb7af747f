package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"veilchat/internal/domain"
)

const (
	// DefaultKeyBits is the modulus size used for chat and bootstrap keypairs.
	DefaultKeyBits = 2048

	// pkcs1Overhead is the minimum PKCS#1 v1.5 padding per block.
	pkcs1Overhead = 11
)

// GenerateKeypair creates an RSA keypair with public exponent 65537.
// bits <= 0 selects DefaultKeyBits.
func GenerateKeypair(bits int) (*rsa.PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrKeyGeneration, err)
	}
	return priv, nil
}

// Encrypt encrypts plaintext for pub, splitting it into blocks of
// keyBytes-11 and encrypting each independently. This is not a bulk
// cipher; payloads are expected to be at most a few hundred bytes.
func Encrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	blockSize := pub.Size() - pkcs1Overhead
	if blockSize <= 0 {
		return nil, fmt.Errorf("%w: key too small", domain.ErrEncryptionFailed)
	}

	out := make([]byte, 0, ((len(plaintext)/blockSize)+1)*pub.Size())
	for start := 0; start == 0 || start < len(plaintext); start += blockSize {
		end := start + blockSize
		if end > len(plaintext) {
			end = len(plaintext)
		}
		ct, err := rsa.EncryptPKCS1v15(rand.Reader, pub, plaintext[start:end])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrEncryptionFailed, err)
		}
		out = append(out, ct...)
	}
	return out, nil
}

// Decrypt reverses Encrypt, processing ciphertext in keyBytes blocks.
//
// If the total length is not a multiple of the block size, the complete
// blocks are decrypted and returned together with ErrMalformedCiphertext
// so the truncation is never silent.
func Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	blockSize := priv.Size()
	whole := (len(ciphertext) / blockSize) * blockSize

	out := make([]byte, 0, whole)
	for start := 0; start < whole; start += blockSize {
		pt, err := rsa.DecryptPKCS1v15(rand.Reader, priv, ciphertext[start:start+blockSize])
		if err != nil {
			return nil, fmt.Errorf("%w: block at %d: %v", domain.ErrDecryptionFailed, start, err)
		}
		out = append(out, pt...)
	}
	if whole != len(ciphertext) {
		return out, fmt.Errorf("%w: %d trailing bytes", domain.ErrMalformedCiphertext, len(ciphertext)-whole)
	}
	return out, nil
}

// MarshalPublicKey encodes pub as PKIX DER.
func MarshalPublicKey(pub *rsa.PublicKey) ([]byte, error) {
	return x509.MarshalPKIXPublicKey(pub)
}

// ParsePublicKey decodes a PKIX DER RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("parse public key: not an RSA key")
	}
	return pub, nil
}

// MarshalPrivateKey encodes priv as PKCS#1 DER.
func MarshalPrivateKey(priv *rsa.PrivateKey) []byte {
	return x509.MarshalPKCS1PrivateKey(priv)
}

// ParsePrivateKey decodes a PKCS#1 DER RSA private key.
func ParsePrivateKey(der []byte) (*rsa.PrivateKey, error) {
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return priv, nil
}
