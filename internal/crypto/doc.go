// Package crypto exposes the primitives used by veilchat.
//
// Contents
//
//   - RSA key generation and block-wise PKCS#1 v1.5 encrypt/decrypt
//     (GenerateKeypair, Encrypt, Decrypt). The block cipher is intended for
//     short secrets only: partial keys and wrapped session keys.
//   - AES-CBC with a random IV prepended to the ciphertext
//     (EncryptAES, DecryptAES)
//   - A deterministic SHA-256 counter KDF (DeriveKey)
//   - Cryptographically secure random bytes (RandomBytes)
//   - Best-effort memory wiping for sensitive byte slices (Wipe)
//
// # Notes
//
// Callers should treat returned secrets as sensitive and rely on Wipe when
// practical to reduce lifetime in memory.
package crypto
