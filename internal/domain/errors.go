package domain

import "errors"

// Crypto errors.
var (
	ErrKeyGeneration       = errors.New("key generation failed")
	ErrEncryptionFailed    = errors.New("encryption failed")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrMalformedCiphertext = errors.New("malformed ciphertext")
)

// Protocol errors.
var (
	ErrKeysNotReady     = errors.New("chat keys not ready")
	ErrChannelExpired   = errors.New("bootstrap channel expired")
	ErrChannelUsed      = errors.New("bootstrap channel already used")
	ErrHandshakeAborted = errors.New("handshake aborted")
)

// Transport errors.
var (
	ErrNotConnected = errors.New("transport not connected")
	ErrSendFailed   = errors.New("transport send failed")
)

// Queue errors.
var (
	ErrQueueCapacity   = errors.New("queue capacity exceeded")
	ErrMessageTooLarge = errors.New("message exceeds queue entry size limit")
)
