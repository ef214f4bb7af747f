// Package store provides durable persistence for veilchat's core data.
//
// It contains concrete implementations of the domain storage interfaces:
//   - SQLStore: sqlite-backed chat keys, messages, queue entries and
//     credentials. Private key material is sealed with a passphrase
//     envelope (scrypt + ChaCha20-Poly1305) before it touches disk.
//   - MemoryStore: an in-memory implementation for tests.
//
// All methods are concurrency-safe.
package store
