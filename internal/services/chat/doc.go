// Package chat is the orchestration layer: it owns the inbound event
// loop, routes decoded events to the handshake machine, the message
// store and the delivery queue, and exposes the send/read/delete
// operations the UI calls.
//
// The event loop handles every event to completion before reading the
// next one, so per-chat arrival order holds across event kinds: a
// message that arrives behind a key exchange step is decrypted with the
// key that step produced. Only caller-initiated key generation runs off
// the loop.
package chat
