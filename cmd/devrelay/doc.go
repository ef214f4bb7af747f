// Package main runs the in-memory relay used by veilchat during
// development and tests. It terminates the sealed auth bootstrap,
// issues JWT token pairs, and routes encrypted envelopes between
// connected websocket clients, queueing them while the recipient is
// offline.
//
// HTTP API
//
//	POST /auth/secure-init
//	    Accept an ephemeral public key for a bootstrap channel and
//	    return a session key wrapped to it.
//
//	POST /auth/register
//	POST /auth/login
//	    Sealed credential exchange over a bootstrap channel; the
//	    response carries sealed access and refresh tokens.
//
//	POST /auth/refresh
//	    Exchange a refresh token for a fresh token pair.
//
//	GET /ws
//	    Authenticated websocket. Envelopes are routed by recipient_id;
//	    pings addressed to the relay are answered with pong.
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - Envelopes for offline recipients are queued and flushed on their
//     next connect.
//   - The relay never sees plaintext or private keys; message payloads
//     are ciphertext end to end.
//   - The default listen address is :8080.
package main
