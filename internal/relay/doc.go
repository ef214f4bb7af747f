// Package relay is the HTTP client for the relay's auth endpoints.
//
// Register and Login never send the password in the clear, even over
// TLS: each call opens a one-shot bootstrap channel (ephemeral RSA
// keypair, server-issued session key) and seals the credential payload
// with it. Refresh uses the refresh token directly.
package relay
