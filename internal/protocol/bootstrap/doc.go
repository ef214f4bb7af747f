// Package bootstrap implements the ephemeral secure channel used to
// authenticate with the server.
//
// A Channel wraps a throwaway RSA keypair and, once the server returns a
// wrapped session key, seals and opens auth payloads with it. Channels are
// single-use and expire five minutes after creation; they are unrelated to
// peer chat keys.
package bootstrap
