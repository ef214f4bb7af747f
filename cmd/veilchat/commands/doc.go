// Package commands defines the veilchat CLI and wires dependencies for
// subcommands.
//
// Commands
//
//   - register   Create an account on the relay
//   - login      Authenticate an existing account
//   - start      Open an encrypted chat with a peer (key exchange)
//   - send       Encrypt and send a message (queued when offline)
//   - listen     Stay connected and print incoming messages
//   - delete     Remove a conversation locally and on the peer
//   - status     Show connection, token and queue state
//
// # Implementation
//
// The root command loads configuration (VEILCHAT_* environment, .env
// file, flags) and builds the dependency graph before any subcommand
// runs. Commands that need a live connection start the transport
// manager and event loop for the duration of the call.
package commands
