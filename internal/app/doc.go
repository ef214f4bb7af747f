// Package app wires application dependencies for the CLI.
//
// It builds the concrete store, clients and services from Config. The
// graph comes in two layers: Wire is everything available before login
// (store, relay auth client, logger), Session adds the per-user stack
// once credentials exist.
package app
