// Package domain holds the core types shared across the protocol stack:
// per-chat key material, messages, wire events and the error taxonomy.
//
// It has no dependencies on other internal packages so that crypto,
// protocol, transport and storage code can all import it freely.
package domain
