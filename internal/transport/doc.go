// Package transport owns the single connection to the relay server.
//
// Channel abstracts the socket (connect, send, ordered receive stream,
// close). Manager wraps a Channel with the resilience policy: keepalive
// probes, fixed-delay reconnect, periodic credential refresh, and a
// foreground/background hook. Everything above this package sends
// through the Manager and never touches the socket.
package transport
