// Package queue implements the durable offline delivery queue.
//
// Outbound messages land here whenever the transport is down or the
// chat's key exchange has not finished. Entries drain in FIFO order on
// reconnect; a send failure stops the pass so per-chat order is never
// reshuffled around a failing message.
package queue
