package transport

import (
	"context"

	"veilchat/internal/domain"
)

// Channel is one bidirectional connection to the relay.
//
// Connect returns the inbound envelope stream for this connection; the
// stream is closed when the connection dies, which is the disconnect
// signal the Manager acts on. Envelopes are delivered in arrival order.
type Channel interface {
	Connect(ctx context.Context, creds domain.Credentials) (<-chan domain.Envelope, error)
	Send(env domain.Envelope) error
	Close() error
}
