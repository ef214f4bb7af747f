package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"veilchat/internal/domain"
)

// inboundBuffer bounds how far the read pump can run ahead of the event
// loop before backpressure applies.
const inboundBuffer = 32

// WSChannel is the websocket implementation of Channel.
type WSChannel struct {
	url string

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSChannel returns a channel dialing the given websocket URL.
func NewWSChannel(url string) *WSChannel { return &WSChannel{url: url} }

// Connect dials the relay, authenticating with the access token, and
// starts the read pump.
func (c *WSChannel) Connect(ctx context.Context, creds domain.Credentials) (<-chan domain.Envelope, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.AccessToken)
	header.Set("X-User-ID", creds.UserID)
	header.Set("X-Device-ID", creds.DeviceID)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", domain.ErrNotConnected, c.url, err)
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	out := make(chan domain.Envelope, inboundBuffer)
	go c.readPump(conn, out)
	return out, nil
}

// readPump delivers inbound envelopes until the connection dies, then
// closes the stream.
func (c *WSChannel) readPump(conn *websocket.Conn, out chan<- domain.Envelope) {
	defer close(out)
	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			conn.Close()
			return
		}
		out <- env
	}
}

// Send writes one envelope. Safe for concurrent use.
func (c *WSChannel) Send(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return domain.ErrNotConnected
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrSendFailed, err)
	}
	return nil
}

// Close tears down the current connection, if any.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Compile-time assertion that WSChannel implements Channel.
var _ Channel = (*WSChannel)(nil)
