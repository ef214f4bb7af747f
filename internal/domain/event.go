package domain

import (
	"encoding/json"
	"fmt"
)

// EventType tags a wire envelope. The set is fixed; unknown types are
// rejected at the transport boundary.
type EventType string

const (
	EventChatInit            EventType = "chat.init"
	EventChatKeyExchange     EventType = "chat.key_exchange"
	EventChatKeyExchangeDone EventType = "chat.key_exchange_complete"
	EventChatMessage         EventType = "chat.message"
	EventChatStatus          EventType = "chat.status"
	EventChatDelete          EventType = "chat.delete"
	EventPing                EventType = "ping"
	EventPong                EventType = "pong"
)

// Envelope is the wire frame exchanged over the transport channel.
type Envelope struct {
	Type        EventType       `json:"type"`
	SenderID    string          `json:"sender_id"`
	RecipientID string          `json:"recipient_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Event is the decoded form of an Envelope. It is a closed set: every
// implementation lives in this package and dispatch switches over it
// exhaustively.
type Event interface{ isEvent() }

// ChatInitEvent opens a handshake; carries the initiator's public key.
type ChatInitEvent struct {
	SenderID  string
	PublicKey []byte `json:"public_key"`
}

// KeyExchangeEvent is the responder's reply: its public key plus its
// partial key encrypted to the initiator.
type KeyExchangeEvent struct {
	SenderID            string
	PublicKey           []byte `json:"public_key"`
	EncryptedPartialKey []byte `json:"encrypted_partial_key"`
}

// KeyExchangeCompleteEvent closes the handshake: the initiator's partial
// key encrypted to the responder.
type KeyExchangeCompleteEvent struct {
	SenderID            string
	EncryptedPartialKey []byte `json:"encrypted_partial_key"`
}

// MessageEvent carries an encrypted chat payload.
type MessageEvent struct {
	SenderID  string
	MessageID string            `json:"message_id"`
	Content   string            `json:"content"` // base64 ciphertext
	Kind      string            `json:"type"`
	Timestamp int64             `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StatusEvent reports delivery progress for a message.
type StatusEvent struct {
	SenderID  string
	MessageID string        `json:"message_id"`
	Status    MessageStatus `json:"status"`
}

// DeleteEvent asks the recipient to drop the conversation.
type DeleteEvent struct {
	SenderID string
}

// PingEvent is the keepalive probe; PongEvent its reply. Neither carries
// a payload.
type PingEvent struct{ SenderID string }
type PongEvent struct{ SenderID string }

func (ChatInitEvent) isEvent()            {}
func (KeyExchangeEvent) isEvent()         {}
func (KeyExchangeCompleteEvent) isEvent() {}
func (MessageEvent) isEvent()             {}
func (StatusEvent) isEvent()              {}
func (DeleteEvent) isEvent()              {}
func (PingEvent) isEvent()                {}
func (PongEvent) isEvent()                {}

// DecodeEnvelope turns a wire envelope into a typed event. It is the
// single place the string tag is interpreted.
func DecodeEnvelope(env Envelope) (Event, error) {
	switch env.Type {
	case EventChatInit:
		var ev ChatInitEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev.SenderID = env.SenderID
		return ev, nil
	case EventChatKeyExchange:
		var ev KeyExchangeEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev.SenderID = env.SenderID
		return ev, nil
	case EventChatKeyExchangeDone:
		var ev KeyExchangeCompleteEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev.SenderID = env.SenderID
		return ev, nil
	case EventChatMessage:
		var ev MessageEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev.SenderID = env.SenderID
		return ev, nil
	case EventChatStatus:
		var ev StatusEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		ev.SenderID = env.SenderID
		return ev, nil
	case EventChatDelete:
		return DeleteEvent{SenderID: env.SenderID}, nil
	case EventPing:
		return PingEvent{SenderID: env.SenderID}, nil
	case EventPong:
		return PongEvent{SenderID: env.SenderID}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// NewEnvelope builds a wire envelope with a JSON payload. A nil payload
// produces an empty data field (ping, pong, chat.delete).
func NewEnvelope(t EventType, sender, recipient string, payload any) (Envelope, error) {
	env := Envelope{Type: t, SenderID: sender, RecipientID: recipient}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", t, err)
	}
	env.Data = data
	return env, nil
}
