package domain

import "context"

// ChatKeyStore persists per-chat key material.
type ChatKeyStore interface {
	SaveChatKey(key ChatKey) error
	LoadChatKey(chatID string) (ChatKey, bool, error)
	ListChatKeys() ([]ChatKey, error)
	DeleteChatKey(chatID string) error
}

// MessageStore persists chat messages (ciphertext only; see ChatMessage).
type MessageStore interface {
	SaveMessage(msg ChatMessage) error
	LoadMessage(id string) (ChatMessage, bool, error)
	UpdateStatus(id string, status MessageStatus, pending bool) error
	ListMessages(chatID string) ([]ChatMessage, error)
	DeleteChatMessages(chatID string) error
}

// QueueEntry is one durable record in the offline delivery queue.
// Plaintext is present only when no symmetric key existed at enqueue
// time; it is replaced by ciphertext during the first drain that finds
// the chat key complete.
type QueueEntry struct {
	Seq       int64
	MessageID string
	ChatID    string
	PeerID    string
	Plaintext []byte
	CreatedAt int64
}

// QueueStore is the durable FIFO backing the offline delivery queue.
type QueueStore interface {
	AppendEntry(e QueueEntry) error
	ListEntries() ([]QueueEntry, error) // FIFO order
	RemoveEntry(seq int64) error
	CountEntries() (int, error)
	RemoveOldest() (QueueEntry, bool, error)
	DeleteChatEntries(chatID string) error
}

// CredentialStore keeps auth tokens and the device identifier.
type CredentialStore interface {
	SaveCredentials(c Credentials) error
	LoadCredentials() (Credentials, bool, error)
}

// Sender pushes a wire envelope towards a peer. Implemented by the
// connection manager; consumed by the handshake machine, queue and chat
// service so they never touch the socket directly.
type Sender interface {
	SendEnvelope(ctx context.Context, env Envelope) error
}
