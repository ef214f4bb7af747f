package domain

// MessageStatus is the delivery state of a chat message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusError     MessageStatus = "error"
)

// statusOrder ranks delivery states so a racing receipt can never move
// a message backwards (a peer's delivered receipt may beat the sender's
// own sent bookkeeping).
var statusOrder = map[MessageStatus]int{
	StatusSending:   0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
	StatusError:     4,
}

// Supersedes reports whether s is a strictly later delivery state than
// prev.
func (s MessageStatus) Supersedes(prev MessageStatus) bool {
	return statusOrder[s] > statusOrder[prev]
}

// ChatMessage is a single message in a chat.
//
// Plaintext is only ever held in memory. Once a chat key is complete the
// ciphertext must be computed before the message is persisted; plaintext
// at rest is allowed only while no symmetric key exists for the chat.
type ChatMessage struct {
	ID       string
	ChatID   string
	SenderID string

	Plaintext  []byte `json:"-"`
	Ciphertext string // base64(iv || aes-cbc ciphertext)

	Status  MessageStatus
	Pending bool // true while sitting in the offline delivery queue

	// Undecryptable marks an inbound message whose ciphertext failed to
	// open; the record is kept rather than dropped.
	Undecryptable bool

	CreatedAt int64
}
