package domain

// HandshakeState tracks a ChatKey through the three-message key exchange.
type HandshakeState string

const (
	// HandshakeUninitialized is the zero state before any exchange.
	HandshakeUninitialized HandshakeState = "uninitialized"
	// HandshakeAwaitingPeerKey is the initiator waiting for chat.key_exchange.
	HandshakeAwaitingPeerKey HandshakeState = "awaiting_peer_key"
	// HandshakeAwaitingCompletion is the responder waiting for chat.key_exchange_complete.
	HandshakeAwaitingCompletion HandshakeState = "awaiting_completion"
	// HandshakeComplete means both partial keys were combined into a shared key.
	HandshakeComplete HandshakeState = "complete"
	// HandshakeFailed marks an aborted attempt; a fresh Initiate is required.
	HandshakeFailed HandshakeState = "failed"
)

// ChatKey is the per-chat key material for one side of a conversation.
//
// OwnPartialKey is generated once per handshake attempt and never
// regenerated; re-keying a chat means replacing the whole record.
type ChatKey struct {
	ChatID string
	PeerID string

	// DER-encoded RSA keys (PKIX public, PKCS#1 private).
	OwnPublicKey  []byte
	OwnPrivateKey []byte
	PeerPublicKey []byte // set once chat.key_exchange arrives

	OwnPartialKey []byte
	SharedKey     []byte // set iff State == HandshakeComplete

	State     HandshakeState
	CreatedAt int64
	UpdatedAt int64
}

// IsComplete reports whether the shared symmetric key is established.
func (k ChatKey) IsComplete() bool {
	return k.State == HandshakeComplete && len(k.SharedKey) > 0
}

// ChatIDForPeer derives the chat identifier for a direct conversation.
// The mapping is deterministic so no separate ID allocation is needed.
func ChatIDForPeer(peerID string) string { return "chat_with_" + peerID }
