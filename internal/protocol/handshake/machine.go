package handshake

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"veilchat/internal/crypto"
	"veilchat/internal/domain"
)

// DefaultPendingTTL bounds how long a half-open handshake may wait for
// the peer's next message before it is expired.
const DefaultPendingTTL = 10 * time.Minute

// StateChange is reported to the observer on every ChatKey transition,
// including aborts and re-key retirements, so callers can react without
// string-matching errors.
type StateChange struct {
	ChatID string
	PeerID string
	From   domain.HandshakeState
	To     domain.HandshakeState
	Reason string
}

// Observer receives state transitions. It is called synchronously from
// the event path and must not block.
type Observer func(StateChange)

// Machine drives both sides of the key exchange for all chats of one
// user. Events for the same chat are processed strictly in order; the
// internal lock serialises transitions.
type Machine struct {
	selfID string
	keys   domain.ChatKeyStore
	sender domain.Sender

	mu       sync.Mutex
	observer Observer

	pendingTTL time.Duration
	now        func() time.Time
}

// New constructs a Machine for selfID backed by the given key store and
// outbound sender.
func New(selfID string, keys domain.ChatKeyStore, sender domain.Sender) *Machine {
	return &Machine{
		selfID:     selfID,
		keys:       keys,
		sender:     sender,
		pendingTTL: DefaultPendingTTL,
		now:        time.Now,
	}
}

// OnStateChange registers the transition observer.
func (m *Machine) OnStateChange(fn Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = fn
}

// SetClock overrides the time source; used by tests to exercise expiry.
func (m *Machine) SetClock(now func() time.Time) { m.now = now }

// Initiate starts (or restarts) a handshake with peerID. A fresh keypair
// and partial key are always generated; any previous ChatKey for the
// chat is retired.
func (m *Machine) Initiate(ctx context.Context, peerID string) (domain.ChatKey, error) {
	priv, err := crypto.GenerateKeypair(crypto.DefaultKeyBits)
	if err != nil {
		return domain.ChatKey{}, err
	}
	partial, err := crypto.RandomBytes(crypto.SharedKeyBytes)
	if err != nil {
		return domain.ChatKey{}, err
	}
	pubDER, err := crypto.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return domain.ChatKey{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	chatID := domain.ChatIDForPeer(peerID)
	m.retireExisting(chatID, peerID, "re-initiated")

	ts := m.now().Unix()
	key := domain.ChatKey{
		ChatID:        chatID,
		PeerID:        peerID,
		OwnPublicKey:  pubDER,
		OwnPrivateKey: crypto.MarshalPrivateKey(priv),
		OwnPartialKey: partial,
		State:         domain.HandshakeAwaitingPeerKey,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if err := m.keys.SaveChatKey(key); err != nil {
		return domain.ChatKey{}, err
	}

	env, err := domain.NewEnvelope(domain.EventChatInit, m.selfID, peerID,
		domain.ChatInitEvent{PublicKey: pubDER})
	if err != nil {
		return domain.ChatKey{}, err
	}
	if err := m.sender.SendEnvelope(ctx, env); err != nil {
		return domain.ChatKey{}, err
	}

	m.emit(StateChange{
		ChatID: chatID, PeerID: peerID,
		From: domain.HandshakeUninitialized, To: domain.HandshakeAwaitingPeerKey,
	})
	return key, nil
}

// HandleInit runs the responder side of chat.init: generate our keypair
// and partial key, encrypt the partial to the initiator and reply with
// chat.key_exchange.
//
// A chat.init over a Complete key is a re-keying request: the old key is
// retired via a state transition, never silently overwritten.
func (m *Machine) HandleInit(ctx context.Context, ev domain.ChatInitEvent) error {
	peerPub, err := crypto.ParsePublicKey(ev.PublicKey)
	if err != nil {
		return m.abort(domain.ChatIDForPeer(ev.SenderID), ev.SenderID, fmt.Errorf("peer public key: %w", err))
	}

	priv, err := crypto.GenerateKeypair(crypto.DefaultKeyBits)
	if err != nil {
		return err
	}
	partial, err := crypto.RandomBytes(crypto.SharedKeyBytes)
	if err != nil {
		return err
	}
	pubDER, err := crypto.MarshalPublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}
	wrappedPartial, err := crypto.Encrypt(peerPub, partial)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	chatID := domain.ChatIDForPeer(ev.SenderID)
	m.retireExisting(chatID, ev.SenderID, "peer re-keyed")

	ts := m.now().Unix()
	key := domain.ChatKey{
		ChatID:        chatID,
		PeerID:        ev.SenderID,
		OwnPublicKey:  pubDER,
		OwnPrivateKey: crypto.MarshalPrivateKey(priv),
		PeerPublicKey: ev.PublicKey,
		OwnPartialKey: partial,
		State:         domain.HandshakeAwaitingCompletion,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
	if err := m.keys.SaveChatKey(key); err != nil {
		return err
	}

	env, err := domain.NewEnvelope(domain.EventChatKeyExchange, m.selfID, ev.SenderID,
		domain.KeyExchangeEvent{PublicKey: pubDER, EncryptedPartialKey: wrappedPartial})
	if err != nil {
		return err
	}
	if err := m.sender.SendEnvelope(ctx, env); err != nil {
		return err
	}

	m.emit(StateChange{
		ChatID: chatID, PeerID: ev.SenderID,
		From: domain.HandshakeUninitialized, To: domain.HandshakeAwaitingCompletion,
	})
	return nil
}

// HandleKeyExchange runs the initiator's final step: decrypt the peer's
// partial key, derive the shared key, and return our partial encrypted
// to the peer via chat.key_exchange_complete.
//
// The partial key from Initiate is reused, never regenerated.
func (m *Machine) HandleKeyExchange(ctx context.Context, ev domain.KeyExchangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	chatID := domain.ChatIDForPeer(ev.SenderID)
	key, ok, err := m.keys.LoadChatKey(chatID)
	if err != nil {
		return err
	}
	if !ok || key.State != domain.HandshakeAwaitingPeerKey {
		// Stray or duplicate reply; the state machine has moved on.
		return nil
	}

	priv, err := crypto.ParsePrivateKey(key.OwnPrivateKey)
	if err != nil {
		return m.abortLocked(key, fmt.Errorf("own private key: %w", err))
	}
	peerPartial, err := crypto.Decrypt(priv, ev.EncryptedPartialKey)
	if err != nil {
		return m.abortLocked(key, fmt.Errorf("peer partial key: %w", err))
	}
	defer crypto.Wipe(peerPartial)

	peerPub, err := crypto.ParsePublicKey(ev.PublicKey)
	if err != nil {
		return m.abortLocked(key, fmt.Errorf("peer public key: %w", err))
	}
	wrappedPartial, err := crypto.Encrypt(peerPub, key.OwnPartialKey)
	if err != nil {
		return m.abortLocked(key, err)
	}

	key.PeerPublicKey = ev.PublicKey
	key.SharedKey = CombinePartialKeys(m.selfID, key.OwnPartialKey, ev.SenderID, peerPartial)
	key.State = domain.HandshakeComplete
	key.UpdatedAt = m.now().Unix()
	if err := m.keys.SaveChatKey(key); err != nil {
		return err
	}

	env, err := domain.NewEnvelope(domain.EventChatKeyExchangeDone, m.selfID, ev.SenderID,
		domain.KeyExchangeCompleteEvent{EncryptedPartialKey: wrappedPartial})
	if err != nil {
		return err
	}
	if err := m.sender.SendEnvelope(ctx, env); err != nil {
		return err
	}

	m.emit(StateChange{
		ChatID: chatID, PeerID: ev.SenderID,
		From: domain.HandshakeAwaitingPeerKey, To: domain.HandshakeComplete,
	})
	return nil
}

// HandleComplete runs the responder's final step: decrypt the
// initiator's partial key and derive the shared key.
func (m *Machine) HandleComplete(ctx context.Context, ev domain.KeyExchangeCompleteEvent) error {
	_ = ctx

	m.mu.Lock()
	defer m.mu.Unlock()

	chatID := domain.ChatIDForPeer(ev.SenderID)
	key, ok, err := m.keys.LoadChatKey(chatID)
	if err != nil {
		return err
	}
	if !ok || key.State != domain.HandshakeAwaitingCompletion {
		return nil
	}

	priv, err := crypto.ParsePrivateKey(key.OwnPrivateKey)
	if err != nil {
		return m.abortLocked(key, fmt.Errorf("own private key: %w", err))
	}
	peerPartial, err := crypto.Decrypt(priv, ev.EncryptedPartialKey)
	if err != nil {
		return m.abortLocked(key, fmt.Errorf("peer partial key: %w", err))
	}
	defer crypto.Wipe(peerPartial)

	key.SharedKey = CombinePartialKeys(m.selfID, key.OwnPartialKey, ev.SenderID, peerPartial)
	key.State = domain.HandshakeComplete
	key.UpdatedAt = m.now().Unix()
	if err := m.keys.SaveChatKey(key); err != nil {
		return err
	}

	m.emit(StateChange{
		ChatID: chatID, PeerID: ev.SenderID,
		From: domain.HandshakeAwaitingCompletion, To: domain.HandshakeComplete,
	})
	return nil
}

// ExpireStale fails pending handshakes whose last transition is older
// than the pending TTL. Intended to run periodically from the owner of
// the event loop.
func (m *Machine) ExpireStale() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys, err := m.keys.ListChatKeys()
	if err != nil {
		return err
	}
	cutoff := m.now().Add(-m.pendingTTL).Unix()
	for _, key := range keys {
		if key.State != domain.HandshakeAwaitingPeerKey && key.State != domain.HandshakeAwaitingCompletion {
			continue
		}
		if key.UpdatedAt > cutoff {
			continue
		}
		err := m.abortLocked(key, fmt.Errorf("pending handshake expired"))
		if err != nil && !errors.Is(err, domain.ErrHandshakeAborted) {
			return err
		}
	}
	return nil
}

// CombinePartialKeys derives the shared chat key from the two partial
// keys. The partial belonging to the lexicographically smaller user
// identifier goes first, so both sides compute the same material
// regardless of who initiated.
func CombinePartialKeys(selfID string, ownPartial []byte, peerID string, peerPartial []byte) []byte {
	first, second := ownPartial, peerPartial
	if peerID < selfID {
		first, second = peerPartial, ownPartial
	}
	material := make([]byte, 0, len(first)+len(second))
	material = append(material, first...)
	material = append(material, second...)
	defer crypto.Wipe(material)
	return crypto.DeriveKey(material, crypto.SharedKeyBytes)
}

// retireExisting transitions any current key for chatID out of service
// before a new handshake replaces it. Caller holds the lock.
func (m *Machine) retireExisting(chatID, peerID, reason string) {
	key, ok, err := m.keys.LoadChatKey(chatID)
	if err != nil || !ok {
		return
	}
	m.emit(StateChange{
		ChatID: chatID, PeerID: peerID,
		From: key.State, To: domain.HandshakeUninitialized,
		Reason: reason,
	})
}

// abort marks the chat's key as failed. Used before any key exists in
// store for the attempt.
func (m *Machine) abort(chatID, peerID string, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok, err := m.keys.LoadChatKey(chatID)
	if err != nil {
		return err
	}
	if !ok {
		key = domain.ChatKey{ChatID: chatID, PeerID: peerID, State: domain.HandshakeUninitialized}
	}
	return m.abortLocked(key, cause)
}

// abortLocked fails the given key and reports the transition. Caller
// holds the lock.
func (m *Machine) abortLocked(key domain.ChatKey, cause error) error {
	from := key.State
	key.SharedKey = nil
	key.State = domain.HandshakeFailed
	key.UpdatedAt = m.now().Unix()
	if err := m.keys.SaveChatKey(key); err != nil {
		return err
	}
	m.emit(StateChange{
		ChatID: key.ChatID, PeerID: key.PeerID,
		From: from, To: domain.HandshakeFailed,
		Reason: cause.Error(),
	})
	return fmt.Errorf("%w: %v", domain.ErrHandshakeAborted, cause)
}

func (m *Machine) emit(sc StateChange) {
	if m.observer != nil {
		m.observer(sc)
	}
}
