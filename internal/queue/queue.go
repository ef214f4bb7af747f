package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"veilchat/internal/domain"
	"veilchat/internal/services/cipher"
)

// Capacity defaults. Oversized entries are rejected outright; a full
// queue evicts its oldest entry, and the eviction is reported to the
// caller rather than swallowed.
const (
	DefaultMaxEntries    = 1000
	DefaultMaxEntryBytes = 64 * 1024
)

// Queue is the durable FIFO of messages awaiting transport.
type Queue struct {
	store  domain.QueueStore
	keys   domain.ChatKeyStore
	msgs   domain.MessageStore
	cipher *cipher.Service
	sender domain.Sender
	log    *zap.Logger

	// online reports transport availability before a pass starts. When
	// nil the first send error serves as the signal instead.
	online func() bool

	maxEntries    int
	maxEntryBytes int

	processing atomic.Bool
}

// New builds a queue over the given stores and outbound sender.
func New(store domain.QueueStore, keys domain.ChatKeyStore, msgs domain.MessageStore,
	ciph *cipher.Service, sender domain.Sender, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	return &Queue{
		store:         store,
		keys:          keys,
		msgs:          msgs,
		cipher:        ciph,
		sender:        sender,
		log:           log,
		maxEntries:    DefaultMaxEntries,
		maxEntryBytes: DefaultMaxEntryBytes,
	}
}

// SetLimits overrides the capacity policy.
func (q *Queue) SetLimits(maxEntries, maxEntryBytes int) {
	q.maxEntries = maxEntries
	q.maxEntryBytes = maxEntryBytes
}

// SetOnline installs the transport availability probe.
func (q *Queue) SetOnline(fn func() bool) { q.online = fn }

// Enqueue persists msg for later delivery and marks it pending. The
// returned evicted flag is true when the oldest entry was dropped to
// make room; the dropped message is moved to StatusError so the loss is
// visible.
func (q *Queue) Enqueue(ctx context.Context, msg domain.ChatMessage, peerID string) (evicted bool, err error) {
	_ = ctx

	size := len(msg.Plaintext)
	if msg.Ciphertext != "" {
		size = len(msg.Ciphertext)
	}
	if size > q.maxEntryBytes {
		return false, fmt.Errorf("%w: %d bytes (limit %d)", domain.ErrMessageTooLarge, size, q.maxEntryBytes)
	}

	count, err := q.store.CountEntries()
	if err != nil {
		return false, err
	}
	if count >= q.maxEntries {
		oldest, ok, err := q.store.RemoveOldest()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, domain.ErrQueueCapacity
		}
		evicted = true
		if err := q.msgs.UpdateStatus(oldest.MessageID, domain.StatusError, false); err != nil {
			q.log.Error("mark evicted message", zap.String("message_id", oldest.MessageID), zap.Error(err))
		}
		q.log.Warn("queue full, evicted oldest entry",
			zap.String("evicted_message_id", oldest.MessageID),
			zap.String("chat_id", oldest.ChatID))
	}

	msg.Status = domain.StatusSending
	msg.Pending = true
	if err := q.msgs.SaveMessage(msg); err != nil {
		return evicted, err
	}

	entry := domain.QueueEntry{
		MessageID: msg.ID,
		ChatID:    msg.ChatID,
		PeerID:    peerID,
		CreatedAt: msg.CreatedAt,
	}
	if msg.Ciphertext == "" {
		// No symmetric key existed at enqueue time; the plaintext is
		// sealed during the first drain that finds the key complete.
		entry.Plaintext = msg.Plaintext
	}
	if err := q.store.AppendEntry(entry); err != nil {
		return evicted, err
	}
	return evicted, nil
}

// Process drains the queue in FIFO order. At most one pass runs at a
// time; concurrent calls return immediately.
//
// A chat whose key exchange is unfinished is skipped, not blocked on. A
// transport failure aborts the whole pass so relative order survives a
// persistent per-message failure.
func (q *Queue) Process(ctx context.Context) error {
	if !q.processing.CompareAndSwap(false, true) {
		return nil
	}
	defer q.processing.Store(false)

	if q.online != nil && !q.online() {
		return domain.ErrNotConnected
	}

	entries, err := q.store.ListEntries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		key, ok, err := q.keys.LoadChatKey(e.ChatID)
		if err != nil {
			return err
		}
		if !ok || !key.IsComplete() {
			continue // leave queued; other chats keep draining
		}

		msg, found, err := q.msgs.LoadMessage(e.MessageID)
		if err != nil {
			return err
		}
		if !found {
			// Message purged (chat deleted); drop the orphan entry.
			if err := q.store.RemoveEntry(e.Seq); err != nil {
				return err
			}
			continue
		}

		if msg.Ciphertext == "" {
			sealed, err := q.cipher.Seal(key, e.Plaintext)
			if err != nil {
				// Crypto failure with a complete key: surface on the
				// message and drop the entry, the pass continues.
				q.log.Error("seal queued message", zap.String("message_id", msg.ID), zap.Error(err))
				if err := q.msgs.UpdateStatus(msg.ID, domain.StatusError, false); err != nil {
					return err
				}
				if err := q.store.RemoveEntry(e.Seq); err != nil {
					return err
				}
				continue
			}
			msg.Ciphertext = sealed
			if err := q.msgs.SaveMessage(msg); err != nil {
				return err
			}
		}

		env, err := domain.NewEnvelope(domain.EventChatMessage, msg.SenderID, e.PeerID,
			domain.MessageEvent{
				MessageID: msg.ID,
				Content:   msg.Ciphertext,
				Kind:      "text",
				Timestamp: msg.CreatedAt,
			})
		if err != nil {
			return err
		}
		if err := q.sender.SendEnvelope(ctx, env); err != nil {
			// Stop, do not skip: sending around this message would
			// reorder the chat.
			if errors.Is(err, domain.ErrNotConnected) {
				return err
			}
			return fmt.Errorf("%w: message %s: %v", domain.ErrSendFailed, msg.ID, err)
		}

		if err := q.store.RemoveEntry(e.Seq); err != nil {
			return err
		}
		// The recipient's delivered receipt may already have landed;
		// never move the status backwards, only clear the pending flag.
		status := domain.StatusSent
		if cur, ok, err := q.msgs.LoadMessage(msg.ID); err != nil {
			return err
		} else if ok && !status.Supersedes(cur.Status) {
			status = cur.Status
		}
		if err := q.msgs.UpdateStatus(msg.ID, status, false); err != nil {
			return err
		}
		q.log.Debug("drained queued message", zap.String("message_id", msg.ID))
	}
	return nil
}

// HasQueued reports whether chatID still has entries awaiting drain.
// Senders must route new messages through the queue while it does, or
// they would overtake the older ones.
func (q *Queue) HasQueued(chatID string) (bool, error) {
	entries, err := q.store.ListEntries()
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.ChatID == chatID {
			return true, nil
		}
	}
	return false, nil
}

// DeleteChat drops all queued entries for a chat.
func (q *Queue) DeleteChat(chatID string) error {
	return q.store.DeleteChatEntries(chatID)
}
