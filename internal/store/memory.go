package store

import (
	"sort"
	"sync"

	"veilchat/internal/domain"
)

// MemoryStore is an in-memory implementation of the domain stores,
// used by tests and the dev relay.
type MemoryStore struct {
	mu    sync.Mutex
	keys  map[string]domain.ChatKey
	msgs  map[string]domain.ChatMessage
	queue []domain.QueueEntry
	seq   int64
	creds *domain.Credentials
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[string]domain.ChatKey),
		msgs: make(map[string]domain.ChatMessage),
	}
}

// ---------- ChatKeyStore ----------

func (s *MemoryStore) SaveChatKey(key domain.ChatKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ChatID] = key
	return nil
}

func (s *MemoryStore) LoadChatKey(chatID string) (domain.ChatKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[chatID]
	return key, ok, nil
}

func (s *MemoryStore) ListChatKeys() ([]domain.ChatKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ChatKey, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (s *MemoryStore) DeleteChatKey(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, chatID)
	return nil
}

// ---------- MessageStore ----------

func (s *MemoryStore) SaveMessage(msg domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.Plaintext = nil // plaintext never persists
	s.msgs[msg.ID] = msg
	return nil
}

func (s *MemoryStore) LoadMessage(id string) (domain.ChatMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	return msg, ok, nil
}

func (s *MemoryStore) UpdateStatus(id string, status domain.MessageStatus, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return nil
	}
	msg.Status = status
	msg.Pending = pending
	s.msgs[id] = msg
	return nil
}

func (s *MemoryStore) ListMessages(chatID string) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ChatMessage
	for _, msg := range s.msgs {
		if msg.ChatID == chatID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) DeleteChatMessages(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, msg := range s.msgs {
		if msg.ChatID == chatID {
			delete(s.msgs, id)
		}
	}
	return nil
}

// ---------- QueueStore ----------

func (s *MemoryStore) AppendEntry(e domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.Seq = s.seq
	s.queue = append(s.queue, e)
	return nil
}

func (s *MemoryStore) ListEntries() ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.QueueEntry(nil), s.queue...), nil
}

func (s *MemoryStore) RemoveEntry(seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.queue {
		if e.Seq == seq {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *MemoryStore) CountEntries() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue), nil
}

func (s *MemoryStore) RemoveOldest() (domain.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return domain.QueueEntry{}, false, nil
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true, nil
}

func (s *MemoryStore) DeleteChatEntries(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	for _, e := range s.queue {
		if e.ChatID != chatID {
			kept = append(kept, e)
		}
	}
	s.queue = kept
	return nil
}

// ---------- CredentialStore ----------

func (s *MemoryStore) SaveCredentials(c domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = &c
	return nil
}

func (s *MemoryStore) LoadCredentials() (domain.Credentials, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.creds == nil {
		return domain.Credentials{}, false, nil
	}
	return *s.creds, true, nil
}

// Compile-time assertions that MemoryStore implements the domain stores.
var (
	_ domain.ChatKeyStore    = (*MemoryStore)(nil)
	_ domain.MessageStore    = (*MemoryStore)(nil)
	_ domain.QueueStore      = (*MemoryStore)(nil)
	_ domain.CredentialStore = (*MemoryStore)(nil)
)
