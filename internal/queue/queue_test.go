package queue_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"veilchat/internal/domain"
	"veilchat/internal/queue"
	"veilchat/internal/services/cipher"
	"veilchat/internal/store"
)

// scriptSender records outbound envelopes and fails on demand.
type scriptSender struct {
	sent   []domain.Envelope
	failOn map[string]error // message ID -> error
}

func (s *scriptSender) SendEnvelope(ctx context.Context, env domain.Envelope) error {
	var ev domain.MessageEvent
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return err
	}
	if err, ok := s.failOn[ev.MessageID]; ok {
		return err
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *scriptSender) sentIDs(t *testing.T) []string {
	t.Helper()
	ids := make([]string, 0, len(s.sent))
	for _, env := range s.sent {
		var ev domain.MessageEvent
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			t.Fatalf("decode sent envelope: %v", err)
		}
		ids = append(ids, ev.MessageID)
	}
	return ids
}

func completeKey(peerID string) domain.ChatKey {
	shared := bytes.Repeat([]byte{0x42}, 32)
	return domain.ChatKey{
		ChatID:    domain.ChatIDForPeer(peerID),
		PeerID:    peerID,
		SharedKey: shared,
		State:     domain.HandshakeComplete,
	}
}

func makeQueue(t *testing.T, sender domain.Sender) (*queue.Queue, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	q := queue.New(st, st, st, cipher.New(), sender, nil)
	return q, st
}

func msgFor(id, peerID string, text string) domain.ChatMessage {
	return domain.ChatMessage{
		ID:        id,
		ChatID:    domain.ChatIDForPeer(peerID),
		SenderID:  "alice",
		Plaintext: []byte(text),
		Status:    domain.StatusSending,
		CreatedAt: 1700000000,
	}
}

func TestQueue_EnqueueRejectsOversized(t *testing.T) {
	q, _ := makeQueue(t, &scriptSender{})
	q.SetLimits(10, 8)

	_, err := q.Enqueue(context.Background(), msgFor("m1", "bob", "way past eight bytes"), "bob")
	if !errors.Is(err, domain.ErrMessageTooLarge) {
		t.Fatalf("want ErrMessageTooLarge, got %v", err)
	}
}

func TestQueue_EnqueueEvictsOldestWhenFull(t *testing.T) {
	q, st := makeQueue(t, &scriptSender{})
	q.SetLimits(2, 1024)

	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		evicted, err := q.Enqueue(ctx, msgFor(fmt.Sprintf("m%d", i), "bob", "hi"), "bob")
		if err != nil || evicted {
			t.Fatalf("enqueue m%d: evicted=%v err=%v", i, evicted, err)
		}
	}
	evicted, err := q.Enqueue(ctx, msgFor("m3", "bob", "hi"), "bob")
	if err != nil {
		t.Fatalf("enqueue m3: %v", err)
	}
	if !evicted {
		t.Fatal("third enqueue over a 2-entry queue did not report eviction")
	}

	entries, err := st.ListEntries()
	if err != nil {
		t.Fatalf("ListEntries: %v", err)
	}
	if len(entries) != 2 || entries[0].MessageID != "m2" || entries[1].MessageID != "m3" {
		t.Fatalf("queue after eviction = %+v", entries)
	}

	m1, ok, err := st.LoadMessage("m1")
	if err != nil || !ok {
		t.Fatalf("LoadMessage m1: ok=%v err=%v", ok, err)
	}
	if m1.Status != domain.StatusError || m1.Pending {
		t.Fatalf("evicted message not surfaced as error: status=%s pending=%v", m1.Status, m1.Pending)
	}
}

func TestQueue_ProcessDrainsFIFOAndMarksSent(t *testing.T) {
	sender := &scriptSender{}
	q, st := makeQueue(t, sender)

	if err := st.SaveChatKey(completeKey("bob")); err != nil {
		t.Fatalf("SaveChatKey: %v", err)
	}
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := q.Enqueue(ctx, msgFor(fmt.Sprintf("m%d", i), "bob", "hello"), "bob"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	if err := q.Process(ctx); err != nil {
		t.Fatalf("Process: %v", err)
	}

	ids := sender.sentIDs(t)
	if len(ids) != 3 || ids[0] != "m1" || ids[1] != "m2" || ids[2] != "m3" {
		t.Fatalf("drain order = %v", ids)
	}

	if n, _ := st.CountEntries(); n != 0 {
		t.Fatalf("queue not empty after drain: %d entries", n)
	}
	for i := 1; i <= 3; i++ {
		m, _, err := st.LoadMessage(fmt.Sprintf("m%d", i))
		if err != nil {
			t.Fatalf("LoadMessage: %v", err)
		}
		if m.Status != domain.StatusSent || m.Pending {
			t.Fatalf("m%d after drain: status=%s pending=%v", i, m.Status, m.Pending)
		}
	}
}

func TestQueue_SealsPlaintextAtDrainTime(t *testing.T) {
	sender := &scriptSender{}
	q, st := makeQueue(t, sender)
	ctx := context.Background()

	// No key yet: the entry keeps the plaintext.
	if _, err := q.Enqueue(ctx, msgFor("m1", "bob", "secret greeting"), "bob"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	entries, _ := st.ListEntries()
	if len(entries) != 1 || string(entries[0].Plaintext) != "secret greeting" {
		t.Fatalf("entry without a key should hold plaintext: %+v", entries)
	}

	// First drain without a key leaves the entry queued.
	if err := q.Process(ctx); err != nil {
		t.Fatalf("Process (no key): %v", err)
	}
	if n, _ := st.CountEntries(); n != 1 {
		t.Fatal("entry for keyless chat was not skipped")
	}

	key := completeKey("bob")
	if err := st.SaveChatKey(key); err != nil {
		t.Fatalf("SaveChatKey: %v", err)
	}
	if err := q.Process(ctx); err != nil {
		t.Fatalf("Process (key complete): %v", err)
	}

	m, _, err := st.LoadMessage("m1")
	if err != nil {
		t.Fatalf("LoadMessage: %v", err)
	}
	if m.Ciphertext == "" {
		t.Fatal("message not sealed at drain time")
	}
	got, err := cipher.New().Open(key, m.Ciphertext)
	if err != nil {
		t.Fatalf("Open drained ciphertext: %v", err)
	}
	if string(got) != "secret greeting" {
		t.Fatalf("round trip = %q", got)
	}
}

func TestQueue_ProcessSkipsChatWithIncompleteKey(t *testing.T) {
	sender := &scriptSender{}
	q, st := makeQueue(t, sender)
	ctx := context.Background()

	if err := st.SaveChatKey(completeKey("bob")); err != nil {
		t.Fatalf("SaveChatKey: %v", err)
	}
	if err := st.SaveChatKey(domain.ChatKey{
		ChatID: domain.ChatIDForPeer("carol"),
		PeerID: "carol",
		State:  domain.HandshakeAwaitingPeerKey,
	}); err != nil {
		t.Fatalf("SaveChatKey: %v", err)
	}

	if _, err := q.Enqueue(ctx, msgFor("m1", "carol", "hi carol"), "carol"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, msgFor("m2", "bob", "hi bob"), "bob"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.Process(ctx); err != nil {
		t.Fatalf("Process: %v", err)
	}

	ids := sender.sentIDs(t)
	if len(ids) != 1 || ids[0] != "m2" {
		t.Fatalf("want only bob's message sent, got %v", ids)
	}
	entries, _ := st.ListEntries()
	if len(entries) != 1 || entries[0].MessageID != "m1" {
		t.Fatalf("carol's message should stay queued: %+v", entries)
	}
}

func TestQueue_SendFailureAbortsPass(t *testing.T) {
	sender := &scriptSender{failOn: map[string]error{"m2": errors.New("write: broken pipe")}}
	q, st := makeQueue(t, sender)
	ctx := context.Background()

	if err := st.SaveChatKey(completeKey("bob")); err != nil {
		t.Fatalf("SaveChatKey: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := q.Enqueue(ctx, msgFor(fmt.Sprintf("m%d", i), "bob", "hello"), "bob"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	err := q.Process(ctx)
	if !errors.Is(err, domain.ErrSendFailed) {
		t.Fatalf("want ErrSendFailed, got %v", err)
	}

	// m1 drained, m2 and m3 still queued in order. m3 must not have been
	// sent around the failure.
	ids := sender.sentIDs(t)
	if len(ids) != 1 || ids[0] != "m1" {
		t.Fatalf("sent before abort = %v", ids)
	}
	entries, _ := st.ListEntries()
	if len(entries) != 2 || entries[0].MessageID != "m2" || entries[1].MessageID != "m3" {
		t.Fatalf("queue after abort = %+v", entries)
	}

	// Clearing the fault drains the rest in order.
	delete(sender.failOn, "m2")
	if err := q.Process(ctx); err != nil {
		t.Fatalf("Process retry: %v", err)
	}
	ids = sender.sentIDs(t)
	if len(ids) != 3 || ids[1] != "m2" || ids[2] != "m3" {
		t.Fatalf("final send order = %v", ids)
	}
}

func TestQueue_ProcessAbortsWhenOffline(t *testing.T) {
	sender := &scriptSender{}
	q, st := makeQueue(t, sender)
	q.SetOnline(func() bool { return false })
	ctx := context.Background()

	if err := st.SaveChatKey(completeKey("bob")); err != nil {
		t.Fatalf("SaveChatKey: %v", err)
	}
	if _, err := q.Enqueue(ctx, msgFor("m1", "bob", "hello"), "bob"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.Process(ctx); !errors.Is(err, domain.ErrNotConnected) {
		t.Fatalf("want ErrNotConnected, got %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("sent messages while offline")
	}
	if n, _ := st.CountEntries(); n != 1 {
		t.Fatal("offline pass should leave the queue untouched")
	}
}

func TestQueue_HasQueuedReportsPerChat(t *testing.T) {
	sender := &scriptSender{}
	q, st := makeQueue(t, sender)
	ctx := context.Background()

	if has, err := q.HasQueued(domain.ChatIDForPeer("bob")); err != nil || has {
		t.Fatalf("empty queue: has=%v err=%v", has, err)
	}

	if _, err := q.Enqueue(ctx, msgFor("m1", "bob", "hi"), "bob"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if has, err := q.HasQueued(domain.ChatIDForPeer("bob")); err != nil || !has {
		t.Fatalf("bob's chat: has=%v err=%v", has, err)
	}
	if has, err := q.HasQueued(domain.ChatIDForPeer("carol")); err != nil || has {
		t.Fatalf("carol's chat should have no backlog: has=%v err=%v", has, err)
	}

	if err := st.SaveChatKey(completeKey("bob")); err != nil {
		t.Fatalf("SaveChatKey: %v", err)
	}
	if err := q.Process(ctx); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if has, err := q.HasQueued(domain.ChatIDForPeer("bob")); err != nil || has {
		t.Fatalf("after drain: has=%v err=%v", has, err)
	}
}

func TestQueue_DeleteChatDropsEntries(t *testing.T) {
	q, st := makeQueue(t, &scriptSender{})
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, msgFor("m1", "bob", "hi"), "bob"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Enqueue(ctx, msgFor("m2", "carol", "hi"), "carol"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := q.DeleteChat(domain.ChatIDForPeer("bob")); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	entries, _ := st.ListEntries()
	if len(entries) != 1 || entries[0].MessageID != "m2" {
		t.Fatalf("entries after delete = %+v", entries)
	}
}
