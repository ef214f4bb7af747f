package chat_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"veilchat/internal/crypto"
	"veilchat/internal/domain"
	"veilchat/internal/protocol/handshake"
	"veilchat/internal/queue"
	"veilchat/internal/services/chat"
	"veilchat/internal/services/cipher"
	"veilchat/internal/store"
	"veilchat/internal/transport"
)

// pipeConn is an in-memory Connection: Send pushes into the peer's
// inbound stream. Two of them wired together stand in for a relay.
type pipeConn struct {
	mu    sync.Mutex
	state transport.State
	subs  []func(transport.State)
	in    chan domain.Envelope
	peer  *pipeConn
	sent  []domain.Envelope
}

func newPipeConn() *pipeConn {
	return &pipeConn{state: transport.StateDisconnected, in: make(chan domain.Envelope, 64)}
}

func (c *pipeConn) SendEnvelope(ctx context.Context, env domain.Envelope) error {
	c.mu.Lock()
	st, peer := c.state, c.peer
	c.sent = append(c.sent, env)
	c.mu.Unlock()
	if st != transport.StateConnected {
		return domain.ErrNotConnected
	}
	peer.in <- env
	return nil
}

func (c *pipeConn) Events() <-chan domain.Envelope { return c.in }

func (c *pipeConn) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *pipeConn) OnStateChange(fn func(transport.State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

func (c *pipeConn) setState(s transport.State) {
	c.mu.Lock()
	c.state = s
	subs := append([]func(transport.State){}, c.subs...)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// setStateQuiet flips the state without notifying subscribers, for
// tests that need the transport up before any reconnect work has run.
func (c *pipeConn) setStateQuiet(s transport.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *pipeConn) sentOfType(t domain.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, env := range c.sent {
		if env.Type == t {
			n++
		}
	}
	return n
}

type side struct {
	id   string
	svc  *chat.Service
	st   *store.MemoryStore
	conn *pipeConn
}

func makeSide(t *testing.T, id string) *side {
	t.Helper()
	st := store.NewMemoryStore()
	conn := newPipeConn()
	ciph := cipher.New()
	machine := handshake.New(id, st, conn)
	q := queue.New(st, st, st, ciph, conn, nil)
	svc := chat.New(id, st, st, ciph, machine, q, conn, nil)
	return &side{id: id, svc: svc, st: st, conn: conn}
}

// connect wires two sides together and marks both transports up.
func connect(t *testing.T, ctx context.Context, a, b *side) {
	t.Helper()
	a.conn.peer = b.conn
	b.conn.peer = a.conn
	go a.svc.Run(ctx)
	go b.svc.Run(ctx)
	a.conn.setState(transport.StateConnected)
	b.conn.setState(transport.StateConnected)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// installSharedKey gives both sides a complete key pair out of band, for
// tests that do not exercise the handshake itself.
func installSharedKey(t *testing.T, a, b *side) {
	t.Helper()
	shared := bytes.Repeat([]byte{0x07}, 32)
	for _, pair := range []struct{ self, peer *side }{{a, b}, {b, a}} {
		if err := pair.self.st.SaveChatKey(domain.ChatKey{
			ChatID:    domain.ChatIDForPeer(pair.peer.id),
			PeerID:    pair.peer.id,
			SharedKey: shared,
			State:     domain.HandshakeComplete,
		}); err != nil {
			t.Fatalf("SaveChatKey: %v", err)
		}
	}
}

// inbox records messages delivered through OnMessage.
type inbox struct {
	mu   sync.Mutex
	msgs []domain.ChatMessage
}

func (i *inbox) add(m domain.ChatMessage) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs = append(i.msgs, m)
}

func (i *inbox) find(id string) (domain.ChatMessage, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, m := range i.msgs {
		if m.ID == id {
			return m, true
		}
	}
	return domain.ChatMessage{}, false
}

func (i *inbox) ids() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]string, 0, len(i.msgs))
	for _, m := range i.msgs {
		out = append(out, m.ID)
	}
	return out
}

func keyState(s *side, peerID string) domain.HandshakeState {
	key, ok, err := s.st.LoadChatKey(domain.ChatIDForPeer(peerID))
	if err != nil || !ok {
		return domain.HandshakeUninitialized
	}
	return key.State
}

func TestService_HandshakeAndMessageEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := makeSide(t, "alice")
	bob := makeSide(t, "bob")
	var recv inbox
	bob.svc.OnMessage(recv.add)
	connect(t, ctx, alice, bob)

	if err := alice.svc.StartChat(ctx, "bob"); err != nil {
		t.Fatalf("StartChat: %v", err)
	}
	waitFor(t, "both keys complete", func() bool {
		return keyState(alice, "bob") == domain.HandshakeComplete &&
			keyState(bob, "alice") == domain.HandshakeComplete
	})

	msg, evicted, err := alice.svc.Send(ctx, "bob", []byte("hello bob"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if evicted || msg.Pending {
		t.Fatalf("direct send over a live connection queued: %+v", msg)
	}

	var got domain.ChatMessage
	waitFor(t, "bob receives the message", func() bool {
		m, ok := recv.find(msg.ID)
		got = m
		return ok
	})
	if got.Undecryptable {
		t.Fatal("message arrived undecryptable")
	}
	if string(got.Plaintext) != "hello bob" {
		t.Fatalf("plaintext = %q", got.Plaintext)
	}
	// The persisted copy holds ciphertext only.
	stored, ok, err := bob.st.LoadMessage(msg.ID)
	if err != nil || !ok {
		t.Fatalf("LoadMessage: ok=%v err=%v", ok, err)
	}
	if len(stored.Plaintext) != 0 || stored.Ciphertext == "" {
		t.Fatalf("stored message leaks plaintext or lost ciphertext: %+v", stored)
	}

	// The delivered receipt flows back to the sender.
	waitFor(t, "delivered receipt", func() bool {
		m, ok, _ := alice.st.LoadMessage(msg.ID)
		return ok && m.Status == domain.StatusDelivered
	})

	// A read receipt follows the same path.
	if err := bob.svc.MarkRead(ctx, "alice", msg.ID); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	waitFor(t, "read receipt", func() bool {
		m, ok, _ := alice.st.LoadMessage(msg.ID)
		return ok && m.Status == domain.StatusRead
	})
}

func TestService_OfflineSendQueuesThenDrainsOnReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := makeSide(t, "alice")
	bob := makeSide(t, "bob")
	installSharedKey(t, alice, bob)
	var recv inbox
	bob.svc.OnMessage(recv.add)

	alice.conn.peer = bob.conn
	bob.conn.peer = alice.conn
	go alice.svc.Run(ctx)
	go bob.svc.Run(ctx)
	bob.conn.setState(transport.StateConnected)
	// alice stays disconnected.

	msg, _, err := alice.svc.Send(ctx, "bob", []byte("sent while offline"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !msg.Pending {
		t.Fatal("offline send was not queued")
	}
	// Key is complete, so the queued entry must already be sealed.
	entries, err := alice.st.ListEntries()
	if err != nil || len(entries) != 1 {
		t.Fatalf("queue entries = %v (err %v)", entries, err)
	}
	if len(entries[0].Plaintext) != 0 {
		t.Fatal("plaintext persisted in the queue despite a complete key")
	}

	alice.conn.setState(transport.StateConnected)
	waitFor(t, "queued message drains to bob", func() bool {
		m, ok := recv.find(msg.ID)
		return ok && string(m.Plaintext) == "sent while offline"
	})
	waitFor(t, "sender sees the drain", func() bool {
		m, ok, _ := alice.st.LoadMessage(msg.ID)
		return ok && !m.Pending && m.Status != domain.StatusSending
	})
}

func TestService_SendToNewPeerInitiatesHandshake(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := makeSide(t, "alice")
	bob := makeSide(t, "bob")
	var recv inbox
	bob.svc.OnMessage(recv.add)
	connect(t, ctx, alice, bob)

	msg, _, err := alice.svc.Send(ctx, "bob", []byte("first contact"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !msg.Pending {
		t.Fatal("send without a key was not queued")
	}

	// The implicit handshake converges and the queue drains on its own.
	waitFor(t, "handshake completes and message arrives", func() bool {
		m, ok := recv.find(msg.ID)
		return ok && string(m.Plaintext) == "first contact"
	})
}

// A message can arrive in the same burst as the key exchange step that
// produced its key. The event loop must finish the key step before it
// touches the message, or the message lands as undecryptable.
func TestService_MessageBehindKeyExchangeCompleteDecrypts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := makeSide(t, "alice")
	bob := makeSide(t, "bob")
	var recv inbox
	bob.svc.OnMessage(recv.add)
	connect(t, ctx, alice, bob)

	// Put bob one step from completion, as if chat.init and
	// chat.key_exchange already ran. Small key, the strength is not
	// under test.
	priv, err := crypto.GenerateKeypair(1024)
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	bobPartial, err := crypto.RandomBytes(crypto.SharedKeyBytes)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	alicePartial, err := crypto.RandomBytes(crypto.SharedKeyBytes)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	if err := bob.st.SaveChatKey(domain.ChatKey{
		ChatID:        domain.ChatIDForPeer("alice"),
		PeerID:        "alice",
		OwnPrivateKey: crypto.MarshalPrivateKey(priv),
		OwnPartialKey: bobPartial,
		State:         domain.HandshakeAwaitingCompletion,
	}); err != nil {
		t.Fatalf("SaveChatKey: %v", err)
	}

	wrapped, err := crypto.Encrypt(&priv.PublicKey, alicePartial)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	shared := handshake.CombinePartialKeys("alice", alicePartial, "bob", bobPartial)
	sealed, err := cipher.New().Seal(domain.ChatKey{
		ChatID:    domain.ChatIDForPeer("bob"),
		SharedKey: shared,
		State:     domain.HandshakeComplete,
	}, []byte("right behind you"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	done, err := domain.NewEnvelope(domain.EventChatKeyExchangeDone, "alice", "bob",
		domain.KeyExchangeCompleteEvent{EncryptedPartialKey: wrapped})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	msgEnv, err := domain.NewEnvelope(domain.EventChatMessage, "alice", "bob",
		domain.MessageEvent{MessageID: "m-tight", Content: sealed, Kind: "text", Timestamp: 1})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	// Back to back, no gap for the key step to settle in.
	bob.conn.in <- done
	bob.conn.in <- msgEnv

	waitFor(t, "message decrypts with the just-derived key", func() bool {
		m, ok := recv.find("m-tight")
		return ok && !m.Undecryptable && string(m.Plaintext) == "right behind you"
	})
	if st := keyState(bob, "alice"); st != domain.HandshakeComplete {
		t.Fatalf("key state = %v, want complete", st)
	}
}

// While a chat has entries waiting in the queue, a fresh send must join
// them rather than go out directly, even over a live connection.
func TestService_SendQueuesBehindExistingBacklog(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := makeSide(t, "alice")
	bob := makeSide(t, "bob")
	installSharedKey(t, alice, bob)
	var recv inbox
	bob.svc.OnMessage(recv.add)

	alice.conn.peer = bob.conn
	bob.conn.peer = alice.conn
	go alice.svc.Run(ctx)
	go bob.svc.Run(ctx)
	bob.conn.setState(transport.StateConnected)
	// alice stays disconnected.

	m1, _, err := alice.svc.Send(ctx, "bob", []byte("first"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !m1.Pending {
		t.Fatal("offline send was not queued")
	}

	// The transport comes back before the drain has run: the next send
	// must line up behind the queued entry.
	alice.conn.setStateQuiet(transport.StateConnected)
	m2, _, err := alice.svc.Send(ctx, "bob", []byte("second"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !m2.Pending {
		t.Fatal("send with a queued backlog went out directly")
	}
	entries, err := alice.st.ListEntries()
	if err != nil || len(entries) != 2 {
		t.Fatalf("queue entries = %v (err %v)", entries, err)
	}
	if entries[0].MessageID != m1.ID || entries[1].MessageID != m2.ID {
		t.Fatalf("queue order = [%s %s], want [%s %s]",
			entries[0].MessageID, entries[1].MessageID, m1.ID, m2.ID)
	}

	// Announce the reconnect; the drain delivers both, oldest first.
	alice.conn.setState(transport.StateConnected)
	waitFor(t, "backlog drains to bob", func() bool {
		_, ok1 := recv.find(m1.ID)
		_, ok2 := recv.find(m2.ID)
		return ok1 && ok2
	})
	if got := recv.ids(); len(got) != 2 || got[0] != m1.ID || got[1] != m2.ID {
		t.Fatalf("delivery order = %v, want [%s %s]", got, m1.ID, m2.ID)
	}
}

func TestService_UndecryptableMessageIsKept(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := makeSide(t, "alice")
	bob := makeSide(t, "bob")
	installSharedKey(t, alice, bob)
	connect(t, ctx, alice, bob)

	env, err := domain.NewEnvelope(domain.EventChatMessage, "alice", "bob",
		domain.MessageEvent{MessageID: "bad-1", Content: "!!not-base64!!", Kind: "text", Timestamp: 1})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	bob.conn.in <- env

	waitFor(t, "undecryptable message persisted", func() bool {
		m, ok, _ := bob.st.LoadMessage("bad-1")
		return ok && m.Undecryptable && m.Ciphertext == "!!not-base64!!"
	})
}

func TestService_PingAnsweredWithPong(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := makeSide(t, "alice")
	bob := makeSide(t, "bob")
	connect(t, ctx, alice, bob)

	ping, err := domain.NewEnvelope(domain.EventPing, "alice", "bob", nil)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	bob.conn.in <- ping

	waitFor(t, "pong reply", func() bool {
		return bob.conn.sentOfType(domain.EventPong) == 1
	})
}

func TestService_DeletePropagatesToPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice := makeSide(t, "alice")
	bob := makeSide(t, "bob")
	installSharedKey(t, alice, bob)
	connect(t, ctx, alice, bob)

	msg, _, err := alice.svc.Send(ctx, "bob", []byte("to be deleted"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, "bob has the message", func() bool {
		_, ok, _ := bob.st.LoadMessage(msg.ID)
		return ok
	})

	if err := alice.svc.DeleteChat(ctx, "bob"); err != nil {
		t.Fatalf("DeleteChat: %v", err)
	}
	if _, ok, _ := alice.st.LoadChatKey(domain.ChatIDForPeer("bob")); ok {
		t.Fatal("local chat key survived delete")
	}
	waitFor(t, "bob purges the chat", func() bool {
		_, haveKey, _ := bob.st.LoadChatKey(domain.ChatIDForPeer("alice"))
		msgs, _ := bob.st.ListMessages(domain.ChatIDForPeer("alice"))
		return !haveKey && len(msgs) == 0
	})
}
