package chat

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veilchat/internal/domain"
	"veilchat/internal/protocol/handshake"
	"veilchat/internal/queue"
	"veilchat/internal/services/cipher"
	"veilchat/internal/transport"
)

// DefaultExpireEvery is how often pending handshakes are swept.
const DefaultExpireEvery = time.Minute

// Connection is the slice of the transport manager the service needs.
type Connection interface {
	domain.Sender
	Events() <-chan domain.Envelope
	State() transport.State
	OnStateChange(func(transport.State))
}

// Service wires the protocol pieces together for one user.
type Service struct {
	selfID  string
	keys    domain.ChatKeyStore
	msgs    domain.MessageStore
	cipher  *cipher.Service
	machine *handshake.Machine
	queue   *queue.Queue
	conn    Connection
	log     *zap.Logger

	expireEvery time.Duration

	onMessage func(domain.ChatMessage)
	onState   handshake.Observer
}

// New builds the service and hooks it into the transport and handshake
// observers. Run must be called to start processing.
func New(selfID string, keys domain.ChatKeyStore, msgs domain.MessageStore,
	ciph *cipher.Service, machine *handshake.Machine, q *queue.Queue,
	conn Connection, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{
		selfID:      selfID,
		keys:        keys,
		msgs:        msgs,
		cipher:      ciph,
		machine:     machine,
		queue:       q,
		conn:        conn,
		log:         log,
		expireEvery: DefaultExpireEvery,
	}

	machine.OnStateChange(s.handleHandshakeTransition)
	q.SetOnline(func() bool { return conn.State() == transport.StateConnected })
	conn.OnStateChange(func(st transport.State) {
		if st == transport.StateConnected {
			go s.drainQueue(context.Background())
		}
	})
	return s
}

// OnMessage registers a callback for decrypted (or undecryptable)
// inbound messages. Called from the event loop; must not block.
func (s *Service) OnMessage(fn func(domain.ChatMessage)) { s.onMessage = fn }

// OnHandshakeState forwards handshake transitions to the UI.
func (s *Service) OnHandshakeState(fn handshake.Observer) { s.onState = fn }

// SetExpireInterval overrides the pending-handshake sweep period.
func (s *Service) SetExpireInterval(d time.Duration) { s.expireEvery = d }

// Run processes inbound events until ctx is cancelled. Each event is
// handled to completion before the next is read, so a chat.message can
// never overtake the key exchange message it arrived behind.
func (s *Service) Run(ctx context.Context) error {
	sweep := time.NewTicker(s.expireEvery)
	defer sweep.Stop()

	for {
		select {
		case env, ok := <-s.conn.Events():
			if !ok {
				return nil
			}
			s.dispatch(ctx, env)

		case <-sweep.C:
			if err := s.machine.ExpireStale(); err != nil {
				s.log.Error("expire stale handshakes", zap.Error(err))
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch decodes one envelope and routes the typed event.
func (s *Service) dispatch(ctx context.Context, env domain.Envelope) {
	ev, err := domain.DecodeEnvelope(env)
	if err != nil {
		s.log.Warn("dropping undecodable envelope",
			zap.String("type", string(env.Type)),
			zap.String("sender_id", env.SenderID),
			zap.Error(err))
		return
	}

	switch ev := ev.(type) {
	case domain.ChatInitEvent:
		if err := s.machine.HandleInit(ctx, ev); err != nil {
			s.log.Warn("handle chat.init", zap.String("peer_id", ev.SenderID), zap.Error(err))
		}
	case domain.KeyExchangeEvent:
		if err := s.machine.HandleKeyExchange(ctx, ev); err != nil {
			s.log.Warn("handle chat.key_exchange", zap.String("peer_id", ev.SenderID), zap.Error(err))
		}
	case domain.KeyExchangeCompleteEvent:
		if err := s.machine.HandleComplete(ctx, ev); err != nil {
			s.log.Warn("handle chat.key_exchange_complete", zap.String("peer_id", ev.SenderID), zap.Error(err))
		}

	case domain.MessageEvent:
		s.handleMessage(ctx, ev)

	case domain.StatusEvent:
		if err := s.advanceStatus(ev.MessageID, ev.Status); err != nil {
			s.log.Warn("apply status update", zap.String("message_id", ev.MessageID), zap.Error(err))
		}

	case domain.DeleteEvent:
		if err := s.purgeChat(domain.ChatIDForPeer(ev.SenderID)); err != nil {
			s.log.Error("purge deleted chat", zap.String("peer_id", ev.SenderID), zap.Error(err))
		}

	case domain.PingEvent:
		pong, err := domain.NewEnvelope(domain.EventPong, s.selfID, ev.SenderID, nil)
		if err == nil {
			if err := s.conn.SendEnvelope(ctx, pong); err != nil {
				s.log.Debug("pong reply", zap.Error(err))
			}
		}

	case domain.PongEvent:
		// Liveness confirmation only; the manager tracks the socket.
	}
}

// handleMessage persists an inbound message. Undecryptable ciphertext is
// kept with a marker, never dropped; a delivered receipt goes back
// either way since the bytes did arrive.
func (s *Service) handleMessage(ctx context.Context, ev domain.MessageEvent) {
	chatID := domain.ChatIDForPeer(ev.SenderID)
	msg := domain.ChatMessage{
		ID:         ev.MessageID,
		ChatID:     chatID,
		SenderID:   ev.SenderID,
		Ciphertext: ev.Content,
		Status:     domain.StatusDelivered,
		CreatedAt:  ev.Timestamp,
	}

	key, ok, err := s.keys.LoadChatKey(chatID)
	if err != nil {
		s.log.Error("load chat key", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	if !ok || !key.IsComplete() {
		msg.Undecryptable = true
	} else {
		plain, err := s.cipher.Open(key, ev.Content)
		if err != nil {
			s.log.Warn("undecryptable message kept",
				zap.String("message_id", ev.MessageID),
				zap.String("chat_id", chatID),
				zap.Error(err))
			msg.Undecryptable = true
		} else {
			msg.Plaintext = plain
		}
	}

	if err := s.msgs.SaveMessage(msg); err != nil {
		s.log.Error("save inbound message", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}

	receipt, err := domain.NewEnvelope(domain.EventChatStatus, s.selfID, ev.SenderID,
		domain.StatusEvent{MessageID: ev.MessageID, Status: domain.StatusDelivered})
	if err == nil {
		if err := s.conn.SendEnvelope(ctx, receipt); err != nil {
			s.log.Debug("delivered receipt", zap.Error(err))
		}
	}

	if s.onMessage != nil {
		s.onMessage(msg)
	}
}

// StartChat begins a key exchange with peerID.
func (s *Service) StartChat(ctx context.Context, peerID string) error {
	_, err := s.machine.Initiate(ctx, peerID)
	return err
}

// Send delivers text to peerID: directly when the chat key is complete
// and the transport is up, otherwise through the offline queue. The
// returned message reflects the persisted state; Evicted reports queue
// data loss.
func (s *Service) Send(ctx context.Context, peerID string, text []byte) (msg domain.ChatMessage, evicted bool, err error) {
	chatID := domain.ChatIDForPeer(peerID)
	msg = domain.ChatMessage{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  s.selfID,
		Plaintext: text,
		Status:    domain.StatusSending,
		CreatedAt: time.Now().Unix(),
	}

	key, ok, err := s.keys.LoadChatKey(chatID)
	if err != nil {
		return domain.ChatMessage{}, false, err
	}

	needsHandshake := !ok ||
		key.State == domain.HandshakeUninitialized ||
		key.State == domain.HandshakeFailed
	if needsHandshake {
		// Keygen is slow; run the implicit handshake off the caller's
		// path. The machine serialises transitions per chat.
		go func() {
			if _, err := s.machine.Initiate(context.Background(), peerID); err != nil {
				s.log.Warn("initiate handshake", zap.String("peer_id", peerID), zap.Error(err))
			}
		}()
	}

	if ok && key.IsComplete() {
		// Plaintext never reaches disk once a key exists.
		sealed, err := s.cipher.Seal(key, text)
		if err != nil {
			return domain.ChatMessage{}, false, err
		}
		msg.Ciphertext = sealed

		// A direct send must not overtake entries still queued for the
		// chat; those go first, this one lines up behind them.
		backlog, err := s.queue.HasQueued(chatID)
		if err != nil {
			return domain.ChatMessage{}, false, err
		}

		if !backlog && s.conn.State() == transport.StateConnected {
			if err := s.sendDirect(ctx, msg, peerID); err == nil {
				return msg, false, nil
			} else if !errors.Is(err, domain.ErrNotConnected) && !errors.Is(err, domain.ErrSendFailed) {
				return domain.ChatMessage{}, false, err
			}
			// Transport refused it; fall through to the queue.
		}
	}

	evicted, err = s.queue.Enqueue(ctx, msg, peerID)
	if err != nil {
		return domain.ChatMessage{}, evicted, err
	}
	msg.Pending = true
	return msg, evicted, nil
}

// sendDirect persists the sealed message and pushes it over the live
// connection.
func (s *Service) sendDirect(ctx context.Context, msg domain.ChatMessage, peerID string) error {
	if err := s.msgs.SaveMessage(msg); err != nil {
		return err
	}
	env, err := domain.NewEnvelope(domain.EventChatMessage, s.selfID, peerID,
		domain.MessageEvent{
			MessageID: msg.ID,
			Content:   msg.Ciphertext,
			Kind:      "text",
			Timestamp: msg.CreatedAt,
		})
	if err != nil {
		return err
	}
	if err := s.conn.SendEnvelope(ctx, env); err != nil {
		return err
	}
	return s.advanceStatus(msg.ID, domain.StatusSent)
}

// advanceStatus moves a message to a later delivery state; stale and
// out-of-order updates (or receipts for purged messages) are ignored.
func (s *Service) advanceStatus(id string, to domain.MessageStatus) error {
	cur, ok, err := s.msgs.LoadMessage(id)
	if err != nil || !ok {
		return err
	}
	if !to.Supersedes(cur.Status) {
		return nil
	}
	return s.msgs.UpdateStatus(id, to, cur.Pending)
}

// MarkRead records a read locally and sends the receipt to the peer.
func (s *Service) MarkRead(ctx context.Context, peerID, messageID string) error {
	if err := s.msgs.UpdateStatus(messageID, domain.StatusRead, false); err != nil {
		return err
	}
	env, err := domain.NewEnvelope(domain.EventChatStatus, s.selfID, peerID,
		domain.StatusEvent{MessageID: messageID, Status: domain.StatusRead})
	if err != nil {
		return err
	}
	if err := s.conn.SendEnvelope(ctx, env); err != nil {
		// Receipt lost, local state kept; the peer sees it as unread.
		s.log.Debug("read receipt", zap.Error(err))
	}
	return nil
}

// DeleteChat removes the conversation locally and asks the peer to do
// the same when the transport allows.
func (s *Service) DeleteChat(ctx context.Context, peerID string) error {
	if err := s.purgeChat(domain.ChatIDForPeer(peerID)); err != nil {
		return err
	}
	env, err := domain.NewEnvelope(domain.EventChatDelete, s.selfID, peerID, nil)
	if err != nil {
		return err
	}
	if err := s.conn.SendEnvelope(ctx, env); err != nil {
		s.log.Warn("delete notice not sent", zap.String("peer_id", peerID), zap.Error(err))
	}
	return nil
}

// History lists the stored messages of a chat in order.
func (s *Service) History(peerID string) ([]domain.ChatMessage, error) {
	return s.msgs.ListMessages(domain.ChatIDForPeer(peerID))
}

func (s *Service) purgeChat(chatID string) error {
	if err := s.queue.DeleteChat(chatID); err != nil {
		return err
	}
	if err := s.msgs.DeleteChatMessages(chatID); err != nil {
		return err
	}
	return s.keys.DeleteChatKey(chatID)
}

// handleHandshakeTransition reacts to machine transitions: a completed
// key unblocks that chat's queued messages.
func (s *Service) handleHandshakeTransition(sc handshake.StateChange) {
	if s.onState != nil {
		s.onState(sc)
	}
	if sc.To == domain.HandshakeComplete {
		go s.drainQueue(context.Background())
	}
}

func (s *Service) drainQueue(ctx context.Context) {
	if err := s.queue.Process(ctx); err != nil && !errors.Is(err, domain.ErrNotConnected) {
		s.log.Warn("queue drain stopped", zap.Error(err))
	}
}

