package transport

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"veilchat/internal/domain"
)

// State of the managed connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Default policy intervals. Reconnect is a fixed delay, not exponential:
// the transport is retried indefinitely until the process stops.
const (
	DefaultKeepaliveEvery = 30 * time.Second
	DefaultReconnectDelay = 5 * time.Second
	DefaultRefreshEvery   = 15 * time.Minute
)

// TokenRefresher re-authenticates with the refresh token. Implemented by
// the relay auth client.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken, deviceID string) (domain.Tokens, error)
}

// Manager owns the process's single transport channel and applies the
// resilience policy around it.
type Manager struct {
	selfID  string
	channel Channel
	creds   domain.CredentialStore
	auth    TokenRefresher
	log     *zap.Logger

	keepaliveEvery time.Duration
	reconnectDelay time.Duration
	refreshEvery   time.Duration

	mu         sync.Mutex
	state      State
	subs       []func(State)
	foreground bool
	fgKick     chan struct{}

	events chan domain.Envelope
}

// NewManager wires a Manager around the given channel. auth may be nil
// when no credential refresh is wanted (tests, dev relay without auth).
func NewManager(selfID string, ch Channel, creds domain.CredentialStore, auth TokenRefresher, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		selfID:         selfID,
		channel:        ch,
		creds:          creds,
		auth:           auth,
		log:            log,
		keepaliveEvery: DefaultKeepaliveEvery,
		reconnectDelay: DefaultReconnectDelay,
		refreshEvery:   DefaultRefreshEvery,
		state:          StateDisconnected,
		foreground:     true,
		fgKick:         make(chan struct{}, 1),
		events:         make(chan domain.Envelope, inboundBuffer),
	}
}

// SetIntervals overrides the policy timers; used by tests.
func (m *Manager) SetIntervals(keepalive, reconnect, refresh time.Duration) {
	m.keepaliveEvery = keepalive
	m.reconnectDelay = reconnect
	m.refreshEvery = refresh
}

// Events is the merged inbound stream across reconnects.
func (m *Manager) Events() <-chan domain.Envelope { return m.events }

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a subscriber; it is invoked synchronously on
// every transition and must not block.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// SetForeground toggles the reconnect policy. In the background the
// manager stops dialing and leaves wake-ups to the host; returning to
// the foreground kicks an immediate attempt.
func (m *Manager) SetForeground(fg bool) {
	m.mu.Lock()
	m.foreground = fg
	m.mu.Unlock()
	if fg {
		select {
		case m.fgKick <- struct{}{}:
		default:
		}
	}
}

// SendEnvelope sends over the live connection; callers queue on
// ErrNotConnected.
func (m *Manager) SendEnvelope(ctx context.Context, env domain.Envelope) error {
	_ = ctx
	if m.State() != StateConnected {
		return domain.ErrNotConnected
	}
	return m.channel.Send(env)
}

// Run drives the connect/receive/reconnect loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	defer m.setState(StateDisconnected)
	for {
		if ctx.Err() != nil {
			return
		}
		if !m.isForeground() {
			// Reconnects are deferred to the host while backgrounded.
			select {
			case <-m.fgKick:
			case <-ctx.Done():
				return
			}
			continue
		}

		m.setState(StateConnecting)
		if !m.runConnection(ctx) {
			return
		}

		select {
		case <-time.After(m.reconnectDelay):
		case <-m.fgKick:
		case <-ctx.Done():
			return
		}
	}
}

// runConnection dials once and services the connection until it drops.
// It returns false when ctx ended and the loop should stop.
func (m *Manager) runConnection(ctx context.Context) bool {
	creds, _, err := m.creds.LoadCredentials()
	if err != nil {
		m.log.Error("load credentials", zap.Error(err))
		m.setState(StateDisconnected)
		return true
	}

	in, err := m.channel.Connect(ctx, creds)
	if err != nil {
		m.log.Warn("connect failed", zap.Error(err))
		m.setState(StateDisconnected)
		return true
	}
	m.log.Info("connected")
	m.setState(StateConnected)

	keepalive := time.NewTicker(m.keepaliveEvery)
	defer keepalive.Stop()
	refresh := time.NewTicker(m.refreshEvery)
	defer refresh.Stop()

	for {
		select {
		case env, ok := <-in:
			if !ok {
				m.log.Warn("connection lost")
				m.channel.Close()
				m.setState(StateDisconnected)
				return true
			}
			select {
			case m.events <- env:
			case <-ctx.Done():
				m.channel.Close()
				return false
			}

		case <-keepalive.C:
			// Fire-and-forget liveness probe; a real failure also
			// surfaces through the read pump closing.
			ping, err := domain.NewEnvelope(domain.EventPing, m.selfID, "", nil)
			if err == nil {
				if err := m.channel.Send(ping); err != nil {
					m.log.Warn("keepalive send", zap.Error(err))
				}
			}

		case <-refresh.C:
			m.refreshCredentials(ctx)

		case <-ctx.Done():
			m.channel.Close()
			return false
		}
	}
}

// refreshCredentials re-authenticates with the refresh token. Failure is
// not fatal to the connection; the next cycle retries.
func (m *Manager) refreshCredentials(ctx context.Context) {
	if m.auth == nil {
		return
	}
	creds, ok, err := m.creds.LoadCredentials()
	if err != nil || !ok {
		m.log.Warn("refresh skipped: no credentials", zap.Error(err))
		return
	}
	tokens, err := m.auth.Refresh(ctx, creds.RefreshToken, creds.DeviceID)
	if err != nil {
		m.log.Warn("credential refresh failed, will retry", zap.Error(err))
		return
	}
	creds.AccessToken = tokens.AccessToken
	creds.RefreshToken = tokens.RefreshToken
	if err := m.creds.SaveCredentials(creds); err != nil {
		m.log.Error("persist refreshed credentials", zap.Error(err))
		return
	}
	// The live connection keeps its old credential; the new token is
	// picked up on the next dial. Queued work is untouched.
	m.log.Info("credentials refreshed")
}

func (m *Manager) isForeground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foreground
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	subs := append([]func(State){}, m.subs...)
	m.mu.Unlock()
	for _, fn := range subs {
		fn(s)
	}
}

// Compile-time assertion that Manager implements domain.Sender.
var _ domain.Sender = (*Manager)(nil)
