package app

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"veilchat/internal/domain"
	"veilchat/internal/protocol/handshake"
	"veilchat/internal/queue"
	"veilchat/internal/relay"
	"veilchat/internal/services/chat"
	"veilchat/internal/services/cipher"
	"veilchat/internal/store"
	"veilchat/internal/transport"
)

// Wire bundles the dependencies available before login.
type Wire struct {
	Config Config
	Log    *zap.Logger
	Store  *store.SQLStore
	Relay  *relay.Client
}

// NewWire constructs the base dependency graph from cfg.
func NewWire(cfg Config) (*Wire, error) {
	log, err := newLogger(cfg.Debug)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("create home %s: %w", cfg.Home, err)
	}
	st, err := store.NewSQLStore(cfg.DBPath(), cfg.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	return &Wire{
		Config: cfg,
		Log:    log,
		Store:  st,
		Relay:  relay.New(cfg.RelayURL, log),
	}, nil
}

// Close releases the wire's resources.
func (w *Wire) Close() error {
	_ = w.Log.Sync()
	return w.Store.Close()
}

// Session is the per-user stack built on top of stored credentials.
type Session struct {
	UserID  string
	Manager *transport.Manager
	Machine *handshake.Machine
	Queue   *queue.Queue
	Chat    *chat.Service
}

// NewSession builds the connected stack. It fails when no credentials
// are stored; register or login first.
func (w *Wire) NewSession() (*Session, error) {
	creds, ok, err := w.Store.LoadCredentials()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no stored credentials for %s: register or login first", w.Config.RelayURL)
	}

	ws := transport.NewWSChannel(w.Config.WSURL)
	mgr := transport.NewManager(creds.UserID, ws, w.Store, w.Relay, w.Log)
	machine := handshake.New(creds.UserID, w.Store, mgr)
	ciph := cipher.New()

	q := queue.New(w.Store, w.Store, w.Store, ciph, mgr, w.Log)
	q.SetLimits(w.Config.QueueMaxEntries, w.Config.QueueMaxEntryBytes)

	svc := chat.New(creds.UserID, w.Store, w.Store, ciph, machine, q, mgr, w.Log)

	return &Session{
		UserID:  creds.UserID,
		Manager: mgr,
		Machine: machine,
		Queue:   q,
		Chat:    svc,
	}, nil
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// Compile-time check that the session's manager feeds the chat service.
var _ chat.Connection = (*transport.Manager)(nil)

// SaveCredentials persists auth credentials after register or login.
func (w *Wire) SaveCredentials(c domain.Credentials) error { return w.Store.SaveCredentials(c) }
