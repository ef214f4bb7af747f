package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"veilchat/internal/domain"
)

// SQLStore persists chat keys, messages, queue entries and credentials
// in a single sqlite database. Private key material is passphrase-sealed
// before it is written.
type SQLStore struct {
	db         *sql.DB
	passphrase string
	mu         sync.Mutex
}

// NewSQLStore opens (or creates) the database at dsn. Use ":memory:" in
// tests.
func NewSQLStore(dsn, passphrase string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, passphrase: passphrase}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS chat_keys (
		chat_id TEXT PRIMARY KEY,
		peer_id TEXT NOT NULL,
		state TEXT NOT NULL,
		own_public_key BLOB,
		peer_public_key BLOB,
		secrets BLOB,
		created_at INTEGER,
		updated_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		ciphertext TEXT,
		status TEXT NOT NULL,
		pending INTEGER NOT NULL DEFAULT 0,
		undecryptable INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS queue (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT NOT NULL,
		chat_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		plaintext BLOB,
		created_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS credentials (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		user_id TEXT,
		device_id TEXT,
		access_token TEXT,
		refresh_token TEXT
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// chatKeySecrets is the passphrase-sealed part of a ChatKey row.
type chatKeySecrets struct {
	OwnPrivateKey []byte `json:"own_private_key"`
	OwnPartialKey []byte `json:"own_partial_key"`
	SharedKey     []byte `json:"shared_key,omitempty"`
}

// ---------- ChatKeyStore ----------

func (s *SQLStore) SaveChatKey(key domain.ChatKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(chatKeySecrets{
		OwnPrivateKey: key.OwnPrivateKey,
		OwnPartialKey: key.OwnPartialKey,
		SharedKey:     key.SharedKey,
	})
	if err != nil {
		return err
	}
	sealed, err := sealSecret(s.passphrase, raw)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO chat_keys (chat_id, peer_id, state, own_public_key, peer_public_key, secrets, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			peer_id=excluded.peer_id, state=excluded.state,
			own_public_key=excluded.own_public_key, peer_public_key=excluded.peer_public_key,
			secrets=excluded.secrets, updated_at=excluded.updated_at`,
		key.ChatID, key.PeerID, string(key.State), key.OwnPublicKey, key.PeerPublicKey,
		sealed, key.CreatedAt, key.UpdatedAt)
	return err
}

func (s *SQLStore) LoadChatKey(chatID string) (domain.ChatKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT chat_id, peer_id, state, own_public_key, peer_public_key, secrets, created_at, updated_at
		FROM chat_keys WHERE chat_id = ?`, chatID)
	key, err := s.scanChatKey(row.Scan)
	if err == sql.ErrNoRows {
		return domain.ChatKey{}, false, nil
	}
	if err != nil {
		return domain.ChatKey{}, false, err
	}
	return key, true, nil
}

func (s *SQLStore) ListChatKeys() ([]domain.ChatKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT chat_id, peer_id, state, own_public_key, peer_public_key, secrets, created_at, updated_at
		FROM chat_keys ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatKey
	for rows.Next() {
		key, err := s.scanChatKey(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteChatKey(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM chat_keys WHERE chat_id = ?`, chatID)
	return err
}

func (s *SQLStore) scanChatKey(scan func(...any) error) (domain.ChatKey, error) {
	var (
		key    domain.ChatKey
		state  string
		sealed []byte
	)
	if err := scan(&key.ChatID, &key.PeerID, &state, &key.OwnPublicKey, &key.PeerPublicKey,
		&sealed, &key.CreatedAt, &key.UpdatedAt); err != nil {
		return domain.ChatKey{}, err
	}
	key.State = domain.HandshakeState(state)

	raw, err := openSecret(s.passphrase, sealed)
	if err != nil {
		return domain.ChatKey{}, fmt.Errorf("chat key %s: %w", key.ChatID, err)
	}
	var secrets chatKeySecrets
	if err := json.Unmarshal(raw, &secrets); err != nil {
		return domain.ChatKey{}, err
	}
	key.OwnPrivateKey = secrets.OwnPrivateKey
	key.OwnPartialKey = secrets.OwnPartialKey
	key.SharedKey = secrets.SharedKey
	return key, nil
}

// ---------- MessageStore ----------

func (s *SQLStore) SaveMessage(msg domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO messages (id, chat_id, sender_id, ciphertext, status, pending, undecryptable, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ciphertext=excluded.ciphertext, status=excluded.status,
			pending=excluded.pending, undecryptable=excluded.undecryptable`,
		msg.ID, msg.ChatID, msg.SenderID, msg.Ciphertext, string(msg.Status),
		boolToInt(msg.Pending), boolToInt(msg.Undecryptable), msg.CreatedAt)
	return err
}

func (s *SQLStore) LoadMessage(id string) (domain.ChatMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT id, chat_id, sender_id, ciphertext, status, pending, undecryptable, created_at
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return domain.ChatMessage{}, false, nil
	}
	if err != nil {
		return domain.ChatMessage{}, false, err
	}
	return msg, true, nil
}

func (s *SQLStore) UpdateStatus(id string, status domain.MessageStatus, pending bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE messages SET status = ?, pending = ? WHERE id = ?`,
		string(status), boolToInt(pending), id)
	return err
}

func (s *SQLStore) ListMessages(chatID string) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, chat_id, sender_id, ciphertext, status, pending, undecryptable, created_at
		FROM messages WHERE chat_id = ? ORDER BY created_at, id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLStore) DeleteChatMessages(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM messages WHERE chat_id = ?`, chatID)
	return err
}

func scanMessage(scan func(...any) error) (domain.ChatMessage, error) {
	var (
		msg                    domain.ChatMessage
		status                 string
		pending, undecryptable int
	)
	if err := scan(&msg.ID, &msg.ChatID, &msg.SenderID, &msg.Ciphertext, &status,
		&pending, &undecryptable, &msg.CreatedAt); err != nil {
		return domain.ChatMessage{}, err
	}
	msg.Status = domain.MessageStatus(status)
	msg.Pending = pending != 0
	msg.Undecryptable = undecryptable != 0
	return msg, nil
}

// ---------- QueueStore ----------

func (s *SQLStore) AppendEntry(e domain.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO queue (message_id, chat_id, peer_id, plaintext, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.MessageID, e.ChatID, e.PeerID, e.Plaintext, e.CreatedAt)
	return err
}

func (s *SQLStore) ListEntries() ([]domain.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT seq, message_id, chat_id, peer_id, plaintext, created_at
		FROM queue ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.QueueEntry
	for rows.Next() {
		var e domain.QueueEntry
		if err := rows.Scan(&e.Seq, &e.MessageID, &e.ChatID, &e.PeerID, &e.Plaintext, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLStore) RemoveEntry(seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM queue WHERE seq = ?`, seq)
	return err
}

func (s *SQLStore) CountEntries() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue`).Scan(&n)
	return n, err
}

func (s *SQLStore) RemoveOldest() (domain.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var e domain.QueueEntry
	err := s.db.QueryRow(`
		SELECT seq, message_id, chat_id, peer_id, plaintext, created_at
		FROM queue ORDER BY seq LIMIT 1`).
		Scan(&e.Seq, &e.MessageID, &e.ChatID, &e.PeerID, &e.Plaintext, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.QueueEntry{}, false, nil
	}
	if err != nil {
		return domain.QueueEntry{}, false, err
	}
	if _, err := s.db.Exec(`DELETE FROM queue WHERE seq = ?`, e.Seq); err != nil {
		return domain.QueueEntry{}, false, err
	}
	return e, true, nil
}

func (s *SQLStore) DeleteChatEntries(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM queue WHERE chat_id = ?`, chatID)
	return err
}

// ---------- CredentialStore ----------

func (s *SQLStore) SaveCredentials(c domain.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO credentials (id, user_id, device_id, access_token, refresh_token)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id=excluded.user_id, device_id=excluded.device_id,
			access_token=excluded.access_token, refresh_token=excluded.refresh_token`,
		c.UserID, c.DeviceID, c.AccessToken, c.RefreshToken)
	return err
}

func (s *SQLStore) LoadCredentials() (domain.Credentials, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c domain.Credentials
	err := s.db.QueryRow(`SELECT user_id, device_id, access_token, refresh_token FROM credentials WHERE id = 1`).
		Scan(&c.UserID, &c.DeviceID, &c.AccessToken, &c.RefreshToken)
	if err == sql.ErrNoRows {
		return domain.Credentials{}, false, nil
	}
	if err != nil {
		return domain.Credentials{}, false, err
	}
	return c, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Compile-time assertions that SQLStore implements the domain stores.
var (
	_ domain.ChatKeyStore    = (*SQLStore)(nil)
	_ domain.MessageStore    = (*SQLStore)(nil)
	_ domain.QueueStore      = (*SQLStore)(nil)
	_ domain.CredentialStore = (*SQLStore)(nil)
)
