package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"veilchat/internal/crypto"
	"veilchat/internal/domain"
)

const (
	accessTTL     = time.Hour
	refreshTTL    = 30 * 24 * time.Hour
	sessionKeyTTL = 5 * time.Minute
)

type session struct {
	key     []byte
	created time.Time
}

type relayServer struct {
	log    *zap.Logger
	secret []byte

	mu       sync.Mutex
	users    map[string]string // username -> password
	sessions map[string]session
	conns    map[string]*wsClient
	pending  map[string][]domain.Envelope
}

type wsClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsClient) send(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(env)
}

func newRelayServer(log *zap.Logger) (*relayServer, error) {
	secret, err := crypto.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	return &relayServer{
		log:      log,
		secret:   secret,
		users:    make(map[string]string),
		sessions: make(map[string]session),
		conns:    make(map[string]*wsClient),
		pending:  make(map[string][]domain.Envelope),
	}, nil
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	srv, err := newRelayServer(log)
	if err != nil {
		log.Fatal("init", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/secure-init", srv.handleSecureInit)
	mux.HandleFunc("/auth/register", srv.handleAuth(true))
	mux.HandleFunc("/auth/login", srv.handleAuth(false))
	mux.HandleFunc("/auth/refresh", srv.handleRefresh)
	mux.HandleFunc("/ws", srv.handleWS)

	log.Info("relay listening", zap.String("addr", *addr))
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatal("serve", zap.Error(err))
	}
}

func (s *relayServer) handleSecureInit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channel_id"`
		PublicKey []byte `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	pub, err := crypto.ParsePublicKey(req.PublicKey)
	if err != nil {
		http.Error(w, "bad public key", http.StatusBadRequest)
		return
	}
	key, err := crypto.RandomBytes(32)
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}
	wrapped, err := crypto.Encrypt(pub, key)
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.gcSessionsLocked()
	s.sessions[req.ChannelID] = session{key: key, created: time.Now()}
	s.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]any{"wrapped_session_key": wrapped})
}

// handleAuth serves register and login: both open the sealed payload,
// check the account, and seal a token pair back.
func (s *relayServer) handleAuth(register bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ChannelID string `json:"channel_id"`
			Payload   string `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		sess, ok := s.sessions[req.ChannelID]
		// Single use: the channel dies with this request either way.
		delete(s.sessions, req.ChannelID)
		s.mu.Unlock()
		if !ok || time.Since(sess.created) > sessionKeyTTL {
			http.Error(w, "unknown or expired channel", http.StatusUnauthorized)
			return
		}

		blob, err := crypto.B64Decode(req.Payload)
		if err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		plain, err := crypto.DecryptAES(sess.key, blob)
		if err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
			DeviceID string `json:"device_id"`
		}
		if err := json.Unmarshal(plain, &creds); err != nil {
			http.Error(w, "bad payload", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		stored, exists := s.users[creds.Username]
		if register {
			if exists {
				s.mu.Unlock()
				http.Error(w, "username taken", http.StatusConflict)
				return
			}
			s.users[creds.Username] = creds.Password
		} else if !exists || stored != creds.Password {
			s.mu.Unlock()
			http.Error(w, "bad credentials", http.StatusUnauthorized)
			return
		}
		s.mu.Unlock()

		access, refresh, err := s.issueTokens(creds.Username)
		if err != nil {
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		tokens, _ := json.Marshal(map[string]string{
			"user_id":       creds.Username,
			"access_token":  access,
			"refresh_token": refresh,
		})
		sealed, err := crypto.EncryptAES(sess.key, tokens)
		if err != nil {
			http.Error(w, "internal", http.StatusInternalServerError)
			return
		}
		s.log.Info("authenticated", zap.String("user", creds.Username), zap.Bool("register", register))
		json.NewEncoder(w).Encode(map[string]string{"payload": crypto.B64(sealed)})
	}
}

func (s *relayServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
		DeviceID     string `json:"device_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	user, err := s.verifyToken(req.RefreshToken, "refresh")
	if err != nil {
		http.Error(w, "bad refresh token", http.StatusUnauthorized)
		return
	}
	access, refresh, err := s.issueTokens(user)
	if err != nil {
		http.Error(w, "internal", http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(map[string]string{
		"access_token":  access,
		"refresh_token": refresh,
	})
}

func (s *relayServer) issueTokens(user string) (access, refresh string, err error) {
	sign := func(audience string, ttl time.Duration) (string, error) {
		return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   user,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		}).SignedString(s.secret)
	}
	if access, err = sign("access", accessTTL); err != nil {
		return "", "", err
	}
	if refresh, err = sign("refresh", refreshTTL); err != nil {
		return "", "", err
	}
	return access, refresh, nil
}

func (s *relayServer) verifyToken(raw, audience string) (string, error) {
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithAudience(audience))
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *relayServer) handleWS(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	user, err := s.verifyToken(token, "access")
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := &wsClient{conn: conn}

	s.mu.Lock()
	if old, ok := s.conns[user]; ok {
		old.conn.Close()
	}
	s.conns[user] = client
	queued := s.pending[user]
	delete(s.pending, user)
	s.mu.Unlock()

	s.log.Info("client connected", zap.String("user", user), zap.Int("queued", len(queued)))
	for _, env := range queued {
		if err := client.send(env); err != nil {
			break
		}
	}

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			break
		}
		env.SenderID = user // the relay, not the client, asserts identity
		s.route(user, client, env)
	}

	s.mu.Lock()
	if s.conns[user] == client {
		delete(s.conns, user)
	}
	s.mu.Unlock()
	conn.Close()
	s.log.Info("client disconnected", zap.String("user", user))
}

// route delivers an envelope to its recipient, answering relay-directed
// pings locally and queueing for offline peers.
func (s *relayServer) route(from string, client *wsClient, env domain.Envelope) {
	if env.Type == domain.EventPing && env.RecipientID == "" {
		pong, err := domain.NewEnvelope(domain.EventPong, "", from, nil)
		if err == nil {
			client.send(pong)
		}
		return
	}
	if env.RecipientID == "" || env.RecipientID == from {
		return
	}

	s.mu.Lock()
	peer, online := s.conns[env.RecipientID]
	if !online {
		s.pending[env.RecipientID] = append(s.pending[env.RecipientID], env)
	}
	s.mu.Unlock()

	if online {
		if err := peer.send(env); err != nil {
			s.log.Warn("deliver failed, queueing",
				zap.String("to", env.RecipientID), zap.Error(err))
			s.mu.Lock()
			s.pending[env.RecipientID] = append(s.pending[env.RecipientID], env)
			s.mu.Unlock()
		}
	}
}

// gcSessionsLocked drops expired bootstrap sessions. Caller holds mu.
func (s *relayServer) gcSessionsLocked() {
	for id, sess := range s.sessions {
		if time.Since(sess.created) > sessionKeyTTL {
			crypto.Wipe(sess.key)
			delete(s.sessions, id)
		}
	}
}
