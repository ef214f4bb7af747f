package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"veilchat/internal/domain"
	"veilchat/internal/protocol/bootstrap"
	"veilchat/internal/transport"
)

// Client talks to the relay's auth endpoints.
type Client struct {
	base string
	http *http.Client
	log  *zap.Logger
}

// New returns a client for the relay at base (no trailing slash).
func New(base string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base: base,
		http: &http.Client{Timeout: 15 * time.Second},
		log:  log,
	}
}

type secureInitRequest struct {
	ChannelID string `json:"channel_id"`
	PublicKey []byte `json:"public_key"`
}

type secureInitResponse struct {
	WrappedSessionKey []byte `json:"wrapped_session_key"`
}

type authRequest struct {
	ChannelID string `json:"channel_id"`
	Payload   string `json:"payload"` // sealed credentialPayload
}

type authResponse struct {
	Payload string `json:"payload"` // sealed tokenPayload
}

type credentialPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

type tokenPayload struct {
	UserID       string `json:"user_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
	DeviceID     string `json:"device_id"`
}

// Register creates an account and returns ready-to-store credentials.
func (c *Client) Register(ctx context.Context, username, password, deviceID string) (domain.Credentials, error) {
	return c.authenticate(ctx, "/auth/register", username, password, deviceID)
}

// Login authenticates an existing account.
func (c *Client) Login(ctx context.Context, username, password, deviceID string) (domain.Credentials, error) {
	return c.authenticate(ctx, "/auth/login", username, password, deviceID)
}

// authenticate runs the sealed credential exchange: secure-init to arm a
// bootstrap channel, then one sealed request/response on the given path.
func (c *Client) authenticate(ctx context.Context, path, username, password, deviceID string) (domain.Credentials, error) {
	ch, err := bootstrap.NewChannel()
	if err != nil {
		return domain.Credentials{}, err
	}
	defer ch.Retire()

	pub, err := ch.PublicKeyDER()
	if err != nil {
		return domain.Credentials{}, err
	}
	var initResp secureInitResponse
	if err := c.post(ctx, "/auth/secure-init", secureInitRequest{
		ChannelID: ch.ID(),
		PublicKey: pub,
	}, &initResp); err != nil {
		return domain.Credentials{}, fmt.Errorf("secure init: %w", err)
	}
	if err := ch.AcceptSessionKey(initResp.WrappedSessionKey); err != nil {
		return domain.Credentials{}, err
	}

	plain, err := json.Marshal(credentialPayload{
		Username: username,
		Password: password,
		DeviceID: deviceID,
	})
	if err != nil {
		return domain.Credentials{}, err
	}
	sealed, err := ch.Seal(plain)
	if err != nil {
		return domain.Credentials{}, err
	}

	var resp authResponse
	if err := c.post(ctx, path, authRequest{ChannelID: ch.ID(), Payload: sealed}, &resp); err != nil {
		return domain.Credentials{}, err
	}
	opened, err := ch.Open(resp.Payload)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("open auth response: %w", err)
	}
	var tokens tokenPayload
	if err := json.Unmarshal(opened, &tokens); err != nil {
		return domain.Credentials{}, fmt.Errorf("decode auth response: %w", err)
	}

	c.log.Info("authenticated", zap.String("user_id", tokens.UserID))
	return domain.Credentials{
		UserID:       tokens.UserID,
		DeviceID:     deviceID,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
	}, nil
}

// Refresh exchanges the refresh token for a fresh token pair. No sealed
// channel here: the refresh token itself is the proof of identity and
// no password crosses the wire.
func (c *Client) Refresh(ctx context.Context, refreshToken, deviceID string) (domain.Tokens, error) {
	var out domain.Tokens
	if err := c.post(ctx, "/auth/refresh", refreshRequest{
		RefreshToken: refreshToken,
		DeviceID:     deviceID,
	}, &out); err != nil {
		return domain.Tokens{}, err
	}
	return out, nil
}

// TokenExpiry reads the exp claim of an access token without verifying
// its signature; only the server can verify, the client just needs to
// know when to refresh eagerly.
func TokenExpiry(token string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("parse token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("token has no expiry")
	}
	return claims.ExpiresAt.Time, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("relay post %s: %s", path, resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// Compile-time assertion that Client satisfies the manager's refresher.
var _ transport.TokenRefresher = (*Client)(nil)
