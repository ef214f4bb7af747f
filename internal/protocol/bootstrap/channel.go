package bootstrap

import (
	"crypto/rsa"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"veilchat/internal/crypto"
	"veilchat/internal/domain"
)

// TTL is how long a channel stays usable after creation.
const TTL = 5 * time.Minute

// Channel is a one-shot secure channel to the auth server.
//
// Lifecycle: NewChannel -> AcceptSessionKey -> Seal/Open for exactly one
// logical operation -> Retire. Any use after Retire or after TTL fails.
type Channel struct {
	mu         sync.Mutex
	id         string
	priv       *rsa.PrivateKey
	sessionKey []byte
	createdAt  time.Time
	retired    bool
	now        func() time.Time
}

// NewChannel creates a channel with a fresh ephemeral keypair.
func NewChannel() (*Channel, error) {
	return NewChannelWithClock(time.Now)
}

// NewChannelWithClock is NewChannel with an injectable clock for tests.
func NewChannelWithClock(now func() time.Time) (*Channel, error) {
	priv, err := crypto.GenerateKeypair(crypto.DefaultKeyBits)
	if err != nil {
		return nil, err
	}
	return &Channel{
		id:        uuid.NewString(),
		priv:      priv,
		createdAt: now(),
		now:       now,
	}, nil
}

// ID returns the channel identifier sent to the server.
func (c *Channel) ID() string { return c.id }

// PublicKeyDER returns the ephemeral public key for the secure-init call.
func (c *Channel) PublicKeyDER() ([]byte, error) {
	return crypto.MarshalPublicKey(&c.priv.PublicKey)
}

// AcceptSessionKey unwraps the server's session key with the ephemeral
// private key and arms the channel for Seal/Open.
func (c *Channel) AcceptSessionKey(wrapped []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable(); err != nil {
		return err
	}
	key, err := crypto.Decrypt(c.priv, wrapped)
	if err != nil {
		return fmt.Errorf("unwrap session key: %w", err)
	}
	c.sessionKey = key
	return nil
}

// Seal encrypts an auth payload with the session key and encodes it for
// the wire.
func (c *Channel) Seal(plaintext []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.armed(); err != nil {
		return "", err
	}
	blob, err := crypto.EncryptAES(c.sessionKey, plaintext)
	if err != nil {
		return "", err
	}
	return crypto.B64(blob), nil
}

// Open decrypts a server response sealed with the session key.
func (c *Channel) Open(encoded string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.armed(); err != nil {
		return nil, err
	}
	blob, err := crypto.B64Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedCiphertext, err)
	}
	return crypto.DecryptAES(c.sessionKey, blob)
}

// Retire destroys the channel after its single logical operation.
func (c *Channel) Retire() {
	c.mu.Lock()
	defer c.mu.Unlock()
	crypto.Wipe(c.sessionKey)
	c.sessionKey = nil
	c.retired = true
}

func (c *Channel) usable() error {
	if c.retired {
		return domain.ErrChannelUsed
	}
	if c.now().Sub(c.createdAt) > TTL {
		return domain.ErrChannelExpired
	}
	return nil
}

func (c *Channel) armed() error {
	if err := c.usable(); err != nil {
		return err
	}
	if len(c.sessionKey) == 0 {
		return fmt.Errorf("%w: no session key", domain.ErrKeysNotReady)
	}
	return nil
}
