package session

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the minimum accepted cookie secret size in bytes
const MinSecretLength = 32

const cookieKeyInfo = "browser-session-cookie"

// ErrSecretTooShort is returned by NewCookieCodec for secrets under MinSecretLength
var ErrSecretTooShort = errors.New("session cookie secret must be at least 32 bytes")

// CookiePayload is the plaintext sealed inside a session cookie.
// Version is the session version at issue time and is informational only.
type CookiePayload struct {
	SessionID uuid.UUID `json:"sid"`
	Version   int64     `json:"v"`
	IssuedAt  time.Time `json:"iat"`
}

// CookieCodec seals cookie payloads with XChaCha20-Poly1305, binding them to a tenant
type CookieCodec struct {
	aead cipher.AEAD
}

// NewCookieCodec derives the cookie key from secret with HKDF-SHA256
func NewCookieCodec(secret []byte) (*CookieCodec, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(cookieKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive cookie key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie cipher: %w", err)
	}
	return &CookieCodec{aead: aead}, nil
}

// Encode seals payload for tenantID and returns base64url(nonce || ciphertext)
func (c *CookieCodec) Encode(payload CookiePayload, tenantID string) (string, error) {
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal cookie payload: %w", err)
	}

	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, plaintext, []byte(tenantID))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode opens a cookie value sealed for tenantID. Any failure reports ok=false.
func (c *CookieCodec) Decode(value, tenantID string) (CookiePayload, bool) {
	var payload CookiePayload
	if value == "" {
		return payload, false
	}

	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil || len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return payload, false
	}

	nonce, ciphertext := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte(tenantID))
	if err != nil {
		return payload, false
	}

	if err := json.Unmarshal(plaintext, &payload); err != nil || payload.SessionID == uuid.Nil {
		return CookiePayload{}, false
	}
	return payload, true
}
