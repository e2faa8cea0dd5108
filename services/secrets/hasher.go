// Package secrets derives and compares client secret hashes.
//
// Stored hashes have the form hex(salt) + ":" + hex(key), where key is
// PBKDF2-HMAC-SHA256 over the secret and salt.
package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/upb/oauth-issuer/config"
	"golang.org/x/crypto/pbkdf2"
)

// SaltLength is the number of random salt bytes generated per hash
const SaltLength = 16

const (
	defaultIterations = 100000
	defaultKeyLength  = 32
)

// ErrMalformedHash is returned when a stored hash cannot be split into salt and key
var ErrMalformedHash = errors.New("malformed secret hash")

// Result is the output of a hash derivation
type Result struct {
	// Hash is the storable hex(salt):hex(key) string
	Hash string
	// Salt is hex(salt)
	Salt string
}

// Hasher derives secret hashes. A nil salt asks the hasher for a fresh random one.
type Hasher interface {
	Hash(secret string, salt []byte) (Result, error)
}

// PBKDF2Hasher is a Hasher using PBKDF2-HMAC-SHA256
type PBKDF2Hasher struct {
	Iterations int
	KeyLength  int
}

// NewPBKDF2Hasher creates a hasher from configuration, falling back to defaults for unset values
func NewPBKDF2Hasher(cfg config.HashingConfig) *PBKDF2Hasher {
	h := &PBKDF2Hasher{Iterations: cfg.Iterations, KeyLength: cfg.KeyLength}
	if h.Iterations <= 0 {
		h.Iterations = defaultIterations
	}
	if h.KeyLength <= 0 {
		h.KeyLength = defaultKeyLength
	}
	return h
}

// Hash derives the key for secret. It is deterministic for a given salt.
func (h *PBKDF2Hasher) Hash(secret string, salt []byte) (Result, error) {
	if salt == nil {
		salt = make([]byte, SaltLength)
		if _, err := rand.Read(salt); err != nil {
			return Result{}, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	key := pbkdf2.Key([]byte(secret), salt, h.Iterations, h.KeyLength, sha256.New)
	saltHex := hex.EncodeToString(salt)
	return Result{
		Hash: saltHex + ":" + hex.EncodeToString(key),
		Salt: saltHex,
	}, nil
}

// SplitHash decodes a stored hash into its salt and key
func SplitHash(stored string) (salt, key []byte, err error) {
	saltHex, keyHex, ok := strings.Cut(stored, ":")
	if !ok || saltHex == "" || keyHex == "" {
		return nil, nil, ErrMalformedHash
	}
	if salt, err = hex.DecodeString(saltHex); err != nil {
		return nil, nil, ErrMalformedHash
	}
	if key, err = hex.DecodeString(keyHex); err != nil {
		return nil, nil, ErrMalformedHash
	}
	return salt, key, nil
}

// Equal compares two hash strings in constant time
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Verify hashes secret with the salt of stored and compares the result.
// A malformed stored hash returns ErrMalformedHash without deriving anything.
func Verify(h Hasher, secret, stored string) (bool, error) {
	salt, _, err := SplitHash(stored)
	if err != nil {
		return false, err
	}
	result, err := h.Hash(secret, salt)
	if err != nil {
		return false, err
	}
	return Equal(result.Hash, stored), nil
}
