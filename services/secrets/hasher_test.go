package secrets

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/upb/oauth-issuer/config"
)

// Low iteration count keeps the tests fast; the format does not depend on it
func newTestHasher() *PBKDF2Hasher {
	return NewPBKDF2Hasher(config.HashingConfig{Iterations: 1000, KeyLength: 32})
}

func TestNewPBKDF2Hasher_Defaults(t *testing.T) {
	h := NewPBKDF2Hasher(config.HashingConfig{})
	assert.Equal(t, 100000, h.Iterations)
	assert.Equal(t, 32, h.KeyLength)
}

func TestHash_DeterministicForSalt(t *testing.T) {
	h := newTestHasher()
	salt := []byte("0123456789abcdef")

	a, err := h.Hash("my-secret", salt)
	require.NoError(t, err)
	b, err := h.Hash("my-secret", salt)
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, hex.EncodeToString(salt), a.Salt)
	assert.True(t, strings.HasPrefix(a.Hash, a.Salt+":"))

	_, key, err := SplitHash(a.Hash)
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestHash_DifferentSaltsDiffer(t *testing.T) {
	h := newTestHasher()

	a, err := h.Hash("my-secret", []byte("salt-aaaaaaaaaaa"))
	require.NoError(t, err)
	b, err := h.Hash("my-secret", []byte("salt-bbbbbbbbbbb"))
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestHash_GeneratesSaltWhenNil(t *testing.T) {
	h := newTestHasher()

	a, err := h.Hash("my-secret", nil)
	require.NoError(t, err)
	b, err := h.Hash("my-secret", nil)
	require.NoError(t, err)

	assert.NotEqual(t, a.Salt, b.Salt)
	salt, err := hex.DecodeString(a.Salt)
	require.NoError(t, err)
	assert.Len(t, salt, SaltLength)
}

func TestSplitHash(t *testing.T) {
	tests := []struct {
		name    string
		stored  string
		wantErr bool
	}{
		{"valid", "00ff:abcd", false},
		{"no separator", "00ffabcd", true},
		{"empty salt", ":abcd", true},
		{"empty key", "00ff:", true},
		{"salt not hex", "zz:abcd", true},
		{"key not hex", "00ff:xyz", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := SplitHash(tt.stored)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedHash)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerify(t *testing.T) {
	h := newTestHasher()
	stored, err := h.Hash("my-secret", nil)
	require.NoError(t, err)

	ok, err := Verify(h, "my-secret", stored.Hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(h, "wrong-secret", stored.Hash)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = Verify(h, "my-secret", "not-a-hash")
	assert.ErrorIs(t, err, ErrMalformedHash)
	assert.False(t, ok)
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("abc", "abc"))
	assert.False(t, Equal("abc", "abd"))
	assert.False(t, Equal("abc", "abcd"))
}
