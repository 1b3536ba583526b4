package cipher

import (
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/internal/errors"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

const testRoomID = "9c2f0a4d1e8b73655a0cfd21b4e6a9f0"

func TestRoundTrip(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"unicode", "こんにちは世界 🔐"},
		{"json payload", `{"id":"x","senderId":"y","text":"hi","timestamp":1}`},
		{"max length", strings.Repeat("a", chat.MaxMessageLen)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Encrypt(tt.text, key, testRoomID)
			require.NoError(t, err)

			got, err := Decrypt(env, key, testRoomID)
			require.NoError(t, err)
			assert.Equal(t, tt.text, got)
		})
	}
}

func TestIVFreshness(t *testing.T) {
	key := testKey(t)

	a, err := Encrypt("same plaintext", key, testRoomID)
	require.NoError(t, err)
	b, err := Encrypt("same plaintext", key, testRoomID)
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestRoomBinding(t *testing.T) {
	key := testKey(t)

	env, err := Encrypt("hello", key, testRoomID)
	require.NoError(t, err)

	// same key, different room context
	otherRoom := "0000000000000000000000000000beef"
	_, err = Decrypt(env, key, otherRoom)
	assert.True(t, errors.Is(err, chat.ErrAuthFailure))
}

func TestWrongKey(t *testing.T) {
	env, err := Encrypt("hello", testKey(t), testRoomID)
	require.NoError(t, err)

	_, err = Decrypt(env, testKey(t), testRoomID)
	assert.True(t, errors.Is(err, chat.ErrAuthFailure))
}

func TestMalformedEnvelope(t *testing.T) {
	key := testKey(t)

	valid, err := Encrypt("hello", key, testRoomID)
	require.NoError(t, err)

	tests := []struct {
		name string
		env  chat.Envelope
	}{
		{"iv not base64", chat.Envelope{IV: "***", Ciphertext: valid.Ciphertext}},
		{"iv wrong size", chat.Envelope{IV: "c2hvcnQ=", Ciphertext: valid.Ciphertext}},
		{"ciphertext not base64", chat.Envelope{IV: valid.IV, Ciphertext: "***"}},
		{"ciphertext truncated", chat.Envelope{IV: valid.IV, Ciphertext: "AAAA"}},
		{"empty envelope", chat.Envelope{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decrypt(tt.env, key, testRoomID)
			assert.True(t, errors.Is(err, chat.ErrAuthFailure))
		})
	}
}

func TestCorruptedCiphertext(t *testing.T) {
	key := testKey(t)

	env, err := Encrypt("hello", key, testRoomID)
	require.NoError(t, err)

	// flip one character in the middle of the sealed payload
	bs := []byte(env.Ciphertext)
	if bs[3] == 'A' {
		bs[3] = 'B'
	} else {
		bs[3] = 'A'
	}
	env.Ciphertext = string(bs)

	_, err = Decrypt(env, key, testRoomID)
	assert.True(t, errors.Is(err, chat.ErrAuthFailure))
}
