package cipher

import (
	"crypto/aes"
	aescipher "crypto/cipher"
	"crypto/rand"
	"encoding/base64"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/internal/errors"
)

const (
	// IVLen is the AES-GCM recommended IV size.
	IVLen = 12
)

func newGCM(key []byte) (aescipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(chat.ErrAuthFailure, err, "invalid key")
	}
	return aescipher.NewGCM(block)
}

// Encrypt seals plaintext under key with AES-256-GCM, binding the
// ciphertext to roomID via associated data. The IV is freshly random per
// call; there is no caller-supplied IV path.
func Encrypt(plaintext string, key []byte, roomID string) (chat.Envelope, error) {
	aead, err := newGCM(key)
	if err != nil {
		return chat.Envelope{}, err
	}

	iv := make([]byte, IVLen)
	if _, err := rand.Read(iv); err != nil {
		return chat.Envelope{}, errors.Wrap(chat.ErrAuthFailure, err, "failed to generate iv")
	}

	sealed := aead.Seal(nil, iv, []byte(plaintext), []byte(roomID))

	return chat.Envelope{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decrypt opens an envelope produced by Encrypt. Every failure mode
// (malformed base64, wrong IV size, tag mismatch, foreign room context)
// comes back as ErrAuthFailure: stray and cross-room envelopes are
// routine, so callers log and skip, never abort.
func Decrypt(env chat.Envelope, key []byte, roomID string) (string, error) {
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", errors.Wrap(chat.ErrAuthFailure, err, "malformed iv")
	}
	if len(iv) != IVLen {
		return "", errors.Newf(chat.ErrAuthFailure, "unexpected iv length %d", len(iv))
	}

	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", errors.Wrap(chat.ErrAuthFailure, err, "malformed ciphertext")
	}

	aead, err := newGCM(key)
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, iv, sealed, []byte(roomID))
	if err != nil {
		return "", errors.Wrap(chat.ErrAuthFailure, err, "decryption failed")
	}

	return string(plaintext), nil
}
