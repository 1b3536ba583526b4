package derive

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/internal/errors"
)

const (
	// KDFIterations is deliberately high: the seed is the only secret and
	// is typically low-entropy, so KDF cost is the main defense against
	// offline brute force.
	KDFIterations = 100_000

	KeyLen = 32

	// roomIDContext keys the room id MAC. A plain hash of the seed would
	// be an offline-testable fingerprint; HMAC(seed, context) is not.
	roomIDContext = "seedchat/room-id/v1"
)

// kdfSalt is a fixed, application-wide, public salt. It provides domain
// separation and brute-force cost amplification; the seed alone carries
// all confidentiality.
var kdfSalt = []byte{
	0x53, 0x65, 0x65, 0x64, 0x43, 0x68, 0x61, 0x74,
	0x2f, 0x6b, 0x64, 0x66, 0x2f, 0x76, 0x31, 0x00,
	0x9d, 0x3c, 0x5a, 0xe1, 0x42, 0x77, 0xb8, 0x06,
	0xf4, 0x21, 0x8e, 0x6b, 0xd0, 0x55, 0x3a, 0xc9,
}

func checkSeed(seed string) error {
	if len(seed) < chat.MinSeedLen {
		return errors.Newf(chat.ErrInvalidSeed, "seed must be at least %d characters", chat.MinSeedLen)
	}
	return nil
}

// RoomID derives the public room identifier from the seed: an HMAC-SHA256
// over a fixed context string keyed by the seed, truncated to 128 bits and
// hex encoded. Deterministic and one-way; safe to use as a channel name
// and as AEAD associated data.
func RoomID(seed string) (string, error) {
	if err := checkSeed(seed); err != nil {
		return "", err
	}

	mac := hmac.New(sha256.New, []byte(seed))
	mac.Write([]byte(roomIDContext))
	sum := mac.Sum(nil)

	return hex.EncodeToString(sum[:chat.RoomIDBytes]), nil
}

// RoomKey stretches the seed into the 256-bit room key with
// PBKDF2-HMAC-SHA256 and the fixed application salt. Expensive on
// purpose; callers should run it off the hot path.
func RoomKey(seed string) ([]byte, error) {
	if err := checkSeed(seed); err != nil {
		return nil, err
	}

	return pbkdf2.Key([]byte(seed), kdfSalt, KDFIterations, KeyLen, sha256.New), nil
}

// GenerateSeed returns a fresh random seed (16 random bytes, hex) for the
// "make one up for me" flow.
func GenerateSeed() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms
		panic(err)
	}
	return hex.EncodeToString(buf)
}
