package chat

import (
	"context"
	"time"

	"github.com/seedchat/seedchat/internal/errors"
)

const (
	// MinSeedLen is the minimum accepted seed length; shorter seeds are
	// rejected before any derivation happens.
	MinSeedLen = 12

	// RoomIDBytes is the raw room id size (hex-encoded on the wire).
	RoomIDBytes = 16

	// RoomTTL is the fixed room lifetime. The relay's storage retention
	// uses the same constant, so lifecycle logic and the backend agree.
	RoomTTL = 12 * time.Hour

	MaxMessageLen = 5000
	MaxMessages   = 500
	MaxNameLen    = 20

	// CountdownInterval is how often the expiry countdown is recomputed.
	CountdownInterval = time.Second
)

// Protocol error taxonomy. None of these is fatal to the process; the
// worst case is a session that cannot send until the user rejoins.
const (
	ErrInvalidSeed errors.Code = "invalid_seed"
	ErrAuthFailure errors.Code = "auth_failure"
	ErrEmpty       errors.Code = "empty"
	ErrTooLong     errors.Code = "too_long"
	ErrNameTooLong errors.Code = "name_too_long"
	ErrExpired     errors.Code = "expired"
	ErrTransport   errors.Code = "transport_failure"
)

// Envelope is one encrypted message as it travels and gets stored.
// Both fields are base64 of raw bytes; IV is exactly 12 bytes before
// encoding, and the AEAD tag is the trailing 16 bytes of Ciphertext.
type Envelope struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// StoredEnvelope is an Envelope plus the server-assigned creation time.
type StoredEnvelope struct {
	Envelope
	CreatedAt time.Time `json:"created_at"`
}

// Message is the authenticated plaintext payload. ID is a random token
// used for deduplication only; Timestamp is sender-local wall clock in
// milliseconds, display metadata only, never an ordering key.
type Message struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName"`
	Text       string `json:"text"`
	Timestamp  int64  `json:"timestamp"`
}

// Identity is the per-room pseudonym, persisted so a returning
// participant keeps the same user id and display name.
type Identity struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

//go:generate mockgen -source=types.go -destination=mocks/types.go -package=mocks

// Realtime is the broadcast-and-persistence backend contract. The core
// treats it as a black box carrying opaque envelopes; delivery is
// at-least-once and the ingest path is expected to deduplicate.
type Realtime interface {
	// Subscribe registers onEnvelope for the room's channel. It returns
	// once the subscription is established; delivery happens on a
	// backend-owned goroutine until Unsubscribe or ctx cancellation.
	Subscribe(ctx context.Context, roomID string, onEnvelope func(Envelope)) error

	// Publish broadcasts the envelope to the room and durably appends it.
	Publish(ctx context.Context, roomID string, env Envelope) error

	// History returns the room's non-expired envelopes, oldest first.
	History(ctx context.Context, roomID string) ([]StoredEnvelope, error)

	Unsubscribe(ctx context.Context, roomID string) error
}

// KV is the durable local key-value store used for identities.
// Best-effort and non-transactional; persistence failures are swallowed
// by callers.
type KV interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}
