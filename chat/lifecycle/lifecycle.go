package lifecycle

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jonboulle/clockwork"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/internal/errors"
	"github.com/seedchat/seedchat/internal/log"
)

// seenWindow bounds the dedup id set. Larger than the visible cap so a
// message that was evicted from view and then redelivered still counts
// as a duplicate.
const seenWindow = 4096

// Room tracks the message lifecycle of one joined room: expiry baseline,
// the bounded visible message list, and the dedup window. Safe for
// concurrent use by the send path and the subscribe callback.
type Room struct {
	mu        sync.Mutex
	createdAt time.Time
	messages  []chat.Message
	seen      *lru.Cache[string, struct{}]
	clock     clockwork.Clock
	logger    *log.Logger
}

func NewRoom(clock clockwork.Clock, logger *log.Logger) *Room {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = log.NewNop()
	}

	seen, err := lru.New[string, struct{}](seenWindow)
	if err != nil {
		// only fails for non-positive sizes
		panic(err)
	}

	return &Room{
		createdAt: clock.Now(),
		seen:      seen,
		clock:     clock,
		logger:    logger,
	}
}

// EstablishBaseline sets the room's effective creation time. When the
// backend has history the oldest stored message wins, keeping the TTL
// countdown consistent across participants who join at different times.
// With no history each participant starts its own clock; the divergence
// lasts until the first message is persisted.
func (r *Room) EstablishBaseline(oldestStored *time.Time) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldestStored != nil && !oldestStored.IsZero() {
		r.createdAt = *oldestStored
	} else {
		r.createdAt = r.clock.Now()
	}
	return r.createdAt
}

func (r *Room) CreatedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createdAt
}

// Stamp validates outgoing text and turns it into a Message carrying a
// fresh random id, the sender identity, and the current wall clock.
func (r *Room) Stamp(text string, id chat.Identity) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, errors.New(chat.ErrEmpty, "message is empty")
	}
	if utf8.RuneCountInString(text) > chat.MaxMessageLen {
		return chat.Message{}, errors.Newf(chat.ErrTooLong, "message exceeds %d characters", chat.MaxMessageLen)
	}

	return chat.Message{
		ID:         uuid.NewString(),
		SenderID:   id.UserID,
		SenderName: id.UserName,
		Text:       text,
		Timestamp:  r.clock.Now().UnixMilli(),
	}, nil
}

// CanSend reports whether the room still accepts outgoing messages at
// the given instant. The Active to Expired transition is one way and
// driven purely by elapsed time; expired rooms stay readable.
func (r *Room) CanSend(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return now.Sub(r.createdAt) < chat.RoomTTL
}

// Remaining returns the time left before expiry, clamped at zero.
func (r *Room) Remaining(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	left := chat.RoomTTL - now.Sub(r.createdAt)
	if left < 0 {
		return 0
	}
	return left
}

// Ingest adds a message to the visible set. Returns false when the id
// was already seen (redelivery or replay), true when applied. Beyond
// the visible cap the oldest entries are evicted first.
func (r *Room) Ingest(msg chat.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.seen.Get(msg.ID); dup {
		r.logger.Debug("dropping duplicate message", log.String("id", msg.ID))
		return false
	}
	r.seen.Add(msg.ID, struct{}{})

	r.messages = append(r.messages, msg)
	if len(r.messages) > chat.MaxMessages {
		over := len(r.messages) - chat.MaxMessages
		r.messages = append([]chat.Message(nil), r.messages[over:]...)
	}
	return true
}

// Messages returns a copy of the visible message list, oldest first.
func (r *Room) Messages() []chat.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]chat.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *Room) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// ExportTranscript renders the visible messages as a plain-text archive.
func (r *Room) ExportTranscript() string {
	msgs := r.Messages()

	var b strings.Builder
	rule := strings.Repeat("=", 50)

	b.WriteString(rule + "\n")
	b.WriteString("seedchat transcript\n")
	fmt.Fprintf(&b, "exported: %s\n", r.clock.Now().Format(time.RFC3339))
	b.WriteString(rule + "\n\n")

	for _, m := range msgs {
		ts := time.UnixMilli(m.Timestamp).Format("2006-01-02 15:04:05")
		fmt.Fprintf(&b, "[%s] %s:\n%s\n\n", ts, m.SenderName, m.Text)
	}

	b.WriteString(rule + "\n")
	return b.String()
}
