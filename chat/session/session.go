package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/chat/cipher"
	"github.com/seedchat/seedchat/chat/derive"
	"github.com/seedchat/seedchat/chat/identity"
	"github.com/seedchat/seedchat/chat/lifecycle"
	"github.com/seedchat/seedchat/internal/errors"
	"github.com/seedchat/seedchat/internal/log"
)

// Options configures a channel session. Realtime and Identities are
// required; everything else has a sensible default.
type Options struct {
	Realtime   chat.Realtime
	Identities *identity.Store

	Clock  clockwork.Clock
	Logger *log.Logger

	// OnMessage fires for every newly applied message, local echoes
	// included. OnCountdown fires every CountdownInterval with the time
	// left, and OnExpired fires once when it reaches zero.
	OnMessage   func(chat.Message)
	OnCountdown func(remaining time.Duration)
	OnExpired   func()
}

// Session is one participant's live attachment to a room. It owns the
// derived key, the room lifecycle state and the subscription; Leave
// tears all of it down and nothing survives for a rejoin.
type Session struct {
	roomID string
	rt     chat.Realtime
	ids    *identity.Store
	clock  clockwork.Clock
	logger *log.Logger

	onMessage   func(chat.Message)
	onCountdown func(time.Duration)
	onExpired   func()

	room *lifecycle.Room

	mu       sync.Mutex
	key      []byte
	identity chat.Identity
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// Join derives the room from the seed, loads and decrypts history,
// starts the live subscription and the expiry countdown. The returned
// session is ready to send.
func Join(ctx context.Context, seed string, opts Options) (*Session, error) {
	if opts.Realtime == nil {
		panic("realtime backend is required")
	}
	if opts.Identities == nil {
		panic("identity store is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNop()
	}

	roomID, err := derive.RoomID(seed)
	if err != nil {
		return nil, err
	}

	logger := opts.Logger.Module("Session")

	var (
		key  []byte
		hist []chat.StoredEnvelope
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		key, err = derive.RoomKey(seed)
		return err
	})
	g.Go(func() error {
		var err error
		hist, err = opts.Realtime.History(gctx, roomID)
		if err != nil {
			return errors.Wrap(chat.ErrTransport, err, "failed to fetch history")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s := &Session{
		roomID:      roomID,
		rt:          opts.Realtime,
		ids:         opts.Identities,
		clock:       opts.Clock,
		logger:      logger,
		onMessage:   opts.OnMessage,
		onCountdown: opts.OnCountdown,
		onExpired:   opts.OnExpired,
		room:        lifecycle.NewRoom(opts.Clock, opts.Logger),
		key:         key,
		identity:    opts.Identities.GetOrCreate(roomID),
		done:        make(chan struct{}),
	}

	var oldest *time.Time
	if len(hist) > 0 {
		oldest = &hist[0].CreatedAt
	}
	s.room.EstablishBaseline(oldest)

	for _, stored := range hist {
		if msg, ok := s.open(stored.Envelope); ok {
			s.room.Ingest(msg)
		}
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	if err := s.rt.Subscribe(subCtx, roomID, s.onEnvelope); err != nil {
		cancel()
		return nil, errors.Wrap(chat.ErrTransport, err, "failed to subscribe")
	}

	go s.countdown(subCtx)

	sessionsJoined.Add(ctx, 1)
	logger.Info("joined room",
		log.String("roomId", roomID),
		log.Int("history", s.room.Len()))
	return s, nil
}

// open authenticates and decodes one envelope. Anything that fails
// authentication or decoding is logged and dropped; a forged or foreign
// envelope must not disturb the session.
func (s *Session) open(env chat.Envelope) (chat.Message, bool) {
	s.mu.Lock()
	key := s.key
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return chat.Message{}, false
	}

	plaintext, err := cipher.Decrypt(env, key, s.roomID)
	if err != nil {
		decryptFailures.Add(context.Background(), 1)
		s.logger.Warn("discarding undecryptable envelope",
			log.String("roomId", s.roomID),
			log.Error(err))
		return chat.Message{}, false
	}

	var msg chat.Message
	if err := json.Unmarshal([]byte(plaintext), &msg); err != nil {
		s.logger.Warn("discarding malformed message payload", log.Error(err))
		return chat.Message{}, false
	}
	return msg, true
}

func (s *Session) onEnvelope(env chat.Envelope) {
	msg, ok := s.open(env)
	if !ok {
		return
	}
	if !s.room.Ingest(msg) {
		duplicatesSeen.Add(context.Background(), 1)
		return
	}
	messagesReceived.Add(context.Background(), 1)
	if s.onMessage != nil {
		s.onMessage(msg)
	}
}

func (s *Session) countdown(ctx context.Context) {
	defer close(s.done)

	ticker := s.clock.NewTicker(chat.CountdownInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			remaining := s.room.Remaining(s.clock.Now())
			if s.onCountdown != nil {
				s.onCountdown(remaining)
			}
			if remaining <= 0 {
				s.logger.Info("room expired", log.String("roomId", s.roomID))
				if s.onExpired != nil {
					s.onExpired()
				}
				return
			}
		}
	}
}

// Send stamps, locally echoes, encrypts and publishes one message.
// A transport failure leaves the local echo in place and returns
// ErrTransport; the session stays usable.
func (s *Session) Send(ctx context.Context, text string) (chat.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return chat.Message{}, errors.New(chat.ErrTransport, "session already left")
	}
	key := s.key
	id := s.identity
	s.mu.Unlock()

	if !s.room.CanSend(s.clock.Now()) {
		return chat.Message{}, errors.New(chat.ErrExpired, "room has expired")
	}

	msg, err := s.room.Stamp(text, id)
	if err != nil {
		return chat.Message{}, err
	}

	// local echo first, the wire round trip deduplicates against it
	s.room.Ingest(msg)
	if s.onMessage != nil {
		s.onMessage(msg)
	}

	plaintext, err := json.Marshal(msg)
	if err != nil {
		return chat.Message{}, errors.PureWrap(err, "failed to encode message")
	}
	env, err := cipher.Encrypt(string(plaintext), key, s.roomID)
	if err != nil {
		return chat.Message{}, err
	}

	if err := s.rt.Publish(ctx, s.roomID, env); err != nil {
		publishFailures.Add(ctx, 1)
		s.logger.Warn("publish failed", log.Error(err))
		return msg, errors.Wrap(chat.ErrTransport, err, "failed to publish message")
	}

	messagesSent.Add(ctx, 1)
	return msg, nil
}

// Rename updates the display name used for subsequent messages.
func (s *Session) Rename(newName string) (chat.Identity, error) {
	id, err := s.ids.Rename(s.roomID, newName)
	if err != nil {
		return chat.Identity{}, err
	}

	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
	return id, nil
}

func (s *Session) RoomID() string { return s.roomID }

func (s *Session) Identity() chat.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) Messages() []chat.Message { return s.room.Messages() }

func (s *Session) Remaining() time.Duration { return s.room.Remaining(s.clock.Now()) }

func (s *Session) ExportTranscript() string { return s.room.ExportTranscript() }

// Leave cancels the countdown, drops the subscription and zeroes the
// key. The session cannot be reused.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for i := range s.key {
		s.key[i] = 0
	}
	s.mu.Unlock()

	s.cancel()
	<-s.done

	err := s.rt.Unsubscribe(ctx, s.roomID)
	sessionsLeft.Add(ctx, 1)
	s.logger.Info("left room", log.String("roomId", s.roomID))
	if err != nil {
		return errors.Wrap(chat.ErrTransport, err, "failed to unsubscribe")
	}
	return nil
}
