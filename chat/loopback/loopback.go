package loopback

import (
	"context"
	gosync "sync"

	"github.com/jonboulle/clockwork"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/internal/errors"
	"github.com/seedchat/seedchat/internal/log"
	"github.com/seedchat/seedchat/internal/sync"
)

const subscriberBuffer = 64

// Hub is an in-process chat.Realtime backend. Every participant in the
// same Hub sees every published envelope, and history is kept in memory
// with the usual retention window. It backs the client's local mode and
// the end-to-end tests; no relay required.
type Hub struct {
	clock  clockwork.Clock
	logger *log.Logger
	rooms  *sync.Map[string, *room]
}

type room struct {
	mu      gosync.Mutex
	history []chat.StoredEnvelope
	subs    map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan chat.Envelope
	done chan struct{}
	once gosync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func NewHub(clock clockwork.Clock, logger *log.Logger) *Hub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &Hub{
		clock:  clock,
		logger: logger.Module("Loopback"),
		rooms:  sync.NewMap[string, *room](),
	}
}

func (h *Hub) room(roomID string) *room {
	r, _ := h.rooms.LoadOrStore(roomID, &room{
		subs: make(map[*subscriber]struct{}),
	})
	return r
}

// NewClient returns a per-participant handle. Subscriptions belong to
// the handle, so two participants of the same Hub can join the same
// room independently.
func (h *Hub) NewClient() *Client {
	return &Client{
		hub:  h,
		subs: make(map[string]*subscriber),
	}
}

// Client implements chat.Realtime against its Hub.
type Client struct {
	hub *Hub

	mu   gosync.Mutex
	subs map[string]*subscriber
}

func (c *Client) Subscribe(ctx context.Context, roomID string, onEnvelope func(chat.Envelope)) error {
	sub := &subscriber{
		ch:   make(chan chat.Envelope, subscriberBuffer),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if prev, ok := c.subs[roomID]; ok {
		prev.close()
	}
	c.subs[roomID] = sub
	c.mu.Unlock()

	r := c.hub.room(roomID)
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.subs, sub)
			r.mu.Unlock()
		}()
		for {
			select {
			case env := <-sub.ch:
				onEnvelope(env)
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (c *Client) Publish(_ context.Context, roomID string, env chat.Envelope) error {
	r := c.hub.room(roomID)
	now := c.hub.clock.Now()

	r.mu.Lock()
	r.history = append(r.history, chat.StoredEnvelope{Envelope: env, CreatedAt: now})
	subs := make([]*subscriber, 0, len(r.subs))
	for s := range r.subs {
		subs = append(subs, s)
	}
	r.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- env:
		default:
			// slow consumer, drop instead of blocking the room
			c.hub.logger.Warn("dropping envelope for slow subscriber",
				log.String("roomId", roomID))
		}
	}
	return nil
}

func (c *Client) History(_ context.Context, roomID string) ([]chat.StoredEnvelope, error) {
	r := c.hub.room(roomID)
	cutoff := c.hub.clock.Now().Add(-chat.RoomTTL)

	r.mu.Lock()
	defer r.mu.Unlock()

	// drop expired entries, then hand back a copy
	i := 0
	for i < len(r.history) && !r.history[i].CreatedAt.After(cutoff) {
		i++
	}
	r.history = r.history[i:]

	out := make([]chat.StoredEnvelope, len(r.history))
	copy(out, r.history)
	return out, nil
}

func (c *Client) Unsubscribe(_ context.Context, roomID string) error {
	c.mu.Lock()
	sub, ok := c.subs[roomID]
	delete(c.subs, roomID)
	c.mu.Unlock()

	if !ok {
		return errors.Newf(chat.ErrTransport, "no subscription for room %s", roomID)
	}
	sub.close()
	return nil
}
