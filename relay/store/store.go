package store

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/internal/errors"
	"github.com/seedchat/seedchat/internal/log"
	intredis "github.com/seedchat/seedchat/internal/redis"
)

// MessageStore is the relay's durable history plus fanout. Envelopes
// live in a per-room sorted set scored by server receive time, so
// retention is a score range delete and history is a score range read.
type MessageStore interface {
	// Append stores the envelope and broadcasts it, returning the
	// server-assigned creation time.
	Append(ctx context.Context, roomID string, env chat.Envelope) (time.Time, error)

	// History returns the room's non-expired envelopes, oldest first.
	History(ctx context.Context, roomID string) ([]chat.StoredEnvelope, error)

	// Subscribe opens the room's fanout channel. The caller owns the
	// returned PubSub and must close it.
	Subscribe(ctx context.Context, roomID string) *goredis.PubSub

	// Purge deletes envelopes older than the retention window and
	// reports how many were removed.
	Purge(ctx context.Context, roomID string) (int64, error)
}

func msgsKey(roomID string) string { return "sc:r:" + roomID + ":msgs" }
func chanKey(roomID string) string { return "sc:r:" + roomID + ":ch" }

type messageStoreImpl struct {
	client  goredis.UniversalClient
	forever intredis.Forever
	clock   clockwork.Clock
	logger  *log.Logger
}

func NewMessageStore(
	client goredis.UniversalClient,
	forever intredis.Forever,
	clock clockwork.Clock,
	logger *log.Logger,
) MessageStore {
	if client == nil {
		panic("redis client is required")
	}
	if forever == nil {
		panic("forever wrapper is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &messageStoreImpl{
		client:  client,
		forever: forever,
		clock:   clock,
		logger:  logger.Module("MessageStore"),
	}
}

func (m *messageStoreImpl) Append(ctx context.Context, roomID string, env chat.Envelope) (time.Time, error) {
	now := m.clock.Now().UTC()
	stored := chat.StoredEnvelope{Envelope: env, CreatedAt: now}

	raw, err := json.Marshal(stored)
	if err != nil {
		return time.Time{}, errors.PureWrap(err, "failed to encode envelope")
	}

	key := msgsKey(roomID)
	err = m.forever.ZAdd(ctx, key, goredis.Z{
		Score:  float64(now.UnixMilli()),
		Member: raw,
	})
	if err != nil {
		return time.Time{}, errors.PureWrap(err, "failed to append envelope")
	}

	// the key dies RoomTTL after the last append even if no purge runs
	if err := m.forever.Expire(ctx, key, chat.RoomTTL); err != nil {
		m.logger.Warn("failed to refresh history TTL",
			log.String("roomId", roomID),
			log.Error(err))
	}

	if err := m.forever.Publish(ctx, chanKey(roomID), raw); err != nil {
		return time.Time{}, errors.PureWrap(err, "failed to broadcast envelope")
	}

	return now, nil
}

func (m *messageStoreImpl) History(ctx context.Context, roomID string) ([]chat.StoredEnvelope, error) {
	cutoff := m.clock.Now().Add(-chat.RoomTTL).UnixMilli()

	rows, err := m.forever.ZRangeByScore(ctx, msgsKey(roomID), &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	})
	if err != nil {
		return nil, errors.PureWrap(err, "failed to read history")
	}

	out := make([]chat.StoredEnvelope, 0, len(rows))
	for _, row := range rows {
		var stored chat.StoredEnvelope
		if err := json.Unmarshal([]byte(row), &stored); err != nil {
			m.logger.Warn("skipping unreadable history row",
				log.String("roomId", roomID),
				log.Error(err))
			continue
		}
		out = append(out, stored)
	}
	return out, nil
}

func (m *messageStoreImpl) Subscribe(ctx context.Context, roomID string) *goredis.PubSub {
	return m.client.Subscribe(ctx, chanKey(roomID))
}

func (m *messageStoreImpl) Purge(ctx context.Context, roomID string) (int64, error) {
	cutoff := m.clock.Now().Add(-chat.RoomTTL).UnixMilli()

	removed, err := m.forever.ZRemRangeByScore(ctx, msgsKey(roomID),
		"-inf", strconv.FormatInt(cutoff, 10))
	if err != nil {
		return 0, errors.PureWrap(err, "failed to purge history")
	}
	if removed > 0 {
		m.logger.Info("purged expired envelopes",
			log.String("roomId", roomID),
			log.Int64("removed", removed))
	}
	return removed, nil
}
