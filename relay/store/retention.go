package store

import (
	"context"
	"time"

	"github.com/seedchat/seedchat/chat"
)

// Scheduler arms a deferred purge for a room. Implemented by the
// retention purger.
type Scheduler interface {
	Schedule(roomID string)
}

// WithRetention decorates a MessageStore so every successful append
// also arms the room's purge.
func WithRetention(inner MessageStore, sched Scheduler) MessageStore {
	if inner == nil {
		panic("message store is required")
	}
	if sched == nil {
		panic("scheduler is required")
	}
	return &retentionStore{MessageStore: inner, sched: sched}
}

type retentionStore struct {
	MessageStore
	sched Scheduler
}

func (r *retentionStore) Append(ctx context.Context, roomID string, env chat.Envelope) (time.Time, error) {
	createdAt, err := r.MessageStore.Append(ctx, roomID, env)
	if err != nil {
		return time.Time{}, err
	}
	r.sched.Schedule(roomID)
	return createdAt, nil
}
