package retention

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/internal/log"
	"github.com/seedchat/seedchat/internal/scheduler"
	"github.com/seedchat/seedchat/relay/store"
)

// Purger deletes expired history proactively instead of waiting for
// reads to filter it. One scheduler key per room; the keyed scheduler
// keeps the earliest horizon, which is exactly when the room's oldest
// row falls out of the retention window.
type Purger struct {
	store  store.MessageStore
	sched  *scheduler.KeyedScheduler
	clock  clockwork.Clock
	logger *log.Logger

	wg sync.WaitGroup
}

func NewPurger(st store.MessageStore, clock clockwork.Clock, logger *log.Logger) *Purger {
	if st == nil {
		panic("message store is required")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = log.NewNop()
	}
	logger = logger.Module("Purger")

	return &Purger{
		store:  st,
		sched:  scheduler.NewKeyedSchedulerWithClock(logger, clock),
		clock:  clock,
		logger: logger,
	}
}

// Schedule arms the room's purge at the retention horizon. Called on
// every append; later appends for an already armed room are no-ops
// since the oldest row still expires first.
func (p *Purger) Schedule(roomID string) {
	p.sched.Enqueue(roomID, chat.RoomTTL)
}

// Start consumes due rooms until the context is cancelled.
func (p *Purger) Start(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case roomID, ok := <-p.sched.Chan():
				if !ok {
					return
				}
				p.purge(ctx, roomID)
			}
		}
	}()
}

func (p *Purger) purge(ctx context.Context, roomID string) {
	if _, err := p.store.Purge(ctx, roomID); err != nil {
		p.logger.Error("purge failed", log.String("roomId", roomID), log.Error(err))
		return
	}

	// rows appended after the fired horizon still need their own purge
	rest, err := p.store.History(ctx, roomID)
	if err != nil {
		p.logger.Error("failed to probe remaining history",
			log.String("roomId", roomID), log.Error(err))
		return
	}
	if len(rest) > 0 {
		next := rest[0].CreatedAt.Add(chat.RoomTTL).Sub(p.clock.Now())
		p.sched.Enqueue(roomID, next)
	}
}

// Stop shuts the scheduler down and waits for the consumer to drain.
func (p *Purger) Stop() {
	p.sched.Shutdown()
	p.wg.Wait()
}
