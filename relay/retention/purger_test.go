package retention

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/internal/log"
	intredis "github.com/seedchat/seedchat/internal/redis"
	"github.com/seedchat/seedchat/relay/store"
)

const testRoom = "9c2f0a4d1e8b73655a0cfd21b4e6a9f0"

type PurgerTestSuite struct {
	suite.Suite

	mini   *miniredis.Miniredis
	client *goredis.Client
	clock  *clockwork.FakeClock
	store  store.MessageStore
	purger *Purger
	ctx    context.Context
	cancel context.CancelFunc
}

func TestPurgerTestSuite(t *testing.T) {
	suite.Run(t, new(PurgerTestSuite))
}

func (s *PurgerTestSuite) SetupTest() {
	var err error
	s.mini, err = miniredis.Run()
	s.Require().NoError(err)

	s.client = goredis.NewClient(&goredis.Options{Addr: s.mini.Addr()})
	s.clock = clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	logger := log.NewTest(s.T())
	forever := intredis.NewForever(s.client, time.Millisecond, 10*time.Millisecond, logger)
	s.store = store.NewMessageStore(s.client, forever, s.clock, logger)
	s.purger = NewPurger(s.store, s.clock, logger)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.purger.Start(s.ctx)
}

func (s *PurgerTestSuite) TearDownTest() {
	s.cancel()
	s.purger.Stop()
	_ = s.client.Close()
	s.mini.Close()
}

func (s *PurgerTestSuite) rows() int64 {
	return s.client.ZCard(context.Background(), "sc:r:"+testRoom+":msgs").Val()
}

func (s *PurgerTestSuite) TestPurgesAtHorizon() {
	_, err := s.store.Append(s.ctx, testRoom, chat.Envelope{IV: "iv-1", Ciphertext: "x"})
	s.Require().NoError(err)
	s.purger.Schedule(testRoom)

	s.EqualValues(1, s.rows())

	s.clock.Advance(chat.RoomTTL + time.Second)

	s.Eventually(func() bool { return s.rows() == 0 },
		2*time.Second, 10*time.Millisecond)
}

func (s *PurgerTestSuite) TestLaterRowsGetTheirOwnHorizon() {
	_, err := s.store.Append(s.ctx, testRoom, chat.Envelope{IV: "iv-old", Ciphertext: "x"})
	s.Require().NoError(err)
	s.purger.Schedule(testRoom)

	s.clock.Advance(time.Hour)
	_, err = s.store.Append(s.ctx, testRoom, chat.Envelope{IV: "iv-new", Ciphertext: "x"})
	s.Require().NoError(err)
	s.purger.Schedule(testRoom)

	// first horizon removes only the old row
	s.clock.Advance(chat.RoomTTL - time.Hour + time.Second)
	s.Eventually(func() bool { return s.rows() == 1 },
		2*time.Second, 10*time.Millisecond)

	// the rescheduled horizon removes the rest
	s.clock.Advance(time.Hour)
	s.Eventually(func() bool { return s.rows() == 0 },
		2*time.Second, 10*time.Millisecond)
}
