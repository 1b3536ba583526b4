package store

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
)

const testRoom = "9c2f0a4d1e8b73655a0cfd21b4e6a9f0"

type MessageStoreTestSuite struct {
	suite.Suite

	mini   *miniredis.Miniredis
	client *goredis.Client
	clock  *clockwork.FakeClock
	store  MessageStore
	ctx    context.Context
}

func TestMessageStoreTestSuite(t *testing.T) {
	suite.Run(t, new(MessageStoreTestSuite))
}

func (s *MessageStoreTestSuite) SetupTest() {
	var err error
	s.mini, err = miniredis.Run()
	s.Require().NoError(err)

	s.client = goredis.NewClient(&goredis.Options{Addr: s.mini.Addr()})
	s.clock = clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	logger := log.NewTest(s.T())
	forever := intredis.NewForever(s.client, time.Millisecond, 10*time.Millisecond, logger)
	s.store = NewMessageStore(s.client, forever, s.clock, logger)
	s.ctx = context.Background()
}

func (s *MessageStoreTestSuite) TearDownTest() {
	_ = s.client.Close()
	s.mini.Close()
}

func env(iv string) chat.Envelope {
	return chat.Envelope{IV: iv, Ciphertext: "payload"}
}

func (s *MessageStoreTestSuite) TestAppendAndHistory() {
	createdAt, err := s.store.Append(s.ctx, testRoom, env("iv-1"))
	s.NoError(err)
	s.Equal(s.clock.Now().UTC(), createdAt)

	s.clock.Advance(time.Minute)
	_, err = s.store.Append(s.ctx, testRoom, env("iv-2"))
	s.NoError(err)

	hist, err := s.store.History(s.ctx, testRoom)
	s.NoError(err)
	s.Require().Len(hist, 2)
	s.Equal("iv-1", hist[0].IV)
	s.Equal("iv-2", hist[1].IV)
	s.True(hist[0].CreatedAt.Before(hist[1].CreatedAt))
}

func (s *MessageStoreTestSuite) TestHistoryEmptyRoom() {
	hist, err := s.store.History(s.ctx, testRoom)
	s.NoError(err)
	s.Empty(hist)
}

func (s *MessageStoreTestSuite) TestHistoryExcludesExpired() {
	_, err := s.store.Append(s.ctx, testRoom, env("iv-old"))
	s.NoError(err)

	s.clock.Advance(chat.RoomTTL)
	_, err = s.store.Append(s.ctx, testRoom, env("iv-new"))
	s.NoError(err)

	hist, err := s.store.History(s.ctx, testRoom)
	s.NoError(err)
	s.Require().Len(hist, 1)
	s.Equal("iv-new", hist[0].IV)
}

func (s *MessageStoreTestSuite) TestAppendRefreshesKeyTTL() {
	_, err := s.store.Append(s.ctx, testRoom, env("iv-1"))
	s.NoError(err)

	ttl := s.client.TTL(s.ctx, msgsKey(testRoom)).Val()
	s.Equal(chat.RoomTTL, ttl)
}

func (s *MessageStoreTestSuite) TestPurge() {
	_, err := s.store.Append(s.ctx, testRoom, env("iv-old"))
	s.NoError(err)
	s.clock.Advance(time.Hour)
	_, err = s.store.Append(s.ctx, testRoom, env("iv-new"))
	s.NoError(err)

	// nothing expired yet
	removed, err := s.store.Purge(s.ctx, testRoom)
	s.NoError(err)
	s.Zero(removed)

	s.clock.Advance(chat.RoomTTL - time.Hour)
	removed, err = s.store.Purge(s.ctx, testRoom)
	s.NoError(err)
	s.EqualValues(1, removed)

	hist, err := s.store.History(s.ctx, testRoom)
	s.NoError(err)
	s.Require().Len(hist, 1)
	s.Equal("iv-new", hist[0].IV)
}

func (s *MessageStoreTestSuite) TestAppendBroadcasts() {
	sub := s.store.Subscribe(s.ctx, testRoom)
	defer sub.Close()

	_, err := sub.Receive(s.ctx) // subscription confirmation
	s.Require().NoError(err)

	_, err = s.store.Append(s.ctx, testRoom, env("iv-1"))
	s.NoError(err)

	select {
	case msg := <-sub.Channel():
		s.Contains(msg.Payload, `"iv-1"`)
		s.Equal(chanKey(testRoom), msg.Channel)
	case <-time.After(time.Second):
		s.FailNow("no fanout message")
	}
}

type recordingScheduler struct {
	scheduled []string
}

func (r *recordingScheduler) Schedule(roomID string) {
	r.scheduled = append(r.scheduled, roomID)
}

func (s *MessageStoreTestSuite) TestWithRetentionArmsPurge() {
	sched := &recordingScheduler{}
	decorated := WithRetention(s.store, sched)

	_, err := decorated.Append(s.ctx, testRoom, env("iv-1"))
	s.NoError(err)
	s.Equal([]string{testRoom}, sched.scheduled)

	// reads pass through untouched
	hist, err := decorated.History(s.ctx, testRoom)
	s.NoError(err)
	s.Len(hist, 1)
	s.Equal([]string{testRoom}, sched.scheduled)
}

func (s *MessageStoreTestSuite) TestRoomsAreIsolated() {
	other := "0000000000000000000000000000beef"

	_, err := s.store.Append(s.ctx, testRoom, env("iv-1"))
	s.NoError(err)

	hist, err := s.store.History(s.ctx, other)
	s.NoError(err)
	s.Empty(hist)
}
