package loopback

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/internal/errors"
	"github.com/seedchat/seedchat/internal/log"
)

const testRoom = "9c2f0a4d1e8b73655a0cfd21b4e6a9f0"

type LoopbackTestSuite struct {
	suite.Suite

	clock *clockwork.FakeClock
	hub   *Hub
	ctx   context.Context
}

func TestLoopbackTestSuite(t *testing.T) {
	suite.Run(t, new(LoopbackTestSuite))
}

func (s *LoopbackTestSuite) SetupTest() {
	s.clock = clockwork.NewFakeClock()
	s.hub = NewHub(s.clock, log.NewTest(s.T()))
	s.ctx = context.Background()
}

func env(iv string) chat.Envelope {
	return chat.Envelope{IV: iv, Ciphertext: "payload"}
}

func (s *LoopbackTestSuite) collect(c *Client) <-chan chat.Envelope {
	got := make(chan chat.Envelope, subscriberBuffer)
	s.NoError(c.Subscribe(s.ctx, testRoom, func(e chat.Envelope) {
		got <- e
	}))
	return got
}

func (s *LoopbackTestSuite) waitFor(ch <-chan chat.Envelope) chat.Envelope {
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		s.FailNow("timed out waiting for envelope")
		return chat.Envelope{}
	}
}

func (s *LoopbackTestSuite) TestPublishReachesAllSubscribers() {
	alice := s.hub.NewClient()
	bob := s.hub.NewClient()

	gotA := s.collect(alice)
	gotB := s.collect(bob)

	s.NoError(alice.Publish(s.ctx, testRoom, env("iv-1")))

	s.Equal(env("iv-1"), s.waitFor(gotA))
	s.Equal(env("iv-1"), s.waitFor(gotB))
}

func (s *LoopbackTestSuite) TestRoomsAreIsolated() {
	alice := s.hub.NewClient()
	bob := s.hub.NewClient()

	got := make(chan chat.Envelope, 1)
	s.NoError(bob.Subscribe(s.ctx, "0000000000000000000000000000beef", func(e chat.Envelope) {
		got <- e
	}))

	s.NoError(alice.Publish(s.ctx, testRoom, env("iv-1")))

	select {
	case <-got:
		s.FailNow("envelope crossed rooms")
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *LoopbackTestSuite) TestHistoryAscendingAndExpiring() {
	alice := s.hub.NewClient()

	s.NoError(alice.Publish(s.ctx, testRoom, env("iv-1")))
	s.clock.Advance(time.Hour)
	s.NoError(alice.Publish(s.ctx, testRoom, env("iv-2")))

	hist, err := alice.History(s.ctx, testRoom)
	s.NoError(err)
	s.Len(hist, 2)
	s.Equal("iv-1", hist[0].IV)
	s.Equal("iv-2", hist[1].IV)
	s.True(hist[0].CreatedAt.Before(hist[1].CreatedAt))

	// first envelope ages out of the retention window
	s.clock.Advance(chat.RoomTTL - time.Hour)
	hist, err = alice.History(s.ctx, testRoom)
	s.NoError(err)
	s.Len(hist, 1)
	s.Equal("iv-2", hist[0].IV)
}

func (s *LoopbackTestSuite) TestUnsubscribeStopsDelivery() {
	alice := s.hub.NewClient()
	bob := s.hub.NewClient()

	gotB := s.collect(bob)
	s.NoError(bob.Unsubscribe(s.ctx, testRoom))

	s.NoError(alice.Publish(s.ctx, testRoom, env("iv-1")))

	select {
	case <-gotB:
		s.FailNow("delivery after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}

	err := bob.Unsubscribe(s.ctx, testRoom)
	s.True(errors.Is(err, chat.ErrTransport))
}

func (s *LoopbackTestSuite) TestContextCancelStopsDelivery() {
	alice := s.hub.NewClient()
	bob := s.hub.NewClient()

	ctx, cancel := context.WithCancel(s.ctx)
	got := make(chan chat.Envelope, 1)
	s.NoError(bob.Subscribe(ctx, testRoom, func(e chat.Envelope) {
		got <- e
	}))
	cancel()

	// the delivery goroutine drains asynchronously; give it a moment
	time.Sleep(20 * time.Millisecond)
	s.NoError(alice.Publish(s.ctx, testRoom, env("iv-1")))

	select {
	case <-got:
		s.FailNow("delivery after cancel")
	case <-time.After(50 * time.Millisecond):
	}
}
