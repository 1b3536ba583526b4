package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/suite"

	"github.com/seedchat/seedchat/internal/log"
)

type SchedulerTestSuite struct {
	suite.Suite
	logger    *log.Logger
	clock     *clockwork.FakeClock
	scheduler *KeyedScheduler
	mu        sync.Mutex
	triggered map[string]int
}

func TestSchedulerSuite(t *testing.T) {
	suite.Run(t, new(SchedulerTestSuite))
}

func (s *SchedulerTestSuite) SetupTest() {
	s.logger = log.NewNop()
	s.clock = clockwork.NewFakeClock()
	s.scheduler = NewKeyedSchedulerWithClock(s.logger, s.clock)
	s.triggered = make(map[string]int)
}

func (s *SchedulerTestSuite) TearDownTest() {
	s.scheduler.Shutdown()
}

func (s *SchedulerTestSuite) onTrigger(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered[key]++
}

func (s *SchedulerTestSuite) getTriggeredCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggered[key]
}

func (s *SchedulerTestSuite) TestBasic() {
	triggered := make(chan string, 2)

	go func() {
		for key := range s.scheduler.Chan() {
			s.onTrigger(key)
			triggered <- key
		}
	}()

	s.scheduler.Enqueue("room1", 50*time.Millisecond)
	s.scheduler.Enqueue("room2", 100*time.Millisecond)

	s.clock.Advance(50 * time.Millisecond)
	s.Assert().Equal("room1", <-triggered)

	s.clock.Advance(50 * time.Millisecond)
	s.Assert().Equal("room2", <-triggered)

	s.Assert().Equal(1, s.getTriggeredCount("room1"))
	s.Assert().Equal(1, s.getTriggeredCount("room2"))
}

func (s *SchedulerTestSuite) TestCancel() {
	nowPlus100ms := s.clock.Now().Add(100 * time.Millisecond)
	nowPlus200ms := s.clock.Now().Add(200 * time.Millisecond)

	// cannot use Enqueue here, it only sends to the loop channel
	s.scheduler.doEnqueue(&item{key: "room1", ts: nowPlus100ms})
	s.scheduler.doEnqueue(&item{key: "room2", ts: nowPlus200ms})

	s.Assert().Equal(2, len(s.scheduler.items))
	s.Assert().Equal(nowPlus100ms, s.scheduler.timerTS)

	s.scheduler.doCancel("room1")

	s.Assert().Equal(1, len(s.scheduler.items))
	s.Assert().Equal(nowPlus200ms, s.scheduler.timerTS)
	_, ok := s.scheduler.items["room2"]
	s.Assert().True(ok)
}

func (s *SchedulerTestSuite) TestEarliestWins() {
	nowPlus100ms := s.clock.Now().Add(100 * time.Millisecond)
	nowPlus200ms := s.clock.Now().Add(200 * time.Millisecond)

	s.scheduler.doEnqueue(&item{key: "room1", ts: nowPlus200ms})
	s.scheduler.doEnqueue(&item{key: "room1", ts: nowPlus100ms})
	// later request for the same key is ignored
	s.scheduler.doEnqueue(&item{key: "room1", ts: nowPlus200ms})

	s.Assert().Equal(1, len(s.scheduler.items))
	s.Assert().Equal(nowPlus100ms, s.scheduler.items["room1"].ts)
}

func (s *SchedulerTestSuite) TestFireDueDrainsAllExpired() {
	triggered := make(chan string, 3)

	go func() {
		for key := range s.scheduler.Chan() {
			triggered <- key
		}
	}()

	s.scheduler.Enqueue("a", 10*time.Millisecond)
	s.scheduler.Enqueue("b", 20*time.Millisecond)
	s.scheduler.Enqueue("c", 500*time.Millisecond)

	s.clock.Advance(100 * time.Millisecond)

	s.Assert().Equal("a", <-triggered)
	s.Assert().Equal("b", <-triggered)

	select {
	case key := <-triggered:
		s.FailNow("unexpected fire", key)
	case <-time.After(20 * time.Millisecond):
	}
}
