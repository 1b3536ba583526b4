package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/internal/log"
	intredis "github.com/seedchat/seedchat/internal/redis"
	"github.com/seedchat/seedchat/relay/store"
)

const testRoom = "9c2f0a4d1e8b73655a0cfd21b4e6a9f0"

type RouterTestSuite struct {
	suite.Suite

	mini   *miniredis.Miniredis
	client *goredis.Client
	clock  *clockwork.FakeClock
	router *Router
	server *httptest.Server
	ctx    context.Context
}

func TestRouterTestSuite(t *testing.T) {
	suite.Run(t, new(RouterTestSuite))
}

func (s *RouterTestSuite) SetupTest() {
	var err error
	s.mini, err = miniredis.Run()
	s.Require().NoError(err)

	s.client = goredis.NewClient(&goredis.Options{Addr: s.mini.Addr()})
	s.clock = clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	logger := log.NewTest(s.T())
	forever := intredis.NewForever(s.client, time.Millisecond, 10*time.Millisecond, logger)
	st := store.NewMessageStore(s.client, forever, s.clock, logger)

	s.router = NewRouter(st, logger)
	s.server = httptest.NewServer(s.router.Handler())
	s.ctx = context.Background()
}

func (s *RouterTestSuite) TearDownTest() {
	s.router.Shutdown()
	s.server.Close()
	_ = s.client.Close()
	s.mini.Close()
}

func b64(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

func validBody() PublishBody {
	return PublishBody{
		IV:         b64(bytes.Repeat([]byte{1}, 12)),
		Ciphertext: b64(bytes.Repeat([]byte{2}, 48)),
	}
}

func (s *RouterTestSuite) publish(roomID string, body any) *http.Response {
	raw, err := json.Marshal(body)
	s.Require().NoError(err)

	resp, err := http.Post(
		fmt.Sprintf("%s/api/rooms/%s/messages", s.server.URL, roomID),
		"application/json", bytes.NewReader(raw))
	s.Require().NoError(err)
	return resp
}

func (s *RouterTestSuite) TestPublishAndHistory() {
	resp := s.publish(testRoom, validBody())
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)

	var out struct {
		CreatedAt time.Time `json:"created_at"`
	}
	s.NoError(json.NewDecoder(resp.Body).Decode(&out))
	s.Equal(s.clock.Now().UTC(), out.CreatedAt)

	histResp, err := http.Get(fmt.Sprintf("%s/api/rooms/%s/messages", s.server.URL, testRoom))
	s.Require().NoError(err)
	defer histResp.Body.Close()
	s.Equal(http.StatusOK, histResp.StatusCode)

	var hist struct {
		Messages []chat.StoredEnvelope `json:"messages"`
	}
	s.NoError(json.NewDecoder(histResp.Body).Decode(&hist))
	s.Require().Len(hist.Messages, 1)
	s.Equal(validBody().IV, hist.Messages[0].IV)
}

func (s *RouterTestSuite) TestHistoryEmptyRoom() {
	resp, err := http.Get(fmt.Sprintf("%s/api/rooms/%s/messages", s.server.URL, testRoom))
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *RouterTestSuite) TestPublishValidation() {
	cases := []struct {
		name string
		room string
		body PublishBody
	}{
		{"bad room id", "not-a-room-id", validBody()},
		{"uppercase room id", "9C2F0A4D1E8B73655A0CFD21B4E6A9F0", validBody()},
		{"iv not base64", testRoom, PublishBody{IV: "***", Ciphertext: validBody().Ciphertext}},
		{"iv wrong size", testRoom, PublishBody{IV: b64([]byte{1, 2, 3}), Ciphertext: validBody().Ciphertext}},
		{"ciphertext too short", testRoom, PublishBody{IV: validBody().IV, Ciphertext: b64([]byte{1})}},
		{"missing ciphertext", testRoom, PublishBody{IV: validBody().IV}},
	}

	for _, tc := range cases {
		resp := s.publish(tc.room, tc.body)
		s.Equal(http.StatusBadRequest, resp.StatusCode, tc.name)
		resp.Body.Close()
	}
}

func (s *RouterTestSuite) TestPublishRateLimit() {
	var throttled bool
	for i := 0; i < publishBurst+1; i++ {
		resp := s.publish(testRoom, validBody())
		if resp.StatusCode == http.StatusTooManyRequests {
			throttled = true
		}
		resp.Body.Close()
	}
	s.True(throttled)

	// other rooms keep their own budget
	resp := s.publish("0000000000000000000000000000beef", validBody())
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}

func (s *RouterTestSuite) TestWebSocketPush() {
	wsURL := fmt.Sprintf("%s/api/rooms/%s/ws", s.server.URL, testRoom)
	conn, _, err := websocket.Dial(s.ctx, wsURL, nil)
	s.Require().NoError(err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	// the fanout subscription races the publish; give it a moment
	time.Sleep(50 * time.Millisecond)

	resp := s.publish(testRoom, validBody())
	s.Equal(http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	readCtx, cancel := context.WithTimeout(s.ctx, 2*time.Second)
	defer cancel()

	var stored chat.StoredEnvelope
	s.NoError(wsjson.Read(readCtx, conn, &stored))
	s.Equal(validBody().IV, stored.IV)
	s.Equal(s.clock.Now().UTC(), stored.CreatedAt)
}

func (s *RouterTestSuite) TestHealth() {
	resp, err := http.Get(s.server.URL + "/health")
	s.Require().NoError(err)
	defer resp.Body.Close()
	s.Equal(http.StatusOK, resp.StatusCode)
}
