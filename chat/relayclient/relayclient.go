package relayclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-resty/resty/v2"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/internal/errors"
	"github.com/seedchat/seedchat/internal/log"
	"github.com/seedchat/seedchat/internal/retry"
)

const (
	requestTimeout = 10 * time.Second

	reconnectInitial = 500 * time.Millisecond
	reconnectMax     = 30 * time.Second
)

type historyResponse struct {
	Messages []chat.StoredEnvelope `json:"messages"`
}

type publishResponse struct {
	CreatedAt time.Time `json:"created_at"`
}

// Client is a chat.Realtime over the relay's REST+WebSocket API. It
// only ever carries opaque envelopes; the relay address is the single
// piece of configuration.
type Client struct {
	http    *resty.Client
	baseURL string
	logger  *log.Logger
	retry   retry.Retry

	mu   sync.Mutex
	subs map[string]context.CancelFunc
}

func New(baseURL string, logger *log.Logger) *Client {
	if baseURL == "" {
		panic("relay base url is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	logger = logger.Module("RelayClient")

	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(requestTimeout),
		baseURL: baseURL,
		logger:  logger,
		retry:   retry.New(logger, reconnectInitial, reconnectMax, 0),
		subs:    make(map[string]context.CancelFunc),
	}
}

func (c *Client) Publish(ctx context.Context, roomID string, env chat.Envelope) error {
	var out publishResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(env).
		SetResult(&out).
		Post(fmt.Sprintf("/api/rooms/%s/messages", roomID))
	if err != nil {
		return errors.Wrap(chat.ErrTransport, err, "publish request failed")
	}
	if resp.IsError() {
		return errors.Newf(chat.ErrTransport, "publish rejected: %s: %s", resp.Status(), resp.String())
	}
	return nil
}

func (c *Client) History(ctx context.Context, roomID string) ([]chat.StoredEnvelope, error) {
	var out historyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get(fmt.Sprintf("/api/rooms/%s/messages", roomID))
	if err != nil {
		return nil, errors.Wrap(chat.ErrTransport, err, "history request failed")
	}
	if resp.IsError() {
		return nil, errors.Newf(chat.ErrTransport, "history rejected: %s", resp.Status())
	}
	return out.Messages, nil
}

// Subscribe dials the relay's per-room WebSocket and pumps frames into
// onEnvelope. Dropped connections are redialed with backoff until the
// context is cancelled or Unsubscribe is called.
func (c *Client) Subscribe(ctx context.Context, roomID string, onEnvelope func(chat.Envelope)) error {
	subCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	if prev, ok := c.subs[roomID]; ok {
		prev()
	}
	c.subs[roomID] = cancel
	c.mu.Unlock()

	// first dial happens here so a dead relay fails the join instead of
	// spinning silently in the background
	conn, err := c.dial(subCtx, roomID)
	if err != nil {
		cancel()
		return errors.Wrap(chat.ErrTransport, err, "failed to open subscription")
	}

	go c.pump(subCtx, roomID, conn, onEnvelope)
	return nil
}

func (c *Client) dial(ctx context.Context, roomID string) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s/api/rooms/%s/ws", c.baseURL, roomID)
	conn, _, err := websocket.Dial(ctx, url, nil)
	return conn, err
}

func (c *Client) pump(ctx context.Context, roomID string, conn *websocket.Conn, onEnvelope func(chat.Envelope)) {
	for {
		c.readLoop(ctx, conn, onEnvelope)
		if ctx.Err() != nil {
			return
		}

		c.logger.Warn("subscription dropped, reconnecting", log.String("roomId", roomID))
		err := c.retry.Do(ctx, func() error {
			var err error
			conn, err = c.dial(ctx, roomID)
			return err
		})
		if err != nil {
			// only a cancelled context ends the retry loop
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, onEnvelope func(chat.Envelope)) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		var stored chat.StoredEnvelope
		if err := wsjson.Read(ctx, conn, &stored); err != nil {
			return
		}
		onEnvelope(stored.Envelope)
	}
}

func (c *Client) Unsubscribe(_ context.Context, roomID string) error {
	c.mu.Lock()
	cancel, ok := c.subs[roomID]
	delete(c.subs, roomID)
	c.mu.Unlock()

	if !ok {
		return errors.Newf(chat.ErrTransport, "no subscription for room %s", roomID)
	}
	cancel()
	return nil
}
