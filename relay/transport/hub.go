package transport

import (
	"context"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/seedchat/seedchat/internal/log"
	"github.com/seedchat/seedchat/relay/store"
)

const writeTimeout = 5 * time.Second

// wsHub fans redis pub/sub messages out to the room's WebSocket
// clients. One fanout goroutine per room with at least one client;
// the last client leaving tears the subscription down.
type wsHub struct {
	store  store.MessageStore
	logger *log.Logger

	mu    sync.RWMutex
	rooms map[string]*roomFanout
}

type roomFanout struct {
	cancel  context.CancelFunc
	clients map[string]*websocket.Conn
}

func newWSHub(st store.MessageStore, logger *log.Logger) *wsHub {
	return &wsHub{
		store:  st,
		logger: logger.Module("WSHub"),
		rooms:  make(map[string]*roomFanout),
	}
}

// AddClient registers the connection and returns its id for removal.
func (h *wsHub) AddClient(roomID string, conn *websocket.Conn) string {
	connID := uuid.NewString()

	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		room = &roomFanout{
			cancel:  cancel,
			clients: make(map[string]*websocket.Conn),
		}
		h.rooms[roomID] = room
		go h.fanout(ctx, roomID)
	}
	room.clients[connID] = conn

	h.logger.Info("client connected",
		log.String("roomId", roomID),
		log.String("connId", connID),
		log.Int("roomClients", len(room.clients)))
	return connID
}

func (h *wsHub) RemoveClient(roomID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[roomID]
	if !ok {
		return
	}
	delete(room.clients, connID)

	if len(room.clients) == 0 {
		room.cancel()
		delete(h.rooms, roomID)
	}

	h.logger.Info("client disconnected",
		log.String("roomId", roomID),
		log.String("connId", connID))
}

func (h *wsHub) fanout(ctx context.Context, roomID string) {
	sub := h.store.Subscribe(ctx, roomID)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			h.broadcast(ctx, roomID, []byte(msg.Payload))
		}
	}
}

func (h *wsHub) broadcast(ctx context.Context, roomID string, payload []byte) {
	h.mu.RLock()
	room, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}
	conns := make([]*websocket.Conn, 0, len(room.clients))
	for _, conn := range room.clients {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		if err := conn.Write(wctx, websocket.MessageText, payload); err != nil {
			// the read loop notices the dead conn and removes it
			h.logger.Warn("failed to push envelope",
				log.String("roomId", roomID),
				log.Error(err))
		}
		cancel()
	}
}

// Shutdown cancels every room fanout.
func (h *wsHub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for roomID, room := range h.rooms {
		room.cancel()
		delete(h.rooms, roomID)
	}
}
