package identity

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/seedchat/seedchat/chat"
	"github.com/seedchat/seedchat/internal/errors"
	"github.com/seedchat/seedchat/internal/log"
)

// Store hands out one pseudonymous identity per room and keeps it across
// sessions through the backing KV. Persistence is best effort: when the
// KV fails the identity lives in memory for the current run only.
type Store struct {
	kv     chat.KV
	logger *log.Logger

	mu    sync.Mutex
	cache map[string]chat.Identity
}

func NewStore(kv chat.KV, logger *log.Logger) *Store {
	if kv == nil {
		panic("kv is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &Store{
		kv:     kv,
		logger: logger,
		cache:  make(map[string]chat.Identity),
	}
}

func storageKey(roomID string) string {
	return "identity:" + roomID
}

func defaultName() string {
	return fmt.Sprintf("guest-%d", rand.IntN(1000))
}

// GetOrCreate returns the persisted identity for the room, creating and
// persisting a fresh one (random user id, randomized display name) on
// first use.
func (s *Store) GetOrCreate(roomID string) chat.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.cache[roomID]; ok {
		return id
	}

	if raw, ok := s.kv.Get(storageKey(roomID)); ok {
		var id chat.Identity
		if err := json.Unmarshal([]byte(raw), &id); err == nil && id.UserID != "" {
			s.cache[roomID] = id
			return id
		}
		s.logger.Warn("discarding unreadable stored identity", log.String("roomId", roomID))
	}

	id := chat.Identity{
		UserID:   uuid.NewString(),
		UserName: defaultName(),
	}
	s.persist(roomID, id)
	s.cache[roomID] = id
	return id
}

// Rename validates and persists a new display name for the room's
// identity. Last writer wins.
func (s *Store) Rename(roomID, newName string) (chat.Identity, error) {
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return chat.Identity{}, errors.New(chat.ErrEmpty, "name is empty")
	}
	if utf8.RuneCountInString(newName) > chat.MaxNameLen {
		return chat.Identity{}, errors.Newf(chat.ErrNameTooLong, "name exceeds %d characters", chat.MaxNameLen)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.cache[roomID]
	if !ok {
		// Rename before GetOrCreate still yields a full identity
		id = chat.Identity{UserID: uuid.NewString()}
	}
	id.UserName = newName

	s.persist(roomID, id)
	s.cache[roomID] = id
	return id, nil
}

func (s *Store) persist(roomID string, id chat.Identity) {
	raw, err := json.Marshal(id)
	if err != nil {
		s.logger.Warn("failed to encode identity", log.Error(err))
		return
	}
	if err := s.kv.Set(storageKey(roomID), string(raw)); err != nil {
		// non-fatal, session continues with the in-memory identity
		s.logger.Warn("failed to persist identity",
			log.String("roomId", roomID),
			log.Error(err))
	}
}
