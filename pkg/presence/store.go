package presence

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Store mirrors which peers are connected to each room.
type Store interface {
	Reset(ctx context.Context) error
	AddPeer(ctx context.Context, room, id string) error
	RemovePeer(ctx context.Context, room, id string) error
	Peers(ctx context.Context, room string) ([]string, error)
}

// RedisStore implements Store with one Redis set per room plus an index set
// of rooms so Reset can find them.
type RedisStore struct {
	rdb      *redis.Client
	prefix   string
	keyRooms string
}

// NewRedisStore builds a presence store backed by Redis. Prefix is optional (e.g., "matchbox").
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "matchbox"
	}
	return &RedisStore{
		rdb:      rdb,
		prefix:   p,
		keyRooms: fmt.Sprintf("%s:presence:rooms", p),
	}
}

func (s *RedisStore) roomKey(room string) string {
	return fmt.Sprintf("%s:presence:room:%s", s.prefix, room)
}

func (s *RedisStore) Reset(ctx context.Context) error {
	rooms, err := s.rdb.SMembers(ctx, s.keyRooms).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(rooms)+1)
	for _, room := range rooms {
		keys = append(keys, s.roomKey(room))
	}
	keys = append(keys, s.keyRooms)
	return s.rdb.Del(ctx, keys...).Err()
}

func (s *RedisStore) AddPeer(ctx context.Context, room, id string) error {
	pipe := s.rdb.TxPipeline()
	_ = pipe.SAdd(ctx, s.keyRooms, room)
	_ = pipe.SAdd(ctx, s.roomKey(room), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) RemovePeer(ctx context.Context, room, id string) error {
	return s.rdb.SRem(ctx, s.roomKey(room), id).Err()
}

func (s *RedisStore) Peers(ctx context.Context, room string) ([]string, error) {
	vals, err := s.rdb.SMembers(ctx, s.roomKey(room)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(vals)
	return vals, nil
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]struct{}
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rooms: make(map[string]map[string]struct{})}
}

func (s *MemoryStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.rooms = make(map[string]map[string]struct{})
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) AddPeer(ctx context.Context, room, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers, ok := s.rooms[room]
	if !ok {
		peers = make(map[string]struct{})
		s.rooms[room] = peers
	}
	peers[id] = struct{}{}
	return nil
}

func (s *MemoryStore) RemovePeer(ctx context.Context, room, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers, ok := s.rooms[room]
	if !ok {
		return nil
	}
	delete(peers, id)
	if len(peers) == 0 {
		delete(s.rooms, room)
	}
	return nil
}

func (s *MemoryStore) Peers(ctx context.Context, room string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
