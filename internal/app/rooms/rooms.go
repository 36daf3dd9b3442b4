package rooms

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CodeAlphabet is the set of characters room codes are drawn from. Letters
// that are easy to confuse (I, J, Q) are left out.
const CodeAlphabet = "ABCDEFGHKLMNOPRSTUVWXYZ"

// CodeLength is the number of characters in a room code.
const CodeLength = 5

// DefaultTTL is how long an issued code is remembered.
const DefaultTTL = 24 * time.Hour

// Room is an issued room code. Peers join it by connecting to /<code>.
type Room struct {
	Code      string    `json:"code"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store describes room creation and lookup operations.
type Store interface {
	Create(ctx context.Context) (*Room, error)
	Get(ctx context.Context, code string) (*Room, error)
	Delete(ctx context.Context, code string) error
}

// ErrNotFound is returned when a room code does not exist.
var ErrNotFound = errors.New("room not found")

var errNoUniqueCode = errors.New("failed to generate unique room code")

const createAttempts = 5

// RedisStore persists room metadata in Redis.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore builds a room store scoped under the provided prefix (e.g., "matchbox").
func NewRedisStore(rdb *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "matchbox"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, prefix: p, ttl: ttl}
}

func (s *RedisStore) roomKey(code string) string {
	return fmt.Sprintf("%s:rooms:%s", s.prefix, code)
}

// Create generates a new room code and stores it.
func (s *RedisStore) Create(ctx context.Context) (*Room, error) {
	for i := 0; i < createAttempts; i++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		// A code that is already claimed is retried.
		ok, err := s.rdb.SetNX(ctx, s.roomKey(code), now.Format(time.RFC3339), s.ttl).Result()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		return &Room{Code: code, CreatedAt: now}, nil
	}
	return nil, errNoUniqueCode
}

// Get fetches a room by code, returning ErrNotFound when missing.
func (s *RedisStore) Get(ctx context.Context, code string) (*Room, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrNotFound
	}

	val, err := s.rdb.Get(ctx, s.roomKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	createdAt := time.Now().UTC()
	if parsed, err := time.Parse(time.RFC3339, val); err == nil {
		createdAt = parsed
	}
	return &Room{Code: code, CreatedAt: createdAt}, nil
}

// Delete releases code so it can be issued again.
func (s *RedisStore) Delete(ctx context.Context, code string) error {
	key := s.roomKey(strings.TrimSpace(code))
	n, err := s.rdb.Del(ctx, key).Result()
	switch {
	case err != nil:
		return fmt.Errorf("delete room %s: %w", code, err)
	case n == 0:
		return ErrNotFound
	}
	return nil
}

// MemoryStore keeps issued codes in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	rooms map[string]Room
	now   func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:   ttl,
		rooms: make(map[string]Room),
		now:   time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	for i := 0; i < createAttempts; i++ {
		code, err := GenerateCode()
		if err != nil {
			return nil, err
		}
		if _, taken := s.rooms[code]; taken {
			continue
		}
		room := Room{Code: code, CreatedAt: s.now().UTC()}
		s.rooms[code] = room
		return &room, nil
	}
	return nil, errNoUniqueCode
}

func (s *MemoryStore) Get(ctx context.Context, code string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	room, ok := s.rooms[strings.TrimSpace(code)]
	if !ok {
		return nil, ErrNotFound
	}
	return &room, nil
}

func (s *MemoryStore) Delete(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	room, ok := s.rooms[strings.TrimSpace(code)]
	if !ok {
		return ErrNotFound
	}
	delete(s.rooms, room.Code)
	return nil
}

func (s *MemoryStore) expireLocked() {
	cutoff := s.now().Add(-s.ttl)
	for code, room := range s.rooms {
		if room.CreatedAt.Before(cutoff) {
			delete(s.rooms, code)
		}
	}
}

// GenerateCode produces a random room code from CodeAlphabet.
func GenerateCode() (string, error) {
	var b strings.Builder
	size := big.NewInt(int64(len(CodeAlphabet)))
	for i := 0; i < CodeLength; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate room code: %w", err)
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
