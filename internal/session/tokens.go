package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRecord is what a session token resolves to on reconnect.
type TokenRecord struct {
	UserID   string    `json:"user_id"`
	DeviceID string    `json:"device_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// TokenStore persists hashed session tokens so reconnects survive a restart.
type TokenStore interface {
	Save(ctx context.Context, tokenHash, userID, deviceID string) error
	Lookup(ctx context.Context, tokenHash string) (TokenRecord, error)
}

// RedisTokenStore keeps session tokens in Redis.
type RedisTokenStore struct {
	client *redis.Client
	prefix string
}

func NewRedisTokenStore(redisURL string) (*RedisTokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &RedisTokenStore{client: client, prefix: "session:"}, nil
}

func (s *RedisTokenStore) Close() error {
	return s.client.Close()
}

func (s *RedisTokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisTokenStore) Save(ctx context.Context, tokenHash, userID, deviceID string) error {
	data, err := json.Marshal(TokenRecord{UserID: userID, DeviceID: deviceID, IssuedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal token record: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+tokenHash, data, 0).Err(); err != nil {
		return fmt.Errorf("save session token: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Lookup(ctx context.Context, tokenHash string) (TokenRecord, error) {
	data, err := s.client.Get(ctx, s.prefix+tokenHash).Result()
	if err == redis.Nil {
		return TokenRecord{}, fmt.Errorf("token not found")
	}
	if err != nil {
		return TokenRecord{}, fmt.Errorf("lookup session token: %w", err)
	}
	var record TokenRecord
	if err := json.Unmarshal([]byte(data), &record); err != nil {
		return TokenRecord{}, fmt.Errorf("unmarshal token record: %w", err)
	}
	return record, nil
}

// TokenPersister is the slice of the database the durable token tier needs.
type TokenPersister interface {
	SaveSessionToken(ctx context.Context, tokenHash, userID, deviceID string) error
	LookupSessionToken(ctx context.Context, tokenHash string) (userID, deviceID string, err error)
}

// TieredTokenStore writes tokens through to Postgres while serving lookups
// from the fast tier first, so either backend alone can restore a reconnect.
type TieredTokenStore struct {
	fast TokenStore
	db   TokenPersister
}

func NewTieredTokenStore(fast TokenStore, db TokenPersister) *TieredTokenStore {
	return &TieredTokenStore{fast: fast, db: db}
}

func (s *TieredTokenStore) Save(ctx context.Context, tokenHash, userID, deviceID string) error {
	if err := s.db.SaveSessionToken(ctx, tokenHash, userID, deviceID); err != nil {
		return err
	}
	return s.fast.Save(ctx, tokenHash, userID, deviceID)
}

func (s *TieredTokenStore) Lookup(ctx context.Context, tokenHash string) (TokenRecord, error) {
	record, err := s.fast.Lookup(ctx, tokenHash)
	if err == nil {
		return record, nil
	}
	userID, deviceID, err := s.db.LookupSessionToken(ctx, tokenHash)
	if err != nil {
		return TokenRecord{}, err
	}
	return TokenRecord{UserID: userID, DeviceID: deviceID}, nil
}

// MemoryTokenStore is the fallback when Redis is not configured.
type MemoryTokenStore struct {
	mu      sync.Mutex
	records map[string]TokenRecord
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{records: make(map[string]TokenRecord)}
}

func (s *MemoryTokenStore) Save(_ context.Context, tokenHash, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[tokenHash] = TokenRecord{UserID: userID, DeviceID: deviceID, IssuedAt: time.Now()}
	return nil
}

func (s *MemoryTokenStore) Lookup(_ context.Context, tokenHash string) (TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[tokenHash]
	if !ok {
		return TokenRecord{}, fmt.Errorf("token not found")
	}
	return record, nil
}
