package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// OnlinePrefix keys the primary-connection marker, which carries the TTL.
	OnlinePrefix = "presence:online:"

	// ConnsPrefix keys the per-user connection set.
	ConnsPrefix = "presence:conns:"

	// DefaultTTL is applied when AddConn refreshes a record.
	DefaultTTL = 5 * time.Minute
)

// RedisStore is the shared presence backend. Connection sets live in Redis
// sets so that every gateway instance can discover a user's sessions, even
// those held by a different instance.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection before
// returning a ready store.
func NewRedisStore(addr string, ttl time.Duration) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// NewRedisStoreWithClient wraps an existing client; used by tests.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

// SetOnline records conn as the user's sole primary connection with the
// given TTL and resets the connection set to contain only conn.
func (s *RedisStore) SetOnline(ctx context.Context, userID, connID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, OnlinePrefix+userID, connID, ttl)
	pipe.Del(ctx, ConnsPrefix+userID)
	pipe.SAdd(ctx, ConnsPrefix+userID, connID)
	pipe.Expire(ctx, ConnsPrefix+userID, ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("presence: set online %s: %w", userID, err)
	}
	return nil
}

// GetOnline returns the user's primary connection ID, or ("", false, nil)
// when no unexpired record exists. Redis TTL handles expiry for us.
func (s *RedisStore) GetOnline(ctx context.Context, userID string) (string, bool, error) {
	connID, err := s.client.Get(ctx, OnlinePrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("presence: get online %s: %w", userID, err)
	}
	return connID, true, nil
}

// SetOffline removes both the primary marker and the connection set.
func (s *RedisStore) SetOffline(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, OnlinePrefix+userID)
	pipe.Del(ctx, ConnsPrefix+userID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set offline %s: %w", userID, err)
	}
	return nil
}

// AddConn adds conn to the user's set and refreshes both keys' TTLs.
func (s *RedisStore) AddConn(ctx context.Context, userID, connID string) error {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, ConnsPrefix+userID, connID)
	pipe.Expire(ctx, ConnsPrefix+userID, s.ttl)
	pipe.Expire(ctx, OnlinePrefix+userID, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: add conn %s/%s: %w", userID, connID, err)
	}
	return nil
}

// RemoveConn removes conn from the user's set. When the set drains, both
// keys are deleted so the user reads as offline.
func (s *RedisStore) RemoveConn(ctx context.Context, userID, connID string) error {
	if err := s.client.SRem(ctx, ConnsPrefix+userID, connID).Err(); err != nil {
		return fmt.Errorf("presence: remove conn %s/%s: %w", userID, connID, err)
	}

	n, err := s.client.SCard(ctx, ConnsPrefix+userID).Result()
	if err != nil {
		return fmt.Errorf("presence: remove conn %s/%s: %w", userID, connID, err)
	}
	if n == 0 {
		return s.SetOffline(ctx, userID)
	}

	// If the removed conn was the primary marker, drop the marker too.
	primary, err := s.client.Get(ctx, OnlinePrefix+userID).Result()
	if err == nil && primary == connID {
		if err := s.client.Del(ctx, OnlinePrefix+userID).Err(); err != nil {
			return fmt.Errorf("presence: remove conn %s/%s: %w", userID, connID, err)
		}
	} else if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("presence: remove conn %s/%s: %w", userID, connID, err)
	}
	return nil
}

// Conns returns the user's live connection set.
func (s *RedisStore) Conns(ctx context.Context, userID string) ([]string, error) {
	conns, err := s.client.SMembers(ctx, ConnsPrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: conns %s: %w", userID, err)
	}
	return conns, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
