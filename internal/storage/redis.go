package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/yungsuk53-pixel/crime/internal/config"
	"github.com/yungsuk53-pixel/crime/internal/interfaces"
)

// RedisStore keeps the recent sessions lists and the transition locks.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	maxRecent int
	recentTTL time.Duration
}

func NewRedisStore(cfg config.RedisConfig, maxRecent int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return newRedisStore(client, cfg.KeyPrefix, maxRecent, cfg.RecentTTL), nil
}

func newRedisStore(client *redis.Client, prefix string, maxRecent int, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "crime"
	}
	if maxRecent <= 0 {
		maxRecent = DefaultMaxRecent
	}
	return &RedisStore{client: client, prefix: prefix, maxRecent: maxRecent, recentTTL: ttl}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) recentKey(owner string) string {
	return fmt.Sprintf("%s:recent:%s", s.prefix, owner)
}

// Remember pushes entry to the front of the owner's list, dropping an older
// entry for the same code and name and trimming to the configured size.
func (s *RedisStore) Remember(ctx context.Context, owner string, entry interfaces.RecentSession) error {
	key := s.recentKey(owner)
	existing, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read recent sessions: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal recent session: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, raw := range existing {
			var old interfaces.RecentSession
			if json.Unmarshal([]byte(raw), &old) != nil || sameRecent(old, entry) {
				pipe.LRem(ctx, key, 0, raw)
			}
		}
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(s.maxRecent-1))
		if s.recentTTL > 0 {
			pipe.Expire(ctx, key, s.recentTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store recent session: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, owner string) ([]interfaces.RecentSession, error) {
	results, err := s.client.LRange(ctx, s.recentKey(owner), 0, int64(s.maxRecent-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent sessions: %w", err)
	}

	out := make([]interfaces.RecentSession, 0, len(results))
	for _, raw := range results {
		var entry interfaces.RecentSession
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *RedisStore) Prune(ctx context.Context, owner string, keep func(interfaces.RecentSession) bool) error {
	key := s.recentKey(owner)
	results, err := s.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read recent sessions: %w", err)
	}
	for _, raw := range results {
		var entry interfaces.RecentSession
		if json.Unmarshal([]byte(raw), &entry) == nil && keep(entry) {
			continue
		}
		if err := s.client.LRem(ctx, key, 0, raw).Err(); err != nil {
			return fmt.Errorf("failed to prune recent session: %w", err)
		}
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock takes a SETNX lock that expires after ttl.
func (s *RedisStore) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	lockKey := fmt.Sprintf("%s:lock:%s", s.prefix, key)
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to take lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, s.client, []string{lockKey}, token).Err(); err != nil && err != redis.Nil {
			log.Printf("[RedisStore] Warning: failed to release lock %s: %v", key, err)
		}
	}
	return release, true, nil
}

func sameRecent(a, b interfaces.RecentSession) bool {
	return a.Code == b.Code && a.Name == b.Name
}
