package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"tradebot-engine/config"
	"tradebot-engine/internal/engine"
	"tradebot-engine/internal/logging"
	"tradebot-engine/internal/strategy"
)

const (
	// RuntimeKeyPrefix is the prefix for bot runtime snapshots.
	// Format: bot:runtime:{botID}
	RuntimeKeyPrefix = "bot:runtime"

	// RuntimeStateTTL is the TTL for runtime snapshots (7 days)
	RuntimeStateTTL = 7 * 24 * time.Hour
)

// NewRedisClient builds a client from config. Returns nil when Redis is disabled.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	if !cfg.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// RedisRuntimeStore keeps bot runtime snapshots (open positions, last action) in
// Redis with an in-memory fallback when Redis is unavailable.
// It implements engine.RuntimeStore.
type RedisRuntimeStore struct {
	client         *redis.Client
	inMemoryCache  map[string]engine.RuntimeSnapshot
	cacheMu        sync.RWMutex
	redisAvailable atomic.Bool
	log            *logging.Logger
}

// NewRedisRuntimeStore creates the store. A nil client means memory-only mode.
func NewRedisRuntimeStore(client *redis.Client) *RedisRuntimeStore {
	s := &RedisRuntimeStore{
		client:        client,
		inMemoryCache: make(map[string]engine.RuntimeSnapshot),
		log:           logging.WithComponent("redis-runtime"),
	}

	if client == nil {
		s.log.Info("No Redis client provided, using in-memory cache only")
		return s
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		s.log.WithError(err).Warn("Redis unavailable at startup, using in-memory cache")
	} else {
		s.log.Info("Redis connected")
		s.redisAvailable.Store(true)
	}
	return s
}

func runtimeKey(botID string) string {
	return fmt.Sprintf("%s:%s", RuntimeKeyPrefix, botID)
}

// SaveRuntime stores the snapshot. Redis failures degrade to the cache and are not returned.
func (s *RedisRuntimeStore) SaveRuntime(ctx context.Context, snap engine.RuntimeSnapshot) error {
	if snap.BotID == "" {
		return errors.New("runtime snapshot has no bot id")
	}
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal runtime snapshot: %w", err)
	}

	s.updateCache(snap)

	if s.client == nil || !s.redisAvailable.Load() {
		return nil
	}
	if err := s.client.Set(ctx, runtimeKey(snap.BotID), data, RuntimeStateTTL).Err(); err != nil {
		s.log.WithError(err).Warn("Failed to save runtime to Redis, using in-memory cache", "bot_id", snap.BotID)
		s.redisAvailable.Store(false)
		return nil
	}
	s.log.Debug("Saved runtime snapshot", "bot_id", snap.BotID, "positions", len(snap.Positions))
	return nil
}

// LoadRuntime returns the snapshot for a bot, or nil when none exists
func (s *RedisRuntimeStore) LoadRuntime(ctx context.Context, botID string) (*engine.RuntimeSnapshot, error) {
	if s.client == nil || !s.redisAvailable.Load() {
		return s.getFromCache(botID), nil
	}

	data, err := s.client.Get(ctx, runtimeKey(botID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return s.getFromCache(botID), nil
		}
		s.log.WithError(err).Warn("Redis read error, using in-memory cache", "bot_id", botID)
		s.redisAvailable.Store(false)
		return s.getFromCache(botID), nil
	}

	var snap engine.RuntimeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal runtime snapshot: %w", err)
	}
	s.updateCache(snap)
	return &snap, nil
}

// DeleteRuntime removes the snapshot from Redis and the cache
func (s *RedisRuntimeStore) DeleteRuntime(ctx context.Context, botID string) error {
	s.cacheMu.Lock()
	delete(s.inMemoryCache, botID)
	s.cacheMu.Unlock()

	if s.client == nil || !s.redisAvailable.Load() {
		return nil
	}
	if err := s.client.Del(ctx, runtimeKey(botID)).Err(); err != nil {
		s.log.WithError(err).Warn("Failed to delete runtime from Redis", "bot_id", botID)
		s.redisAvailable.Store(false)
	}
	return nil
}

// IsRedisAvailable returns whether Redis is currently in use
func (s *RedisRuntimeStore) IsRedisAvailable() bool {
	return s.redisAvailable.Load()
}

// CheckRedisConnection pings Redis and pushes cached snapshots back once it recovers
func (s *RedisRuntimeStore) CheckRedisConnection(ctx context.Context) error {
	if s.client == nil {
		return errors.New("no Redis client configured")
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.redisAvailable.Store(false)
		return fmt.Errorf("redis ping failed: %w", err)
	}

	if !s.redisAvailable.Swap(true) {
		s.log.Info("Redis connection recovered")
		return s.syncCacheToRedis(ctx)
	}
	return nil
}

func (s *RedisRuntimeStore) syncCacheToRedis(ctx context.Context) error {
	s.cacheMu.RLock()
	snaps := make([]engine.RuntimeSnapshot, 0, len(s.inMemoryCache))
	for _, snap := range s.inMemoryCache {
		snaps = append(snaps, snap)
	}
	s.cacheMu.RUnlock()

	pipe := s.client.TxPipeline()
	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			continue
		}
		pipe.Set(ctx, runtimeKey(snap.BotID), data, RuntimeStateTTL)
	}
	if len(snaps) == 0 {
		return nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.redisAvailable.Store(false)
		return fmt.Errorf("sync runtime cache to redis: %w", err)
	}
	s.log.Info("Synced runtime snapshots to Redis", "count", len(snaps))
	return nil
}

// CacheSize returns the number of snapshots held in memory
func (s *RedisRuntimeStore) CacheSize() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return len(s.inMemoryCache)
}

func (s *RedisRuntimeStore) updateCache(snap engine.RuntimeSnapshot) {
	snap.Positions = append([]strategy.Position(nil), snap.Positions...)
	s.cacheMu.Lock()
	s.inMemoryCache[snap.BotID] = snap
	s.cacheMu.Unlock()
}

func (s *RedisRuntimeStore) getFromCache(botID string) *engine.RuntimeSnapshot {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	snap, ok := s.inMemoryCache[botID]
	if !ok {
		return nil
	}
	snap.Positions = append([]strategy.Position(nil), snap.Positions...)
	return &snap
}

var _ engine.RuntimeStore = (*RedisRuntimeStore)(nil)
