// Redis-backed DecisionStore for fleet-wide enforcement.
//
// All operations map onto single Redis commands so the per-key semantics
// the engine relies on hold across instances: blocks are plain SET/GET
// with TTL, counters use INCR (atomic server-side) with EXPIRE applied
// only when the counter is created, and the KV map is a namespaced
// SET/GET pair. Keys are namespaced to avoid collisions with other users
// of the same Redis:
//
//	<namespace>:block:<key>
//	<namespace>:counter:<key>
//	<namespace>:kv:<key>
package core

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisDecisionStore implements DecisionStore over a shared Redis instance
type RedisDecisionStore struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisStoreOptions configures the Redis decision store
type RedisStoreOptions struct {
	RedisURL  string
	Namespace string // defaults to "sentinai"
	Logger    Logger
}

// NewRedisDecisionStore connects to Redis and verifies connectivity
func NewRedisDecisionStore(opts RedisStoreOptions) (*RedisDecisionStore, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrInvalidConfiguration)
	}
	if opts.Namespace == "" {
		opts.Namespace = "sentinai"
	}
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		opts.Logger.Error("Failed to parse Redis URL", map[string]interface{}{
			"error":     err,
			"redis_url": opts.RedisURL,
		})
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		opts.Logger.Error("Failed to connect to Redis", map[string]interface{}{
			"error":     err,
			"namespace": opts.Namespace,
		})
		return nil, fmt.Errorf("failed to connect to Redis: %w", ErrConnectionFailed)
	}

	store := &RedisDecisionStore{
		client:    client,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}
	store.logger.Info("Redis decision store connected", map[string]interface{}{
		"namespace": opts.Namespace,
	})
	return store, nil
}

// Close closes the Redis connection
func (s *RedisDecisionStore) Close() error {
	return s.client.Close()
}

func (s *RedisDecisionStore) blockKey(key string) string {
	return s.namespace + ":block:" + key
}

func (s *RedisDecisionStore) counterKey(key string) string {
	return s.namespace + ":counter:" + key
}

func (s *RedisDecisionStore) kvKey(key string) string {
	return s.namespace + ":kv:" + key
}

// IsBlocked reports whether a non-expired block exists for key.
// Redis evicts expired entries itself, so no explicit cleanup is needed.
func (s *RedisDecisionStore) IsBlocked(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Get(ctx, s.blockKey(key)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("is-blocked %s: %w", key, ErrStoreUnavailable)
	}
	return true, nil
}

// Block records a block fleet-wide. A duration of 0 blocks permanently.
func (s *RedisDecisionStore) Block(ctx context.Context, key, reason string, duration time.Duration) error {
	if err := s.client.Set(ctx, s.blockKey(key), reason, duration).Err(); err != nil {
		return fmt.Errorf("block %s: %w", key, ErrStoreUnavailable)
	}

	durationLabel := "permanent"
	if duration > 0 {
		durationLabel = duration.String()
	}
	s.logger.Info("Target blocked", map[string]interface{}{
		"target":   key,
		"reason":   reason,
		"duration": durationLabel,
	})
	return nil
}

// Unblock removes a block immediately
func (s *RedisDecisionStore) Unblock(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.blockKey(key)).Err(); err != nil {
		return fmt.Errorf("unblock %s: %w", key, ErrStoreUnavailable)
	}
	s.logger.Info("Target unblocked", map[string]interface{}{"target": key})
	return nil
}

// IncrementCounter atomically bumps a windowed counter. EXPIRE is only set
// when INCR creates the key, so later increments never extend the window.
func (s *RedisDecisionStore) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	fullKey := s.counterKey(key)
	count, err := s.client.Incr(ctx, fullKey).Result()
	if err != nil {
		return 0, fmt.Errorf("increment %s: %w", key, ErrStoreUnavailable)
	}
	if count == 1 && window > 0 {
		if err := s.client.Expire(ctx, fullKey, window).Err(); err != nil {
			s.logger.Warn("Failed to set counter window", map[string]interface{}{
				"key":   key,
				"error": err,
			})
		}
	}
	return count, nil
}

// GetCounter returns the current count without incrementing
func (s *RedisDecisionStore) GetCounter(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, s.counterKey(key)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get-counter %s: %w", key, ErrStoreUnavailable)
	}
	count, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, nil
	}
	return count, nil
}

// Put stores a value with a TTL. A ttl of 0 means no expiry.
func (s *RedisDecisionStore) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.kvKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("put %s: %w", key, ErrStoreUnavailable)
	}
	return nil
}

// Get returns the value for key, or "" if absent or expired
func (s *RedisDecisionStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, s.kvKey(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s: %w", key, ErrStoreUnavailable)
	}
	return val, nil
}

// AllBlocked scans the block namespace and returns key -> reason
func (s *RedisDecisionStore) AllBlocked(ctx context.Context) (map[string]string, error) {
	prefix := s.namespace + ":block:"
	snapshot := make(map[string]string)

	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("all-blocked scan: %w", ErrStoreUnavailable)
		}
		for _, fullKey := range keys {
			reason, err := s.client.Get(ctx, fullKey).Result()
			if err == redis.Nil {
				continue // expired between SCAN and GET
			}
			if err != nil {
				return nil, fmt.Errorf("all-blocked get: %w", ErrStoreUnavailable)
			}
			snapshot[fullKey[len(prefix):]] = reason
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return snapshot, nil
}
