// Package cache provides the Redis-backed shared store every pipeline stage
// communicates through.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"nifty-options-bot/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	// ErrMiss is returned when a key is absent or expired
	ErrMiss = errors.New("cache: key not found")
	// ErrMalformed is returned when a stored value cannot be decoded
	ErrMalformed = errors.New("cache: malformed value")
	// ErrUnavailable is returned while the circuit breaker is open
	ErrUnavailable = errors.New("redis unavailable (circuit breaker open)")
)

// CacheService wraps a Redis client with a failure-counting circuit breaker.
// Once open, calls fail fast with ErrUnavailable until a background ping
// succeeds.
type CacheService struct {
	client       *redis.Client
	config       config.RedisConfig
	logger       zerolog.Logger
	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	// Circuit breaker settings
	maxFailures   int
	checkInterval time.Duration
}

var _ Store = (*CacheService)(nil)

// NewCacheService connects to Redis. A failed initial ping returns the
// service in degraded mode rather than an error.
func NewCacheService(cfg config.RedisConfig, logger zerolog.Logger) (*CacheService, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	cs := &CacheService{
		client:        client,
		config:        cfg,
		logger:        logger.With().Str("component", "cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		cs.logger.Warn().Err(err).Str("address", cfg.Address).Msg("Initial Redis connection failed")
		return cs, nil
	}

	cs.healthy = true
	cs.lastCheck = time.Now()
	cs.logger.Info().Str("address", cfg.Address).Msg("Redis connected")

	return cs, nil
}

// IsHealthy returns whether Redis is currently available.
func (cs *CacheService) IsHealthy() bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.healthy
}

func (cs *CacheService) recordFailure() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.failureCount++
	if cs.failureCount >= cs.maxFailures {
		if cs.healthy {
			cs.logger.Error().Int("failures", cs.failureCount).Msg("Circuit breaker OPEN: Redis marked unhealthy")
		}
		cs.healthy = false
	}
}

func (cs *CacheService) recordSuccess() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.healthy {
		cs.logger.Info().Msg("Circuit breaker CLOSED: Redis recovered")
	}
	cs.healthy = true
	cs.failureCount = 0
	cs.lastCheck = time.Now()
}

// checkHealth pings in the background once checkInterval has passed while
// the breaker is open.
func (cs *CacheService) checkHealth() {
	cs.mu.Lock()
	shouldCheck := !cs.healthy && time.Since(cs.lastCheck) >= cs.checkInterval
	if shouldCheck {
		cs.lastCheck = time.Now()
	}
	cs.mu.Unlock()

	if !shouldCheck {
		return
	}

	go func() {
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := cs.client.Ping(pingCtx).Err(); err == nil {
			cs.recordSuccess()
		}
	}()
}

func (cs *CacheService) guard() error {
	cs.checkHealth()
	if !cs.IsHealthy() {
		return ErrUnavailable
	}
	return nil
}

// Get retrieves a raw value. Returns ErrMiss when the key is absent.
func (cs *CacheService) Get(ctx context.Context, key string) (string, error) {
	if err := cs.guard(); err != nil {
		return "", err
	}

	result, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrMiss
		}
		cs.recordFailure()
		return "", fmt.Errorf("redis get failed: %w", err)
	}

	cs.recordSuccess()
	return result, nil
}

// Exists reports whether key is present.
func (cs *CacheService) Exists(ctx context.Context, key string) (bool, error) {
	if err := cs.guard(); err != nil {
		return false, err
	}

	n, err := cs.client.Exists(ctx, key).Result()
	if err != nil {
		cs.recordFailure()
		return false, fmt.Errorf("redis exists failed: %w", err)
	}

	cs.recordSuccess()
	return n > 0, nil
}

// Set stores a value with TTL. Strings and byte slices are stored verbatim,
// anything else is JSON encoded. A zero TTL stores without expiry.
func (cs *CacheService) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if err := cs.guard(); err != nil {
		return err
	}

	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		jsonData, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(jsonData)
	}

	if err := cs.client.Set(ctx, key, data, ttl).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis set failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (cs *CacheService) Delete(ctx context.Context, key string) error {
	if err := cs.guard(); err != nil {
		return err
	}

	if err := cs.client.Del(ctx, key).Err(); err != nil {
		cs.recordFailure()
		return fmt.Errorf("redis delete failed: %w", err)
	}

	cs.recordSuccess()
	return nil
}

// DeletePattern deletes all keys matching a glob pattern and returns how
// many were removed.
func (cs *CacheService) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if err := cs.guard(); err != nil {
		return 0, err
	}

	deleted := 0
	iter := cs.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := cs.client.Del(ctx, iter.Val()).Err(); err != nil {
			cs.recordFailure()
			return deleted, fmt.Errorf("redis delete pattern failed: %w", err)
		}
		deleted++
	}

	if err := iter.Err(); err != nil {
		cs.recordFailure()
		return deleted, fmt.Errorf("redis scan failed: %w", err)
	}

	cs.recordSuccess()
	return deleted, nil
}

// Incr atomically increments a counter. The TTL is applied on the first
// increment only, so the window starts when the counter is created.
func (cs *CacheService) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if err := cs.guard(); err != nil {
		return 0, err
	}

	val, err := cs.client.Incr(ctx, key).Result()
	if err != nil {
		cs.recordFailure()
		return 0, fmt.Errorf("redis incr failed: %w", err)
	}

	if val == 1 && ttl > 0 {
		if err := cs.client.Expire(ctx, key, ttl).Err(); err != nil {
			cs.logger.Warn().Err(err).Str("key", key).Msg("Failed to set counter TTL")
		}
	}

	cs.recordSuccess()
	return val, nil
}

// GetInt reads an integer counter. An absent key reads as zero.
func (cs *CacheService) GetInt(ctx context.Context, key string) (int64, error) {
	if err := cs.guard(); err != nil {
		return 0, err
	}

	raw, err := cs.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		cs.recordFailure()
		return 0, fmt.Errorf("redis get counter failed: %w", err)
	}
	cs.recordSuccess()

	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return val, nil
}

// GetJSON retrieves and unmarshals a JSON value. Undecodable values return
// an error wrapping ErrMalformed.
func (cs *CacheService) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, err := cs.Get(ctx, key)
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}

	return nil
}

// SetJSON marshals and stores a JSON value.
func (cs *CacheService) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}
	return cs.Set(ctx, key, data, ttl)
}

// Close closes the Redis connection.
func (cs *CacheService) Close() error {
	if cs.client != nil {
		return cs.client.Close()
	}
	return nil
}

// Ping checks Redis connectivity.
func (cs *CacheService) Ping(ctx context.Context) error {
	if err := cs.client.Ping(ctx).Err(); err != nil {
		cs.recordFailure()
		return err
	}
	cs.recordSuccess()
	return nil
}

// Stats returns cache statistics for monitoring.
type Stats struct {
	Healthy      bool   `json:"healthy"`
	FailureCount int    `json:"failure_count"`
	Address      string `json:"address"`
	PoolSize     int    `json:"pool_size"`
}

// GetStats returns current cache statistics.
func (cs *CacheService) GetStats() Stats {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return Stats{
		Healthy:      cs.healthy,
		FailureCount: cs.failureCount,
		Address:      cs.config.Address,
		PoolSize:     cs.config.PoolSize,
	}
}
