package cache

import (
	"context"
	"errors"
	"time"
)

// Store is the subset of the cache every stage depends on.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	GetInt(ctx context.Context, key string) (int64, error)
	DeletePattern(ctx context.Context, pattern string) (int, error)
	AcquireLease(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
}

// IsMiss reports whether err means the key was absent
func IsMiss(err error) bool {
	return errors.Is(err, ErrMiss)
}

// IsMalformed reports whether err means the stored value could not be decoded
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformed)
}
